// Package filter evaluates per-webhook predicate lists against event payloads.
//
// Evaluation is deliberately fail-open: a predicate that cannot be evaluated
// (unknown operator, panic while walking the payload) yields EvaluationError,
// which Passes treats as a pass. Malformed configuration never blocks delivery.
package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"callrelay/internal/platform/models"
)

const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpNotContains = "not_contains"
)

type Result int

const (
	Pass Result = iota
	Fail
	EvaluationError
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "evaluation_error"
	}
}

// Passes reports whether every predicate passes. An empty list always passes.
func Passes(payload interface{}, preds []models.FilterPredicate) bool {
	for _, p := range preds {
		if res, _ := Evaluate(payload, p); res == Fail {
			return false
		}
	}
	return true
}

// Evaluate runs a single predicate. The error is set only for EvaluationError.
func Evaluate(payload interface{}, p models.FilterPredicate) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = EvaluationError, fmt.Errorf("filter %q on %q panicked: %v", p.Operator, p.FieldPath, r)
		}
	}()

	value, found := Lookup(payload, p.FieldPath)

	var ok bool
	switch p.Operator {
	case OpEquals:
		ok = looseEqual(value, found, p.Value)
	case OpNotEquals:
		ok = !looseEqual(value, found, p.Value)
	case OpGreaterThan, OpLessThan:
		a, okA := toNumber(value, found)
		b, okB := toNumber(p.Value, true)
		if !okA || !okB {
			return Fail, nil
		}
		if p.Operator == OpGreaterThan {
			ok = a > b
		} else {
			ok = a < b
		}
	case OpContains:
		ok = strings.Contains(strings.ToLower(toString(value, found)), strings.ToLower(toString(p.Value, true)))
	case OpNotContains:
		ok = !strings.Contains(strings.ToLower(toString(value, found)), strings.ToLower(toString(p.Value, true)))
	default:
		return EvaluationError, fmt.Errorf("unknown filter operator %q", p.Operator)
	}

	if ok {
		return Pass, nil
	}
	return Fail, nil
}

// Lookup walks a dotted path ("call.agent.id", "legs.0.number") through decoded
// JSON. found is false when any segment is missing.
func Lookup(payload interface{}, path string) (interface{}, bool) {
	if path == "" {
		return payload, true
	}

	cur := payload
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares numerically when both sides coerce to numbers, so the
// payload field 45 equals the configured string "45". Otherwise it compares
// string forms. A missing field only equals a nil comparison value.
func looseEqual(value interface{}, found bool, want interface{}) bool {
	if !found || value == nil {
		return want == nil
	}
	if want == nil {
		return false
	}
	if a, ok := toNumber(value, true); ok {
		if b, ok := toNumber(want, true); ok {
			return a == b
		}
	}
	return toString(value, true) == toString(want, true)
}

func toNumber(v interface{}, found bool) (float64, bool) {
	if !found || v == nil {
		return 0, false
	}

	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func toString(v interface{}, found bool) string {
	if !found || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(b)
	default:
		return fmt.Sprint(s)
	}
}
