package models

const (
	WebhookStatusActive   = "active"
	WebhookStatusInactive = "inactive"
	WebhookStatusPaused   = "paused"
)

type Webhook struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Status   string   `json:"status"` // active, inactive, paused
	Events   []string `json:"events"`
	// Filters holds the predicate list per subscribed event name.
	Filters   map[string][]FilterPredicate `json:"filters,omitempty"`
	CreatedAt int64                        `json:"created_at"`
	UpdatedAt int64                        `json:"updated_at"`
}

func (w *Webhook) SubscribesTo(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

func (w *Webhook) FiltersFor(eventType string) []FilterPredicate {
	if w.Filters == nil {
		return nil
	}
	return w.Filters[eventType]
}

type FilterPredicate struct {
	FieldPath   string      `json:"field_path"`
	Operator    string      `json:"operator"`
	Value       interface{} `json:"value"`
	Description string      `json:"description,omitempty"`
}

// DeliveryEnvelope is the JSON body POSTed to webhook endpoints.
type DeliveryEnvelope struct {
	EventType string      `json:"event_type"`
	CompanyID string      `json:"company_id"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)

type ExecutionRecord struct {
	ID         string `json:"id"`
	WebhookID  string `json:"webhook_id"`
	TenantID   string `json:"tenant_id"`
	EventType  string `json:"event_type"`
	Status     string `json:"status"` // success, failed
	HTTPStatus int    `json:"http_status"`
	Response   string `json:"response,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}
