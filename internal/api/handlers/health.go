package handlers

import (
	"net/http"
	"time"

	"callrelay/internal/engine/relay"
	"callrelay/internal/pkg/errors"
	"callrelay/internal/workers"
)

type MemoryReporter interface {
	Memory() workers.MemoryStats
}

type RelaySummarizer interface {
	Summary() relay.Summary
}

type HealthHandler struct {
	memory MemoryReporter
	relay  RelaySummarizer
	now    func() time.Time
}

func NewHealthHandler(memory MemoryReporter, relay RelaySummarizer) *HealthHandler {
	return &HealthHandler{memory: memory, relay: relay, now: time.Now}
}

// Check reports liveness with the latest memory sample. Critical memory
// pressure answers 503 so load balancers can back off.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	mem := h.memory.Memory()

	status := "ok"
	statusCode := http.StatusOK
	switch mem.Level {
	case workers.MemoryWarning:
		status = "warning"
	case workers.MemoryCritical:
		status = "critical"
		statusCode = http.StatusServiceUnavailable
	}

	response := struct {
		Status    string              `json:"status"`
		Timestamp string              `json:"timestamp"`
		Memory    workers.MemoryStats `json:"memory"`
		Tenants   relay.Summary       `json:"tenants"`
	}{
		Status:    status,
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Memory:    mem,
		Tenants:   h.relay.Summary(),
	}

	errors.WriteJSON(w, statusCode, response)
}
