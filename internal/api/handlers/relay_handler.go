package handlers

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "callrelay/internal/api/context"
	"callrelay/internal/api/middleware"
	"callrelay/internal/engine/relay"
	"callrelay/internal/pkg/errors"
)

type RelayControl interface {
	Statuses() []relay.TenantStatus
	CheckTenant(ctx context.Context, tenantID string) (relay.Action, error)
	CheckInactive(ctx context.Context) (int, error)
	CheckAll(ctx context.Context) (relay.CheckSummary, error)
	ReconnectTenant(ctx context.Context, tenantID string) (bool, error)
	ReconnectAll(ctx context.Context, force bool) (relay.ReconnectSummary, error)
}

type RelayHandler struct {
	relay RelayControl
}

func NewRelayHandler(relay RelayControl) *RelayHandler {
	return &RelayHandler{relay: relay}
}

func params(r *http.Request) httprouter.Params {
	ps, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return ps
}

func (h *RelayHandler) Status(w http.ResponseWriter, r *http.Request) {
	statuses := h.relay.Statuses()
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": statuses,
		"count":   len(statuses),
	})
}

func (h *RelayHandler) CheckWebhooks(w http.ResponseWriter, r *http.Request) {
	tenantID := params(r).ByName("tenantId")
	if tenantID == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Missing tenant id", nil)
		return
	}

	action, err := h.relay.CheckTenant(r.Context(), tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("webhook check failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to check tenant webhooks", nil)
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"action":    action,
	})
}

func (h *RelayHandler) CheckInactive(w http.ResponseWriter, r *http.Request) {
	closed, err := h.relay.CheckInactive(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("inactive tenant sweep failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to check inactive tenants", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]int{"disconnected": closed})
}

func (h *RelayHandler) CheckAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.relay.CheckAll(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("webhook sweep failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to check tenants", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, summary)
}

// Reconnect expects TenantMiddleware to have loaded the tenant.
func (h *RelayHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFrom(r.Context())
	if !ok {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Missing tenant", nil)
		return
	}

	connected, err := h.relay.ReconnectTenant(r.Context(), tenant.ID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("reconnect failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to reconnect tenant", nil)
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenant.ID,
		"connected": connected,
	})
}

func (h *RelayHandler) ForceReconnect(w http.ResponseWriter, r *http.Request) {
	summary, err := h.relay.ReconnectAll(r.Context(), true)
	if err != nil {
		log.Error().Err(err).Msg("forced reconnect failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to reconnect tenants", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, summary)
}
