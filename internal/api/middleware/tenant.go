package middleware

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "callrelay/internal/api/context"
	"callrelay/internal/pkg/errors"
	"callrelay/internal/platform/models"
)

type TenantLoader interface {
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
}

// TenantMiddleware resolves the :tenantId path parameter to a stored tenant
// and places it in the request context.
type TenantMiddleware struct {
	tenants TenantLoader
}

func NewTenantMiddleware(tenants TenantLoader) *TenantMiddleware {
	return &TenantMiddleware{tenants: tenants}
}

func (m *TenantMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
		id := ps.ByName("tenantId")
		if id == "" {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Missing tenant id", nil)
			return
		}

		tenant, err := m.tenants.GetByID(r.Context(), id)
		if err != nil {
			errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load tenant", nil)
			return
		}
		if tenant == nil {
			errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Tenant not found", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Tenant, tenant)
		next(w, r.WithContext(ctx))
	}
}

// TenantFrom returns the tenant loaded by TenantMiddleware.
func TenantFrom(ctx context.Context) (*models.Tenant, bool) {
	tenant, ok := ctx.Value(apiContext.Tenant).(*models.Tenant)
	return tenant, ok
}
