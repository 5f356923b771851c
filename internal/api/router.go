package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	apiContext "callrelay/internal/api/context"
	"callrelay/internal/api/handlers"
	"callrelay/internal/api/middleware"
	"callrelay/internal/pkg/errors"
)

type Dependencies struct {
	HealthHandler    *handlers.HealthHandler
	RelayHandler     *handlers.RelayHandler
	CacheHandler     *handlers.CacheHandler
	AuthMiddleware   *middleware.AuthMiddleware
	TenantMiddleware *middleware.TenantMiddleware
	RequestTimeout   time.Duration
	// OnPanic runs after a handler panic has been recovered.
	OnPanic func()
}

func NewRouter(deps *Dependencies) http.Handler {
	router := httprouter.New()

	// Liveness stays open for load balancers
	router.GET("/health", wrap(deps.HealthHandler.Check))

	authMid := deps.AuthMiddleware
	tenantMid := deps.TenantMiddleware

	// Connection state
	router.GET("/status", chain(deps.RelayHandler.Status, authMid.Handle))
	router.POST("/check-webhooks/:tenantId", chain(deps.RelayHandler.CheckWebhooks, authMid.Handle))
	router.POST("/check-inactive-companies", chain(deps.RelayHandler.CheckInactive, authMid.Handle))
	router.POST("/check-all-webhooks", chain(deps.RelayHandler.CheckAll, authMid.Handle))
	router.POST("/reconnect/:tenantId",
		chain(deps.RelayHandler.Reconnect, authMid.Handle, tenantMid.Handle))
	router.POST("/force-reconnect", chain(deps.RelayHandler.ForceReconnect, authMid.Handle))

	// Caches
	router.POST("/clear-cache", chain(deps.CacheHandler.Clear, authMid.Handle))
	router.GET("/cache-stats", chain(deps.CacheHandler.Stats, authMid.Handle))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	var h http.Handler = router
	h = middleware.Timeout(deps.RequestTimeout)(h)
	h = middleware.Recovery(deps.OnPanic)(h)
	return middleware.RequestLogger(h)
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
