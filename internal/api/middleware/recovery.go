package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	apiContext "callrelay/internal/api/context"
	"callrelay/internal/pkg/errors"
)

// Recovery turns a handler panic into a 500 response. onPanic, when set, runs
// after the panic is logged.
func Recovery(onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				id, _ := r.Context().Value(apiContext.RequestID).(string)
				log.Error().Err(fmt.Errorf("%v", rec)).Str("request_id", id).Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).Msg("recovered panic in handler")
				if onPanic != nil {
					onPanic()
				}
				errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Internal server error", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
