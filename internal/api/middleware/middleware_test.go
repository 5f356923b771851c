package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callrelay/internal/pkg/errors"
	"callrelay/internal/platform/auth"
	"callrelay/internal/platform/config"
)

func ok(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAuthMiddleware(t *testing.T) {
	svc := auth.NewTokenService(config.JWTConfig{Secret: "s3cret", TokenTTL: time.Hour})
	token, _ := svc.GenerateControlToken("ops")
	m := NewAuthMiddleware(svc)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			m.Handle(ok)(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	t.Run("disabled without secret", func(t *testing.T) {
		open := NewAuthMiddleware(auth.NewTokenService(config.JWTConfig{}))
		rr := httptest.NewRecorder()
		open.Handle(ok)(rr, httptest.NewRequest("GET", "/status", nil))
		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rr.Code)
		}
	})
}

func TestTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		w.WriteHeader(http.StatusOK)
	})
	rr := httptest.NewRecorder()
	Timeout(20*time.Millisecond)(slow).ServeHTTP(rr, httptest.NewRequest("POST", "/force-reconnect", nil))

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rr.Code)
	}
	var body errors.ErrorResponse
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Code != errors.ErrCodeTimeout {
		t.Errorf("code = %q, want TIMEOUT", body.Code)
	}

	fast := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("done"))
	})
	rr = httptest.NewRecorder()
	Timeout(time.Second)(fast).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusCreated || rr.Body.String() != "done" || rr.Header().Get("X-Test") != "1" {
		t.Errorf("fast response = %d %q %v", rr.Code, rr.Body.String(), rr.Header())
	}
}

func TestRecovery(t *testing.T) {
	cleaned := false
	h := RequestLogger(Recovery(func() { cleaned = true })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/status", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
	if !cleaned {
		t.Error("onPanic hook not called")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}
