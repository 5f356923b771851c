package middleware

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/julienschmidt/httprouter"

	apiContext "callrelay/internal/api/context"
	"callrelay/internal/platform/database"
	"callrelay/internal/platform/repositories"
)

func requestWithTenantParam(id string) *http.Request {
	req, _ := http.NewRequest("POST", "/reconnect/"+id, nil)
	ps := httprouter.Params{{Key: "tenantId", Value: id}}
	return req.WithContext(context.WithValue(req.Context(), apiContext.Params, ps))
}

func TestTenantMiddleware(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	tenantRepo := repositories.NewTenantRepository(database.Wrap(db, database.DriverSQLite))
	middleware := NewTenantMiddleware(tenantRepo)
	columns := []string{"id", "name", "upstream_token", "upstream_cluster", "status", "deleted_at", "created_at", "updated_at"}

	t.Run("Valid Tenant", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id = ?").
			WithArgs("t_123").
			WillReturnRows(sqlmock.NewRows(columns).AddRow("t_123", "Acme", "tok", "us", "active", nil, 1, 1))

		called := false
		rr := httptest.NewRecorder()
		handler := middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			called = true
			tenant, ok := TenantFrom(r.Context())
			if !ok || tenant.ID != "t_123" || tenant.Name != "Acme" {
				t.Errorf("unexpected tenant in context: %+v", tenant)
			}
			w.WriteHeader(http.StatusOK)
		})

		handler.ServeHTTP(rr, requestWithTenantParam("t_123"))

		if !called || rr.Code != http.StatusOK {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
		}
	})

	t.Run("Unknown Tenant", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id = ?").
			WithArgs("t_999").
			WillReturnError(sql.ErrNoRows)

		rr := httptest.NewRecorder()
		handler := middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})

		handler.ServeHTTP(rr, requestWithTenantParam("t_999"))

		if rr.Code != http.StatusNotFound {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusNotFound)
		}
	})

	t.Run("Store Failure", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id = ?").
			WithArgs("t_500").
			WillReturnError(errors.New("db down"))

		rr := httptest.NewRecorder()
		middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		}).ServeHTTP(rr, requestWithTenantParam("t_500"))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusInternalServerError)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
