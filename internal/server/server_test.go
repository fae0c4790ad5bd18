package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lumadesk/operator/internal/auth"
	"github.com/lumadesk/operator/internal/handlers"
)

func TestJWTGuardsProtectedRoutes(t *testing.T) {
	t.Parallel()
	secret := "test-secret"
	srv := NewServer(slog.Default(), ":0", secret, handlers.NewPingHandler(slog.Default()), routeProbe{})

	// Skipped path goes through without a token.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/ping status = %d, want 200 without a token", rec.Code)
	}

	// Protected path is rejected without a token.
	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("/probe status = %d, want 401 without a token", rec.Code)
	}

	// And accepted with one.
	token, _, err := auth.GenerateToken("op-1", secret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/probe status = %d, want 200 with a valid token", rec.Code)
	}
}

type routeProbe struct{}

func (routeProbe) Register(e *echo.Echo) {
	e.GET("/probe", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}
