package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(e *echo.Echo, roles ...string) echo.Context {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), "user-1", roles...))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	c := contextWithRoles(e, RoleDoctor)

	h := RequireRole(RoleDoctor)(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if err := h(c); err != nil {
		t.Fatalf("expected access, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	c := contextWithRoles(e, RolePatient)

	h := RequireRole(RoleDoctor)(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	c := contextWithRoles(e, RoleAdmin)

	h := RequireRole(RolePatient, RoleDoctor)(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if err := h(c); err != nil {
		t.Fatalf("expected admin bypass, got %v", err)
	}
}

func TestIsSelfOrAdmin(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		target string
		want   bool
	}{
		{"self", WithIdentity(context.Background(), "u1", RolePatient), "u1", true},
		{"other", WithIdentity(context.Background(), "u1", RolePatient), "u2", false},
		{"admin", WithIdentity(context.Background(), "a1", RoleAdmin), "u2", true},
		{"anonymous", context.Background(), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSelfOrAdmin(tt.ctx, tt.target); got != tt.want {
				t.Errorf("IsSelfOrAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
