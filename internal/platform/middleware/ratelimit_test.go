package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caregate/caregate/internal/platform/apperr"
)

func serveCtx(t *testing.T, h echo.HandlerFunc, e *echo.Echo, userID string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != "" {
		c.Set("user_id", userID)
	}
	return rec, h(c)
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		rec, err := serveCtx(t, handler, e, "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 2; i++ {
		if _, err := serveCtx(t, handler, e, ""); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec, err := serveCtx(t, handler, e, "")
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if he.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", he.Code)
	}
	if ae, ok := he.Message.(*apperr.Error); !ok || ae.Code != apperr.CodeRateLimited {
		t.Errorf("expected RATE_LIMITED body, got %#v", he.Message)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_KeyedPerActor(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if _, err := serveCtx(t, handler, e, "doctor-1"); err != nil {
		t.Fatalf("first request for doctor-1: %v", err)
	}
	if _, err := serveCtx(t, handler, e, "doctor-2"); err != nil {
		t.Fatalf("doctor-2 must have its own bucket: %v", err)
	}
	if _, err := serveCtx(t, handler, e, "doctor-1"); err == nil {
		t.Fatal("expected doctor-1 to be throttled")
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTokenBucket(2, 1, start)

	if ok, _ := b.take(start); !ok {
		t.Fatal("expected first take to succeed")
	}
	ok, retry := b.take(start)
	if ok {
		t.Fatal("expected bucket to be empty")
	}
	if retry != 1 {
		t.Errorf("expected retry-after 1s, got %d", retry)
	}
	if ok, _ := b.take(start.Add(600 * time.Millisecond)); !ok {
		t.Error("expected a token after refill")
	}
}
