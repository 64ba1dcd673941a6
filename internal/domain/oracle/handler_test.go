package oracle

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/caregate/caregate/internal/platform/apperr"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = apperr.NewValidator()
	NewHandler().RegisterRoutes(e.Group("/api/v1"))
	return e
}

func postValidate(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/validate", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Validate(t *testing.T) {
	e := newTestEcho()

	rec := postValidate(e, `{"license_number":"NMC1234567890"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got FormatResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Valid || got.Authority != "NMC" {
		t.Errorf("unexpected result %+v", got)
	}

	rec = postValidate(e, `{"license_number":"XYZ12345"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"valid":false`) {
		t.Errorf("malformed number should report valid=false, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Validate_RequiresLicenseNumber(t *testing.T) {
	e := newTestEcho()

	rec := postValidate(e, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body apperr.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != apperr.CodeValidation || body.Fields["license_number"] == "" {
		t.Errorf("expected coded validation error on license_number, got %+v", body)
	}
}

func TestHandler_Validate_IsPostOnly(t *testing.T) {
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses/validate?license_number=NMC1234567890", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestHandler_ListAuthorities(t *testing.T) {
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses/authorities", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "NMC") {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
