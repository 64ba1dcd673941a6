package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/internal/platform/auth"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = apperr.NewValidator()
	return e
}

func jsonContext(e *echo.Echo, method, target, body, actor, role string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), actor, role))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

const submitBody = `{
	"personal_info": {
		"full_name": "Asha Rao",
		"email": "asha.rao@gmail.com",
		"phone": "+91 98123 45670",
		"date_of_birth": "1985-04-12",
		"city": "Pune"
	},
	"professional_info": {
		"license_number": "NMC1234567890",
		"specialization": "Cardiology",
		"experience_years": 10,
		"consultation_fee": "800"
	}
}`

func TestHandler_Submit(t *testing.T) {
	f := newFixture(t, deferred())
	h := NewHandler(f.svc)
	e := newTestEcho()
	userID := uuid.New()

	c, rec := jsonContext(e, http.MethodPost, "/", submitBody, userID.String(), auth.RoleDoctor)
	if err := h.Submit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != userID || got.Status != StatusPendingDocuments {
		t.Errorf("unexpected record %+v", got)
	}

	c, _ = jsonContext(e, http.MethodPost, "/", submitBody, userID.String(), auth.RoleDoctor)
	if code := httpCode(t, h.Submit(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for second submission, got %d", code)
	}
}

func TestHandler_Submit_InvalidActor(t *testing.T) {
	f := newFixture(t, deferred())
	h := NewHandler(f.svc)
	c, _ := jsonContext(newTestEcho(), http.MethodPost, "/", submitBody, "doctor-1", auth.RoleDoctor)
	if code := httpCode(t, h.Submit(c)); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestHandler_Submit_ValidationFailure(t *testing.T) {
	f := newFixture(t, deferred())
	h := NewHandler(f.svc)
	body := strings.Replace(submitBody, `"asha.rao@gmail.com"`, `"not-an-email"`, 1)
	c, _ := jsonContext(newTestEcho(), http.MethodPost, "/", body, uuid.NewString(), auth.RoleDoctor)
	err := h.Submit(c)
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	ae, ok := err.(*echo.HTTPError).Message.(*apperr.Error)
	if !ok || ae.Fields["personal_info.email"] == "" {
		t.Errorf("expected field error for personal_info.email, got %v", err)
	}
}

func TestHandler_UploadAndStatus(t *testing.T) {
	f := newFixture(t, deferred())
	h := NewHandler(f.svc)
	e := newTestEcho()
	userID := f.submit(t, cleanInput())

	c, _ := jsonContext(e, http.MethodPost, "/", `{"documents":[{"type":"license","storage_ref":"s3://docs/license.pdf"}]}`, userID.String(), auth.RoleDoctor)
	if code := httpCode(t, h.UploadDocuments(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for missing documents, got %d", code)
	}

	docs, _ := json.Marshal(map[string]interface{}{"documents": allDocuments()})
	c, rec := jsonContext(e, http.MethodPost, "/", string(docs), userID.String(), auth.RoleDoctor)
	if err := h.UploadDocuments(c); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}

	c, rec = jsonContext(e, http.MethodGet, "/", "", userID.String(), auth.RoleDoctor)
	if err := h.CheckStatus(c); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"documents_uploaded"`) {
		t.Errorf("unexpected status body %s", rec.Body.String())
	}
}

func TestHandler_List_Paginates(t *testing.T) {
	f := newFixture(t, deferred())
	h := NewHandler(f.svc)
	for i := 0; i < 3; i++ {
		in := cleanInput()
		in.ProfessionalInfo.LicenseNumber = fmt.Sprintf("NMC123456789%d", i)
		f.submit(t, in)
	}

	c, rec := jsonContext(newTestEcho(), http.MethodGet, "/api/v1/admin/verifications?status=pending_documents&limit=2", "", uuid.NewString(), auth.RoleAdmin)
	c.SetPath("/api/v1/admin/verifications")
	if err := h.List(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var body struct {
		Data    []Record `json:"data"`
		Total   int      `json:"total"`
		HasMore bool     `json:"has_more"`
		Next    string   `json:"next"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 2 || body.Total != 3 || !body.HasMore {
		t.Errorf("unexpected page: %d records, total %d, has_more %v", len(body.Data), body.Total, body.HasMore)
	}
	if body.Next != "/api/v1/admin/verifications?limit=2&offset=2&status=pending_documents" {
		t.Errorf("unexpected next link %q", body.Next)
	}

	c, _ = jsonContext(newTestEcho(), http.MethodGet, "/?status=bogus", "", uuid.NewString(), auth.RoleAdmin)
	if code := httpCode(t, h.List(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", code)
	}
}

func TestHandler_AdminDecisions(t *testing.T) {
	f := newFixture(t, immediate())
	h := NewHandler(f.svc)
	e := newTestEcho()
	rec := f.manualReview(t)
	admin := uuid.NewString()

	call := func(fn echo.HandlerFunc, id, body string) error {
		c, _ := jsonContext(e, http.MethodPost, "/", body, admin, auth.RoleAdmin)
		c.SetParamNames("id")
		c.SetParamValues(id)
		return fn(c)
	}

	if code := httpCode(t, call(h.Approve, "not-a-uuid", `{}`)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", code)
	}
	if code := httpCode(t, call(h.Reject, rec.ID.String(), `{}`)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing reason, got %d", code)
	}
	if code := httpCode(t, call(h.DecideAppeal, rec.ID.String(), `{}`)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing accept flag, got %d", code)
	}
	if code := httpCode(t, call(h.Approve, uuid.NewString(), `{}`)); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown record, got %d", code)
	}

	if err := call(h.Approve, rec.ID.String(), `{"notes":"documents check out"}`); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, err := f.svc.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("expected approved, got %s", got.Status)
	}

	if code := httpCode(t, call(h.Reject, rec.ID.String(), `{"reason":"too late"}`)); code != http.StatusConflict {
		t.Errorf("expected 409 rejecting an approved record, got %d", code)
	}
}
