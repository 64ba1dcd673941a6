package queue

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caregate/caregate/internal/domain/account"
	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.Validator = apperr.NewValidator()
	return NewHandler(f.svc), f, e
}

func request(e *echo.Echo, method, body, actor, role string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), actor, role))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_JoinAndMine(t *testing.T) {
	h, f, e := newTestHandler(t)
	doctorID := f.doctor(0)
	patient := uuid.NewString()

	c, rec := request(e, http.MethodPost, `{"doctor_id":"`+doctorID.String()+`","patient_name":"Ravi Kumar"}`, patient, auth.RolePatient)
	if err := h.Join(c); err != nil {
		t.Fatalf("join: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var joined Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if joined.Position != 1 || joined.PatientName != "Ravi Kumar" {
		t.Errorf("unexpected entry %+v", joined)
	}

	c, _ = request(e, http.MethodPost, `{"doctor_id":"`+doctorID.String()+`"}`, patient, auth.RolePatient)
	if code := statusOf(t, h.Join(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for second join, got %d", code)
	}

	c, _ = request(e, http.MethodPost, `{}`, uuid.NewString(), auth.RolePatient)
	if code := statusOf(t, h.Join(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without doctor id, got %d", code)
	}

	c, rec = request(e, http.MethodGet, "", patient, auth.RolePatient)
	if err := h.Mine(c); err != nil {
		t.Fatalf("mine: %v", err)
	}
	if !strings.Contains(rec.Body.String(), joined.ID.String()) {
		t.Errorf("expected own entry, got %s", rec.Body.String())
	}
}

func TestHandler_DoctorActionsRequireOwnership(t *testing.T) {
	h, f, e := newTestHandler(t)
	owner := uuid.New()
	doctorID := f.doctors.add(account.DoctorProfile{UserID: owner, Available: true})
	entry := f.join(t, doctorID)

	call := func(actor string) (*httptest.ResponseRecorder, error) {
		c, rec := request(e, http.MethodPost, "", actor, auth.RoleDoctor)
		c.SetParamNames("id", "queueId")
		c.SetParamValues(doctorID.String(), entry.ID.String())
		return rec, h.Start(c)
	}

	_, err := call(uuid.NewString())
	if code := statusOf(t, err); code != http.StatusForbidden {
		t.Errorf("expected 403 for another doctor, got %d", code)
	}

	rec, err := call(owner.String())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"in-consultation"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_SetStatusValidation(t *testing.T) {
	h, f, e := newTestHandler(t)
	owner := uuid.New()
	doctorID := f.doctors.add(account.DoctorProfile{UserID: owner, Available: true})
	entry := f.join(t, doctorID)

	c, _ := request(e, http.MethodPost, `{"status":"completed"}`, owner.String(), auth.RoleDoctor)
	c.SetParamNames("id", "queueId")
	c.SetParamValues(doctorID.String(), entry.ID.String())
	if code := statusOf(t, h.SetStatus(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Snapshot(t *testing.T) {
	h, f, e := newTestHandler(t)
	doctorID := f.doctor(0)
	f.join(t, doctorID)

	c, rec := request(e, http.MethodGet, "", uuid.NewString(), auth.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(doctorID.String())
	if err := h.Snapshot(c); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Waiting) != 1 || snap.AvgConsultationMinutes != 12 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
