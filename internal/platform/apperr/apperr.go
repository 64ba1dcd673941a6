// Package apperr carries stable, machine-readable error codes from the domain
// services to the HTTP layer.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Code string

const (
	CodeValidation             Code = "VALIDATION_FAILED"
	CodeNotFound               Code = "NOT_FOUND"
	CodeForbidden              Code = "FORBIDDEN"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeDuplicateVerification  Code = "DUPLICATE_VERIFICATION"
	CodeDuplicateLicense       Code = "DUPLICATE_LICENSE_NUMBER"
	CodeMissingDocuments       Code = "MISSING_REQUIRED_DOCUMENTS"
	CodeAppealAlreadySubmitted Code = "APPEAL_ALREADY_SUBMITTED"
	CodeAlreadyQueued          Code = "ALREADY_QUEUED"
	CodeQueueFull              Code = "QUEUE_FULL"
	CodeDoctorUnavailable      Code = "DOCTOR_UNAVAILABLE"
	CodeInvalidLicenseFormat   Code = "INVALID_LICENSE_FORMAT"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternal               Code = "INTERNAL"
)

var statusByCode = map[Code]int{
	CodeValidation:             http.StatusBadRequest,
	CodeInvalidLicenseFormat:   http.StatusBadRequest,
	CodeMissingDocuments:       http.StatusUnprocessableEntity,
	CodeNotFound:               http.StatusNotFound,
	CodeForbidden:              http.StatusForbidden,
	CodeInvalidStateTransition: http.StatusConflict,
	CodeDuplicateVerification:  http.StatusConflict,
	CodeDuplicateLicense:       http.StatusConflict,
	CodeAppealAlreadySubmitted: http.StatusConflict,
	CodeAlreadyQueued:          http.StatusConflict,
	CodeQueueFull:              http.StatusConflict,
	CodeDoctorUnavailable:      http.StatusConflict,
	CodeRateLimited:            http.StatusTooManyRequests,
	CodeInternal:               http.StatusInternalServerError,
}

// Error is a coded failure. Two Errors match under errors.Is when their codes
// are equal, so sentinels can be compared against enriched copies.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Fields  map[string]string      `json:"fields,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	err     error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a coded message to an underlying cause.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// MarshalJSON renders the response body. echo prefers a json.Marshaler over
// the error text when writing an HTTPError message.
func (e *Error) MarshalJSON() ([]byte, error) {
	type body Error
	return json.Marshal((*body)(e))
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithDetail returns a copy of e with an extra detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// CodeOf extracts the code from err, or CodeInternal when err is uncoded.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Status maps a code onto an HTTP status.
func Status(code Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// HTTP converts err into an echo.HTTPError whose body is the coded error.
// Uncoded errors are reported as INTERNAL without leaking their text.
func HTTP(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var ae *Error
	if !errors.As(err, &ae) {
		ae = Wrap(CodeInternal, err, "internal server error")
	}
	return echo.NewHTTPError(Status(ae.Code), ae)
}
