// Package oracle verifies medical licenses against the issuing council's
// registry. Transport failures never escape as errors: they degrade to a
// result that sends the candidate to manual review.
package oracle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/pkg/textsim"
)

const (
	StatusVerified           = "verified"
	StatusNotFound           = "not_found"
	StatusNameMismatch       = "name_mismatch"
	StatusInactive           = "inactive"
	StatusManualReviewNeeded = "manual_review_required"

	SourceRegistry = "registry"
	SourceFallback = "fallback"

	// MaxTimeout caps a single registry call.
	MaxTimeout = 10 * time.Second

	nameMatchThreshold = 0.8
)

var (
	ErrInvalidLicenseFormat = apperr.New(apperr.CodeInvalidLicenseFormat, "license number does not match any issuing authority format")
	ErrRateLimited          = apperr.New(apperr.CodeRateLimited, "license registry rate limit reached")
	ErrNotFound             = errors.New("license not found in registry")
)

// LookupRequest is what a registry is asked about.
type LookupRequest struct {
	LicenseNumber string `json:"license_number"`
	Name          string `json:"name"`
	DateOfBirth   string `json:"date_of_birth,omitempty"`
}

// Registration is the registry's record for a license.
type Registration struct {
	LicenseNumber    string `json:"license_number"`
	Name             string `json:"name"`
	DateOfBirth      string `json:"date_of_birth,omitempty"`
	Council          string `json:"council,omitempty"`
	Qualification    string `json:"qualification,omitempty"`
	RegistrationYear int    `json:"registration_year,omitempty"`
	Status           string `json:"status"`
}

// Active reports whether the registry lists the license as current.
func (r *Registration) Active() bool {
	return strings.EqualFold(r.Status, "active")
}

// Registry looks up a license at one authority. It returns ErrNotFound when
// the authority has no record.
type Registry interface {
	Lookup(ctx context.Context, a Authority, apiKey string, req LookupRequest) (*Registration, error)
}

// Result is the cached verification outcome stored on the record.
type Result struct {
	Success             bool          `json:"success"`
	Authority           string        `json:"authority"`
	LicenseNumber       string        `json:"license_number"`
	Status              string        `json:"status"`
	Source              string        `json:"source"`
	NameMatchConfidence float64       `json:"name_match_confidence"`
	Registration        *Registration `json:"registration,omitempty"`
	Error               string        `json:"error,omitempty"`
	CheckedAt           time.Time     `json:"checked_at"`
}

// Confirmed reports whether the registry positively confirmed the license.
func (r *Result) Confirmed() bool {
	return r != nil && r.Success && r.Status == StatusVerified && r.Source == SourceRegistry
}

type Config struct {
	APIKeys map[string]string
	Timeout time.Duration
	Now     func() time.Time
}

type Adapter struct {
	registry Registry
	limiter  RateLimiter
	keys     map[string]string
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func NewAdapter(registry Registry, limiter RateLimiter, cfg Config, logger zerolog.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	keys := make(map[string]string, len(cfg.APIKeys))
	for k, v := range cfg.APIKeys {
		keys[strings.ToUpper(k)] = v
	}
	return &Adapter{
		registry: registry,
		limiter:  limiter,
		keys:     keys,
		timeout:  timeout,
		now:      now,
		logger:   logger.With().Str("component", "oracle").Logger(),
	}
}

// ValidateFormat is the syntactic pre-check.
func (a *Adapter) ValidateFormat(license string) FormatResult {
	return ValidateFormat(license)
}

// Verify checks a license with its issuing authority. The only errors are
// ErrInvalidLicenseFormat and ErrRateLimited; every other failure yields a
// manual-review result.
func (a *Adapter) Verify(ctx context.Context, license, name, dob string) (*Result, error) {
	n := NormalizeLicense(license)
	auth, ok := resolve(n)
	if !ok {
		return nil, ErrInvalidLicenseFormat
	}
	log := a.logger.With().Str("authority", auth.Code).Logger()

	key := a.keys[auth.Code]
	if key == "" {
		log.Warn().Msg("no registry credential configured, falling back to manual review")
		return a.fallback(auth, n, "no API credential configured for "+auth.Code), nil
	}

	allowed, err := a.limiter.Allow(ctx, auth.Code)
	if err != nil {
		log.Error().Err(err).Msg("rate limiter unavailable")
		return a.fallback(auth, n, "rate limiter unavailable"), nil
	}
	if !allowed {
		return nil, ErrRateLimited.WithDetail("authority", auth.Code)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reg, err := a.registry.Lookup(callCtx, auth, key, LookupRequest{LicenseNumber: n, Name: name, DateOfBirth: dob})
	switch {
	case errors.Is(err, ErrNotFound):
		return &Result{
			Authority:     auth.Code,
			LicenseNumber: n,
			Status:        StatusNotFound,
			Source:        SourceRegistry,
			CheckedAt:     a.now().UTC(),
		}, nil
	case err != nil:
		log.Warn().Err(err).Msg("registry lookup failed")
		return a.fallback(auth, n, err.Error()), nil
	}

	return a.evaluate(auth, n, name, dob, reg), nil
}

func (a *Adapter) evaluate(auth Authority, license, name, dob string, reg *Registration) *Result {
	r := &Result{
		Authority:           auth.Code,
		LicenseNumber:       license,
		Source:              SourceRegistry,
		Registration:        reg,
		NameMatchConfidence: textsim.Similarity(textsim.NormalizeName(name), textsim.NormalizeName(reg.Name)),
		CheckedAt:           a.now().UTC(),
	}
	switch {
	case !reg.Active():
		r.Status = StatusInactive
	case r.NameMatchConfidence < nameMatchThreshold:
		r.Status = StatusNameMismatch
	case dob != "" && reg.DateOfBirth != "" && dob != reg.DateOfBirth:
		r.Status = StatusNameMismatch
		r.Error = "date of birth does not match registry"
	default:
		r.Status = StatusVerified
		r.Success = true
	}
	return r
}

func (a *Adapter) fallback(auth Authority, license, reason string) *Result {
	return &Result{
		Authority:     auth.Code,
		LicenseNumber: license,
		Status:        StatusManualReviewNeeded,
		Source:        SourceFallback,
		Error:         reason,
		CheckedAt:     a.now().UTC(),
	}
}
