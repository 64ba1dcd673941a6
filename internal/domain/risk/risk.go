// Package risk scores doctor candidates for fraud and eligibility risk. The
// engine is stateless: every assessment runs the full, fixed list of factors
// and sums their contributions.
package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caregate/caregate/internal/platform/geo"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	MaxScore = 100

	// failedCheckScore is charged by a factor that could not complete.
	failedCheckScore = 25
)

var ErrInvalidCandidate = errors.New("invalid risk candidate")

// Document is the reviewer-facing state of one uploaded document.
type Document struct {
	Type     string `json:"type"`
	Verified bool   `json:"verified"`
}

// Candidate is the doctor data under assessment.
type Candidate struct {
	UserID          string          `json:"user_id"`
	FullName        string          `json:"full_name"`
	Email           string          `json:"email"`
	Phone           string          `json:"phone"`
	DateOfBirth     string          `json:"date_of_birth"`
	LicenseNumber   string          `json:"license_number"`
	Specialization  string          `json:"specialization"`
	ExperienceYears int             `json:"experience_years"`
	ConsultationFee decimal.Decimal `json:"consultation_fee"`
	City            string          `json:"city"`
	Location        geo.Point       `json:"location"`
	Documents       []Document      `json:"documents"`
}

// ExistingAccount is one entry of the snapshot a candidate is compared to.
type ExistingAccount struct {
	UserID        string
	FullName      string
	Email         string
	Phone         string
	LicenseNumber string
}

// FactorResult is one factor's contribution. Details carries factor-specific
// evidence for the reviewer.
type FactorResult struct {
	Factor      string                 `json:"factor"`
	Score       int                    `json:"score"`
	Description string                 `json:"description"`
	Severity    Severity               `json:"severity"`
	Detected    bool                   `json:"detected"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

type Assessment struct {
	OverallScore         int            `json:"overall_risk_score"`
	Level                Level          `json:"risk_level"`
	RequiresManualReview bool           `json:"requires_manual_review"`
	Factors              []FactorResult `json:"factors"`
	AssessedAt           time.Time      `json:"assessed_at"`
	NextAssessmentDueAt  time.Time      `json:"next_assessment_due_at"`
}

// Factor is one independent check.
type Factor interface {
	Name() string
	Evaluate(c *Candidate, existing []ExistingAccount) FactorResult
}

// LicenseFormatChecker reports whether a license number is syntactically
// valid and which authority issues it.
type LicenseFormatChecker func(license string) (authority string, valid bool)

// Zone is a circular geographic risk area.
type Zone struct {
	Name     string    `json:"name"`
	Center   geo.Point `json:"center"`
	RadiusKm float64   `json:"radius_km"`
}

type Config struct {
	RiskLocations []string
	RiskZones     []Zone
	FeeRanges     map[string]FeeRange
	LicenseFormat LicenseFormatChecker
	Now           func() time.Time
}

type Engine struct {
	factors []Factor
	now     func() time.Time
}

func NewEngine(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ranges := cfg.FeeRanges
	if ranges == nil {
		ranges = DefaultFeeRanges()
	}
	locations := make(map[string]bool, len(cfg.RiskLocations))
	for _, l := range cfg.RiskLocations {
		locations[strings.ToLower(strings.TrimSpace(l))] = true
	}

	return &Engine{
		now: now,
		factors: []Factor{
			duplicateAccountFactor{},
			disposableEmailFactor{},
			phoneFormatFactor{},
			consultationFeeFactor{ranges: ranges},
			geographicFactor{locations: locations, zones: cfg.RiskZones},
			documentAuthenticityFactor{},
			licenseFormatFactor{check: cfg.LicenseFormat},
			experienceConsistencyFactor{now: now},
		},
	}
}

// FactorNames lists the checks every assessment contains, in order.
func (e *Engine) FactorNames() []string {
	names := make([]string, len(e.factors))
	for i, f := range e.factors {
		names[i] = f.Name()
	}
	return names
}

// Assess runs every factor and aggregates the result. An error means no
// trustworthy assessment exists and the candidate must be reviewed by hand.
func (e *Engine) Assess(c *Candidate, existing []ExistingAccount) (*Assessment, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: candidate is nil", ErrInvalidCandidate)
	}
	if strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.LicenseNumber) == "" {
		return nil, fmt.Errorf("%w: neither email nor license number present", ErrInvalidCandidate)
	}

	a := &Assessment{Factors: make([]FactorResult, 0, len(e.factors))}
	total := 0
	for _, f := range e.factors {
		r := evaluate(f, c, existing)
		total += r.Score
		a.Factors = append(a.Factors, r)
	}

	a.OverallScore = clamp(total)
	a.Level = LevelFor(a.OverallScore)
	a.RequiresManualReview = a.Level == LevelHigh || a.Level == LevelCritical
	a.AssessedAt = e.now().UTC()
	a.NextAssessmentDueAt = a.AssessedAt.Add(ReassessmentInterval(a.Level))
	return a, nil
}

// evaluate runs one factor, converting a panic into a high-risk result so
// that no factor is ever missing from an assessment.
func evaluate(f Factor, c *Candidate, existing []ExistingAccount) (r FactorResult) {
	defer func() {
		if p := recover(); p != nil {
			r = FactorResult{
				Factor:      f.Name(),
				Score:       failedCheckScore,
				Description: "check failed",
				Severity:    SeverityHigh,
				Detected:    true,
				Details:     map[string]interface{}{"error": fmt.Sprint(p)},
			}
		}
	}()
	r = f.Evaluate(c, existing)
	r.Factor = f.Name()
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Severity == "" {
		r.Severity = severityFor(r.Score)
	}
	return r
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// LevelFor maps a clamped score onto its tier. Boundary values belong to the
// higher tier: 30 is medium, 60 high, 80 critical.
func LevelFor(score int) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ReassessmentInterval is how long an assessment at level stays current.
func ReassessmentInterval(level Level) time.Duration {
	day := 24 * time.Hour
	switch level {
	case LevelCritical:
		return 3 * day
	case LevelHigh:
		return 7 * day
	case LevelMedium:
		return 15 * day
	default:
		return 30 * day
	}
}

func severityFor(score int) Severity {
	switch {
	case score >= 30:
		return SeverityHigh
	case score >= 15:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityNone
	}
}
