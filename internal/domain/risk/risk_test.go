package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caregate/caregate/internal/platform/geo"
)

var testNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func testLicenseFormat(license string) (string, bool) {
	if strings.HasPrefix(license, "NMC") && len(license) == 13 {
		return "NMC", true
	}
	return "", false
}

func newTestEngine() *Engine {
	return NewEngine(Config{
		RiskLocations: []string{"Jamtara"},
		RiskZones:     []Zone{{Name: "mewat", Center: geo.Point{Lat: 28.1, Lng: 77.0}, RadiusKm: 25}},
		LicenseFormat: testLicenseFormat,
		Now:           func() time.Time { return testNow },
	})
}

func cleanCandidate() *Candidate {
	return &Candidate{
		UserID:          "user-1",
		FullName:        "Asha Rao",
		Email:           "asha.rao@gmail.com",
		Phone:           "+91 98123 45670",
		DateOfBirth:     "1985-04-12",
		LicenseNumber:   "NMC1234567890",
		Specialization:  "Cardiology",
		ExperienceYears: 10,
		ConsultationFee: decimal.NewFromInt(800),
		City:            "Pune",
		Documents: []Document{
			{Type: "license"},
			{Type: "degree"},
			{Type: "government_id"},
		},
	}
}

var unrelated = []ExistingAccount{
	{UserID: "user-9", FullName: "Vikram Singh", Email: "vikram@example.com", Phone: "9811122233", LicenseNumber: "NMC9999999999"},
}

func factorByName(a *Assessment, name string) FactorResult {
	for _, f := range a.Factors {
		if f.Factor == name {
			return f
		}
	}
	return FactorResult{}
}

func TestAssess_CleanCandidateIsLow(t *testing.T) {
	a, err := newTestEngine().Assess(cleanCandidate(), unrelated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.OverallScore != 12 {
		for _, f := range a.Factors {
			t.Logf("%s: %d (%s)", f.Factor, f.Score, f.Description)
		}
		t.Fatalf("expected score 12, got %d", a.OverallScore)
	}
	if a.Level != LevelLow || a.RequiresManualReview {
		t.Errorf("expected low tier without review, got %s review=%v", a.Level, a.RequiresManualReview)
	}
	if want := testNow.Add(30 * 24 * time.Hour); !a.NextAssessmentDueAt.Equal(want) {
		t.Errorf("expected next assessment %s, got %s", want, a.NextAssessmentDueAt)
	}
}

func TestAssess_DisposableEmailAndLowFeeNeedsReview(t *testing.T) {
	c := cleanCandidate()
	c.Email = "asha@mailinator.com"
	c.ConsultationFee = decimal.NewFromInt(50)

	a, err := newTestEngine().Assess(c, unrelated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.OverallScore != 72 {
		t.Fatalf("expected score 72, got %d", a.OverallScore)
	}
	if a.Level != LevelHigh || !a.RequiresManualReview {
		t.Errorf("expected high tier requiring review, got %s", a.Level)
	}
	if f := factorByName(a, FactorDisposableEmail); !f.Detected || f.Score != 35 {
		t.Errorf("unexpected disposable email result %+v", f)
	}
	if f := factorByName(a, FactorConsultationFee); !f.Detected || f.Score != 25 {
		t.Errorf("unexpected fee result %+v", f)
	}
}

func TestAssess_AlwaysReportsEveryFactor(t *testing.T) {
	e := newTestEngine()
	c := cleanCandidate()
	c.Email = "bad"
	c.Phone = "123"
	c.DateOfBirth = ""
	c.Documents = nil

	a, err := e.Assess(c, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := e.FactorNames()
	if len(a.Factors) != len(names) || len(names) != 8 {
		t.Fatalf("expected 8 factors, got %d", len(a.Factors))
	}
	for i, f := range a.Factors {
		if f.Factor != names[i] {
			t.Errorf("factor %d: expected %s, got %s", i, names[i], f.Factor)
		}
	}
}

func TestAssess_ClampsToMaximum(t *testing.T) {
	c := cleanCandidate()
	existing := []ExistingAccount{{
		UserID:        "user-2",
		FullName:      "Asha Rao",
		Email:         "ASHA.RAO@gmail.com",
		Phone:         "+919812345670",
		LicenseNumber: "NMC1234567890",
	}}

	a, err := newTestEngine().Assess(c, existing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f := factorByName(a, FactorDuplicateAccount); f.Score != 135 {
		t.Errorf("expected duplicate score 135, got %d", f.Score)
	}
	if a.OverallScore != MaxScore || a.Level != LevelCritical {
		t.Errorf("expected clamped critical score, got %d %s", a.OverallScore, a.Level)
	}
	if want := testNow.Add(3 * 24 * time.Hour); !a.NextAssessmentDueAt.Equal(want) {
		t.Errorf("expected 3 day cadence, got %s", a.NextAssessmentDueAt)
	}
}

func TestAssess_InvalidInput(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Assess(nil, nil); err == nil {
		t.Error("expected error for nil candidate")
	}
	if _, err := e.Assess(&Candidate{FullName: "x"}, nil); err == nil {
		t.Error("expected error for candidate without email or license")
	}
}

type panicFactor struct{}

func (panicFactor) Name() string { return "exploding" }

func (panicFactor) Evaluate(*Candidate, []ExistingAccount) FactorResult {
	panic("index out of range")
}

func TestAssess_PanickingFactorScoresHigh(t *testing.T) {
	e := &Engine{factors: []Factor{panicFactor{}, disposableEmailFactor{}}, now: func() time.Time { return testNow }}
	a, err := e.Assess(cleanCandidate(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Factors) != 2 {
		t.Fatalf("expected both factors reported, got %d", len(a.Factors))
	}
	f := a.Factors[0]
	if f.Factor != "exploding" || f.Score != failedCheckScore || f.Severity != SeverityHigh || !f.Detected {
		t.Errorf("unexpected failed factor %+v", f)
	}
}

func TestAssess_MissingLicenseCheckerIsAFailedCheck(t *testing.T) {
	e := NewEngine(Config{Now: func() time.Time { return testNow }})
	a, err := e.Assess(cleanCandidate(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f := factorByName(a, FactorLicenseFormat); f.Score != failedCheckScore {
		t.Errorf("expected failed-check score, got %+v", f)
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score int
		want  Level
	}{
		{0, LevelLow},
		{29, LevelLow},
		{30, LevelMedium},
		{59, LevelMedium},
		{60, LevelHigh},
		{79, LevelHigh},
		{80, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.score); got != tt.want {
			t.Errorf("LevelFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestLevelFor_Deterministic(t *testing.T) {
	for score := 0; score <= MaxScore; score++ {
		if LevelFor(score) != LevelFor(score) {
			t.Fatalf("LevelFor(%d) not deterministic", score)
		}
		review := LevelFor(score) == LevelHigh || LevelFor(score) == LevelCritical
		if review != (score >= 60) {
			t.Fatalf("score %d: review=%v", score, review)
		}
	}
}

func TestReassessmentInterval(t *testing.T) {
	want := map[Level]int{LevelLow: 30, LevelMedium: 15, LevelHigh: 7, LevelCritical: 3}
	for level, days := range want {
		if got := ReassessmentInterval(level); got != time.Duration(days)*24*time.Hour {
			t.Errorf("%s: expected %d days, got %s", level, days, got)
		}
	}
}
