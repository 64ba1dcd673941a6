package verification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caregate/caregate/internal/domain/oracle"
	"github.com/caregate/caregate/internal/domain/risk"
	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/internal/platform/notification"
)

func statuses(rec *Record) []Status {
	var out []Status
	for _, e := range rec.Timeline {
		if len(out) == 0 || out[len(out)-1] != e.ResultingStatus {
			out = append(out, e.ResultingStatus)
		}
	}
	return out
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasAction(rec *Record, action string) bool {
	for _, e := range rec.Timeline {
		if e.Action == action {
			return true
		}
	}
	return false
}

func TestAutomatedVerification_CleanCandidateApproved(t *testing.T) {
	f := newFixture(t, immediate())
	userID := f.submit(t, cleanInput())
	f.upload(t, userID)

	rec := f.status(t, userID)
	if rec.Status != StatusApproved {
		t.Fatalf("expected approved, got %s (%v)", rec.Status, actions(rec))
	}
	want := []Status{StatusPendingDocuments, StatusDocumentsUploaded, StatusAutomatedVerification, StatusApproved}
	if got := statuses(rec); !equalStatuses(got, want) {
		t.Errorf("expected path %v, got %v", want, got)
	}
	if rec.RiskAssessment == nil || rec.RiskAssessment.OverallScore != 12 || rec.RiskAssessment.Level != risk.LevelLow {
		t.Errorf("unexpected risk assessment %+v", rec.RiskAssessment)
	}
	if !rec.NMCVerification.Confirmed() {
		t.Errorf("expected cached registry confirmation, got %+v", rec.NMCVerification)
	}
	if rec.DoctorID == nil || f.accounts.activated[userID] != *rec.DoctorID {
		t.Errorf("expected doctor profile activated for queueing")
	}
	if rec.ActivationStatus != ActivationActivated || !hasAction(rec, ActionAccountActivated) {
		t.Errorf("expected activation recorded, got %s %v", rec.ActivationStatus, actions(rec))
	}
	if want := testNow.Add(30 * 24 * time.Hour); rec.NextAssessmentDueAt == nil || !rec.NextAssessmentDueAt.Equal(want) {
		t.Errorf("expected next assessment %s, got %v", want, rec.NextAssessmentDueAt)
	}
}

func TestAutomatedVerification_DisposableEmailAndLowFeeNeedsReview(t *testing.T) {
	f := newFixture(t, immediate())
	in := cleanInput()
	in.PersonalInfo.Email = "asha@mailinator.com"
	in.ProfessionalInfo.ConsultationFee = decimal.NewFromInt(50)
	userID := f.submit(t, in)
	f.upload(t, userID)

	rec := f.status(t, userID)
	if rec.Status != StatusManualReview {
		t.Fatalf("expected manual_review even with a confirmed license, got %s", rec.Status)
	}
	if rec.RiskAssessment.OverallScore < 30 || !rec.RiskAssessment.RequiresManualReview {
		t.Errorf("unexpected assessment %+v", rec.RiskAssessment)
	}
	if !rec.NMCVerification.Confirmed() {
		t.Errorf("license confirmation should still be cached")
	}
	if rec.DoctorID != nil || f.accounts.calls() != 0 {
		t.Errorf("no activation may happen without approval")
	}
	if !hasAction(rec, ActionAutomatedFlagged) {
		t.Errorf("expected flagged entry, got %v", actions(rec))
	}

	pending := false
	for _, n := range f.events.Names() {
		if n == notification.EventDoctorPendingReview {
			pending = true
		}
	}
	if !pending {
		t.Errorf("expected admins to be told about the pending review, got %v", f.events.Names())
	}
}

func TestAutomatedVerification_ReusedEmailScoredAsDuplicate(t *testing.T) {
	f := newFixture(t, immediate())
	first := f.submit(t, cleanInput())
	f.upload(t, first)

	in := cleanInput()
	in.PersonalInfo.Email = "Asha.Rao@Gmail.com"
	in.ProfessionalInfo.LicenseNumber = "NMC1234567891"
	second, err := f.svc.Submit(context.Background(), uuid.New(), in)
	if err != nil {
		t.Fatalf("a reused email must not fail submission: %v", err)
	}
	f.upload(t, second.UserID)

	rec := f.status(t, second.UserID)
	if rec.Status != StatusManualReview {
		t.Fatalf("expected manual_review, got %s (%v)", rec.Status, actions(rec))
	}
	var dup *risk.FactorResult
	for i := range rec.RiskAssessment.Factors {
		if rec.RiskAssessment.Factors[i].Factor == risk.FactorDuplicateAccount {
			dup = &rec.RiskAssessment.Factors[i]
		}
	}
	if dup == nil || !dup.Detected {
		t.Fatalf("expected duplicate account factor, got %+v", rec.RiskAssessment.Factors)
	}
	signals, _ := dup.Details["signals"].([]string)
	found := false
	for _, s := range signals {
		if s == "email" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected email signal, got %v", dup.Details["signals"])
	}
}

func TestAutomatedVerification_NeverApprovesWithoutCleanResult(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(o *stubOracle)
		action string
	}{
		{"registry fallback", func(o *stubOracle) { o.result = fallback }, ActionAutomatedFlagged},
		{"registry not found", func(o *stubOracle) {
			o.result = func(l string) *oracle.Result {
				return &oracle.Result{Authority: "NMC", LicenseNumber: l, Status: oracle.StatusNotFound, Source: oracle.SourceRegistry}
			}
		}, ActionAutomatedFlagged},
		{"rate limited", func(o *stubOracle) { o.err = oracle.ErrRateLimited }, ActionAutomatedFailed},
		{"panic", func(o *stubOracle) { o.panics = true }, ActionAutomatedFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, immediate())
			tt.setup(f.oracle)
			userID := f.submit(t, cleanInput())
			f.upload(t, userID)

			rec := f.status(t, userID)
			if rec.Status != StatusManualReview {
				t.Fatalf("expected manual_review, got %s", rec.Status)
			}
			if !hasAction(rec, tt.action) {
				t.Errorf("expected %s, got %v", tt.action, actions(rec))
			}
			if f.accounts.calls() != 0 {
				t.Errorf("activation must not run")
			}
		})
	}
}

func TestAutomatedVerification_DoesNotOverwriteNewerDecision(t *testing.T) {
	f := newFixture(t, deferred())
	userID := f.submit(t, cleanInput())
	if _, err := f.svc.UploadDocuments(context.Background(), userID, allDocuments()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	rec := f.status(t, userID)

	// The stale sweep resolves the record while the registry call is in
	// flight.
	f.oracle.hook = func() { f.repo.forceStatus(rec.ID, StatusManualReview) }

	got, err := f.svc.RunAutomatedVerification(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusManualReview {
		t.Errorf("expected the newer status to survive, got %s", got.Status)
	}
	final := f.status(t, userID)
	if hasAction(final, ActionAutomatedApproved) || hasAction(final, ActionAutomatedFlagged) {
		t.Errorf("the late verdict must be dropped, got %v", actions(final))
	}
	if f.accounts.calls() != 0 {
		t.Errorf("activation must not run for a dropped verdict")
	}
}

func TestRunAutomatedVerification_ReplayChangesNothing(t *testing.T) {
	f := newFixture(t, immediate())
	userID := f.submit(t, cleanInput())
	f.upload(t, userID)
	before := f.status(t, userID)

	_, err := f.svc.RunAutomatedVerification(context.Background(), before.ID)
	expectCode(t, err, apperr.CodeInvalidStateTransition)

	after := f.status(t, userID)
	if after.Status != before.Status || len(after.Timeline) != len(before.Timeline) {
		t.Errorf("replay changed the record: %v -> %v", actions(before), actions(after))
	}
	if f.oracle.calls != 1 {
		t.Errorf("expected one registry call, got %d", f.oracle.calls)
	}
}

func TestUploadDocuments_ManualRunSupersedesSchedule(t *testing.T) {
	f := newFixture(t, deferred())
	userID := f.submit(t, cleanInput())
	if _, err := f.svc.UploadDocuments(context.Background(), userID, allDocuments()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	rec := f.status(t, userID)

	if _, err := f.svc.RunAutomatedVerification(context.Background(), rec.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := f.svc.scheduler.Pending(); n != 0 {
		t.Errorf("expected the scheduled run to be cancelled, %d pending", n)
	}
}

func TestActivation_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, immediate())
	f.accounts.failActivations = 2
	userID := f.submit(t, cleanInput())
	f.upload(t, userID)

	rec := f.status(t, userID)
	if rec.Status != StatusApproved || rec.ActivationStatus != ActivationActivated {
		t.Fatalf("expected approved and activated, got %s/%s", rec.Status, rec.ActivationStatus)
	}
	if f.accounts.calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", f.accounts.calls())
	}
}

func TestActivation_FailureKeepsApprovedAndCanBeRetried(t *testing.T) {
	f := newFixture(t, immediate())
	f.accounts.failActivations = 10
	userID := f.submit(t, cleanInput())
	f.upload(t, userID)

	rec := f.status(t, userID)
	if rec.Status != StatusApproved {
		t.Fatalf("activation failure must not revert approval, got %s", rec.Status)
	}
	if rec.ActivationStatus != ActivationFailed || !hasAction(rec, ActionActivationFailed) {
		t.Errorf("expected activation failure noted, got %s %v", rec.ActivationStatus, actions(rec))
	}
	failed := false
	for _, n := range f.events.Names() {
		if n == notification.EventActivationFailed {
			failed = true
		}
	}
	if !failed {
		t.Errorf("expected an activation failure notification")
	}

	f.accounts.mu.Lock()
	f.accounts.failActivations = 0
	f.accounts.mu.Unlock()

	retried, err := f.svc.RetryActivation(context.Background(), rec.ID, "admin-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != StatusApproved || retried.ActivationStatus != ActivationActivated {
		t.Errorf("expected activated after retry, got %s/%s", retried.Status, retried.ActivationStatus)
	}
	if f.accounts.activated[userID] != *rec.DoctorID {
		t.Errorf("retry must reuse the assigned doctor id")
	}
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t, deferred())
	ctx := context.Background()

	stuckUser := f.submit(t, cleanInput())
	f.upload(t, stuckUser)
	stuck := f.status(t, stuckUser)
	f.repo.forceStatus(stuck.ID, StatusAutomatedVerification)

	in := cleanInput()
	in.PersonalInfo.FullName = "Rahul Mehta"
	in.PersonalInfo.Email = "rahul.mehta@gmail.com"
	in.PersonalInfo.Phone = "+91 99887 76655"
	in.ProfessionalInfo.LicenseNumber = "NMC5550001112"
	orphanUser := f.submit(t, in)
	f.upload(t, orphanUser)

	res, err := f.svc.SweepStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.TimedOut != 0 || res.Retriggered != 0 {
		t.Fatalf("nothing is stale yet, got %+v", res)
	}

	f.clock.Advance(11 * time.Minute)
	res, err = f.svc.SweepStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.TimedOut != 1 || res.Retriggered != 1 {
		t.Fatalf("expected one timeout and one rerun, got %+v", res)
	}

	if rec := f.status(t, stuckUser); rec.Status != StatusManualReview || !hasAction(rec, ActionAutomatedTimedOut) {
		t.Errorf("stuck record should fall back to manual review, got %s %v", rec.Status, actions(rec))
	}
	if rec := f.status(t, orphanUser); rec.Status != StatusApproved {
		t.Errorf("orphaned upload should be verified, got %s %v", rec.Status, actions(rec))
	}
	if f.svc.scheduler.Pending() != 1 {
		t.Errorf("only the stuck record's timer should remain, got %d", f.svc.scheduler.Pending())
	}
}

func TestReassessDue(t *testing.T) {
	f := newFixture(t, immediate())
	ctx := context.Background()
	userID := f.submit(t, cleanInput())
	f.upload(t, userID)

	n, err := f.svc.ReassessDue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("nothing due yet, got %d %v", n, err)
	}

	now := f.clock.Advance(31 * 24 * time.Hour)
	n, err = f.svc.ReassessDue(ctx)
	if err != nil {
		t.Fatalf("reassess: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one reassessment, got %d", n)
	}

	rec := f.status(t, userID)
	if rec.Status != StatusApproved {
		t.Errorf("reassessment must not change status, got %s", rec.Status)
	}
	last := rec.Timeline[len(rec.Timeline)-1]
	if last.Action != ActionRiskReassessed || last.ResultingStatus != StatusApproved {
		t.Errorf("unexpected last entry %+v", last)
	}
	if want := now.Add(30 * 24 * time.Hour); rec.NextAssessmentDueAt == nil || !rec.NextAssessmentDueAt.Equal(want) {
		t.Errorf("expected next assessment %s, got %v", want, rec.NextAssessmentDueAt)
	}
	if !rec.RiskAssessment.AssessedAt.Equal(now) {
		t.Errorf("expected fresh assessment at %s, got %s", now, rec.RiskAssessment.AssessedAt)
	}
}
