package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/caregate/caregate/internal/domain/account"
	"github.com/caregate/caregate/internal/domain/oracle"
	"github.com/caregate/caregate/internal/domain/risk"
	"github.com/caregate/caregate/internal/platform/notification"
	"github.com/caregate/caregate/internal/platform/websocket"
)

// checkOutcome is what the automated checks produced. failure is set when
// the checks could not finish cleanly.
type checkOutcome struct {
	assessment *risk.Assessment
	license    *oracle.Result
	failure    error
}

// approvable is the single gate for automated approval.
func (o checkOutcome) approvable() bool {
	return o.failure == nil &&
		o.assessment != nil &&
		!o.assessment.RequiresManualReview &&
		o.license.Confirmed()
}

func (o checkOutcome) reasons() []string {
	var out []string
	if o.failure != nil {
		out = append(out, "automated checks failed: "+o.failure.Error())
	}
	if o.assessment != nil && o.assessment.RequiresManualReview {
		out = append(out, fmt.Sprintf("risk level %s (score %d)", o.assessment.Level, o.assessment.OverallScore))
	}
	if o.license != nil && !o.license.Confirmed() {
		out = append(out, fmt.Sprintf("license not confirmed (status %s, source %s)", o.license.Status, o.license.Source))
	}
	return out
}

func (o checkOutcome) context() map[string]interface{} {
	data := map[string]interface{}{}
	if o.assessment != nil {
		data["risk_score"] = o.assessment.OverallScore
		data["risk_level"] = o.assessment.Level
	}
	if o.license != nil {
		data["license_status"] = o.license.Status
		data["license_source"] = o.license.Source
		data["authority"] = o.license.Authority
	}
	if o.failure != nil {
		data["error"] = o.failure.Error()
	}
	return data
}

// RunAutomatedVerification runs risk and license checks for a record in
// documents_uploaded. Only a clean assessment not requiring review plus a
// registry confirmation approves; everything else, including errors and
// panics, ends in manual_review.
func (s *Service) RunAutomatedVerification(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusDocumentsUploaded {
		return nil, invalidTransition(rec.Status, StatusDocumentsUploaded)
	}
	s.scheduler.Cancel(id)

	rec, err = s.transition(ctx, rec, StatusAutomatedVerification, ActionAutomatedStarted, ActorSystem, "", nil, nil)
	if err != nil {
		return nil, err
	}
	out := s.runChecks(ctx, rec)
	return s.finishAutomated(ctx, id, out)
}

func (s *Service) runChecks(ctx context.Context, rec *Record) (out checkOutcome) {
	defer func() {
		if p := recover(); p != nil {
			out.failure = fmt.Errorf("panic: %v", p)
			sentry.CurrentHub().Clone().RecoverWithContext(ctx, p)
		}
	}()

	existing, err := s.snapshot(ctx, rec)
	if err != nil {
		out.failure = fmt.Errorf("load existing accounts: %w", err)
		return out
	}
	out.assessment, err = s.risk.Assess(rec.candidate(), existing)
	if err != nil {
		out.failure = fmt.Errorf("risk assessment: %w", err)
		return out
	}
	out.license, err = s.oracle.Verify(ctx, rec.ProfessionalInfo.LicenseNumber, rec.PersonalInfo.FullName, rec.PersonalInfo.DateOfBirth)
	if err != nil {
		out.failure = fmt.Errorf("license verification: %w", err)
	}
	return out
}

func (s *Service) snapshot(ctx context.Context, rec *Record) ([]risk.ExistingAccount, error) {
	accounts, err := s.accounts.ExistingAccounts(ctx, account.DuplicateQuery{
		ExcludeUserID: rec.UserID,
		Email:         rec.PersonalInfo.Email,
		Phone:         rec.PersonalInfo.Phone,
		LicenseNumber: rec.ProfessionalInfo.LicenseNumber,
	})
	if err != nil {
		return nil, err
	}
	out := make([]risk.ExistingAccount, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, risk.ExistingAccount{
			UserID:        a.ID.String(),
			FullName:      a.FullName,
			Email:         a.Email,
			Phone:         a.Phone,
			LicenseNumber: a.LicenseNumber,
		})
	}
	return out, nil
}

// finishAutomated writes the verdict unless the record left
// automated_verification while the checks ran.
func (s *Service) finishAutomated(ctx context.Context, id uuid.UUID, out checkOutcome) (*Record, error) {
	log := s.logger.With().Str("record_id", id.String()).Logger()
	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusAutomatedVerification {
		log.Info().Str("status", string(current.Status)).Msg("automated verdict dropped: record moved on")
		return current, nil
	}

	to, action := StatusManualReview, ActionAutomatedFlagged
	switch {
	case out.failure != nil:
		action = ActionAutomatedFailed
		log.Error().Err(out.failure).Msg("automated verification failed; routing to manual review")
		if !errors.Is(out.failure, oracle.ErrRateLimited) {
			sentry.CurrentHub().Clone().CaptureException(out.failure)
		}
	case out.approvable():
		to, action = StatusApproved, ActionAutomatedApproved
	}

	next, err := s.transition(ctx, current, to, action, ActorSystem, strings.Join(out.reasons(), "; "), out.context(),
		func(r *Record) {
			if out.assessment != nil {
				r.RiskAssessment = out.assessment
				due := out.assessment.NextAssessmentDueAt
				r.NextAssessmentDueAt = &due
			}
			if out.license != nil {
				r.NMCVerification = out.license
			}
			if to == StatusApproved {
				assignDoctorID(r)
			}
		})
	if errors.Is(err, ErrStatusChanged) {
		log.Info().Msg("automated verdict dropped: concurrent update")
		return s.get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("verdict", string(to)).Msg("automated verification finished")

	if to == StatusApproved {
		next = s.activate(ctx, next, ActorSystem)
	}
	return next, nil
}

type SweepResult struct {
	TimedOut    int `json:"timed_out"`
	Retriggered int `json:"retriggered"`
}

// SweepStale moves records stuck in automated_verification to manual_review
// and runs the automated checks for uploads whose scheduled run was lost.
func (s *Service) SweepStale(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.cfg.StaleAfter)

	stuck, err := s.repo.ListStale(ctx, StatusAutomatedVerification, cutoff, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale verifications: %w", err)
	}
	for _, rec := range stuck {
		_, err := s.transition(ctx, rec, StatusManualReview, ActionAutomatedTimedOut, ActorSystem,
			fmt.Sprintf("automated verification did not finish within %s", s.cfg.StaleAfter), nil, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("stale sweep: skip")
			continue
		}
		res.TimedOut++
	}

	orphans, err := s.repo.ListStale(ctx, StatusDocumentsUploaded, cutoff, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list unstarted verifications: %w", err)
	}
	for _, rec := range orphans {
		if _, err := s.RunAutomatedVerification(ctx, rec.ID); err != nil {
			s.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("stale sweep: rerun failed")
			continue
		}
		res.Retriggered++
	}
	return res, nil
}

// ReassessDue re-runs the risk engine for approved doctors whose
// reassessment date has passed. Status never changes; a result that now
// requires review is raised to admins.
func (s *Service) ReassessDue(ctx context.Context) (int, error) {
	due, err := s.repo.ListDueForAssessment(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due reassessments: %w", err)
	}
	n := 0
	for _, rec := range due {
		if err := s.reassess(ctx, rec); err != nil {
			s.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("reassessment failed")
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) reassess(ctx context.Context, rec *Record) error {
	existing, err := s.snapshot(ctx, rec)
	if err != nil {
		return err
	}
	a, err := s.risk.Assess(rec.candidate(), existing)
	if err != nil {
		return err
	}

	next := rec.clone()
	next.RiskAssessment = a
	due := a.NextAssessmentDueAt
	next.NextAssessmentDueAt = &due
	next.UpdatedAt = s.now()
	e := s.entry(next, ActionRiskReassessed, ActorSystem, "", map[string]interface{}{
		"risk_score":             a.OverallScore,
		"risk_level":             a.Level,
		"requires_manual_review": a.RequiresManualReview,
		"next_assessment_due_at": due.Format(time.RFC3339),
	})
	if err := s.repo.Save(ctx, next, StatusApproved, e); err != nil {
		return err
	}

	if a.RequiresManualReview {
		s.notifier.Notify(ctx, notification.Event{
			Name:   notification.EventDoctorPendingReview,
			Topics: []string{websocket.TopicAdmin},
			Data: map[string]interface{}{
				"record_id":  rec.ID,
				"user_id":    rec.UserID,
				"status":     rec.Status,
				"risk_score": a.OverallScore,
				"risk_level": a.Level,
				"reason":     "reassessment",
			},
			OccurredAt: s.now(),
		})
	}
	return nil
}

// assessmentLevel is the level used to schedule reassessment after a manual
// approval. Unassessed records get the shortest cadence.
func assessmentLevel(r *Record) risk.Level {
	if r.RiskAssessment == nil {
		return risk.LevelCritical
	}
	return r.RiskAssessment.Level
}
