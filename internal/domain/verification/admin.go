package verification

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/caregate/caregate/internal/domain/risk"
	"github.com/caregate/caregate/internal/platform/apperr"
)

func (s *Service) reviewable(ctx context.Context, id uuid.UUID, reviewer string, allowed ...Status) (*Record, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, validation("reviewer is required")
	}
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, st := range allowed {
		if rec.Status == st {
			return rec, nil
		}
	}
	return nil, invalidTransition(rec.Status, allowed...)
}

// AdminApprove approves a record under manual review and activates the
// doctor account.
func (s *Service) AdminApprove(ctx context.Context, id uuid.UUID, reviewer, notes string) (*Record, error) {
	rec, err := s.reviewable(ctx, id, reviewer, StatusManualReview)
	if err != nil {
		return nil, err
	}
	next, err := s.transition(ctx, rec, StatusApproved, ActionAdminApproved, reviewer, notes, nil, func(r *Record) {
		r.OnHold = false
		assignDoctorID(r)
		due := s.now().Add(risk.ReassessmentInterval(assessmentLevel(r)))
		r.NextAssessmentDueAt = &due
	})
	if err != nil {
		return nil, err
	}
	s.notifyAdminAction(ctx, next, ActionAdminApproved, reviewer, notes)
	return s.activate(ctx, next, reviewer), nil
}

func (s *Service) AdminReject(ctx context.Context, id uuid.UUID, reviewer, reason, notes string) (*Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validation("rejection reason is required")
	}
	rec, err := s.reviewable(ctx, id, reviewer, StatusManualReview)
	if err != nil {
		return nil, err
	}
	next, err := s.transition(ctx, rec, StatusRejected, ActionAdminRejected, reviewer, notes,
		map[string]interface{}{"reason": reason},
		func(r *Record) { r.OnHold = false })
	if err != nil {
		return nil, err
	}
	s.notifyAdminAction(ctx, next, ActionAdminRejected, reviewer, reason)
	return next, nil
}

// AdminHold keeps the record in manual_review and marks it on hold.
func (s *Service) AdminHold(ctx context.Context, id uuid.UUID, reviewer, notes string) (*Record, error) {
	rec, err := s.reviewable(ctx, id, reviewer, StatusManualReview)
	if err != nil {
		return nil, err
	}
	next, err := s.transition(ctx, rec, StatusManualReview, ActionAdminHold, reviewer, notes, nil,
		func(r *Record) { r.OnHold = true })
	if err != nil {
		return nil, err
	}
	s.notifyAdminAction(ctx, next, ActionAdminHold, reviewer, notes)
	return next, nil
}

// AdminRequestDocuments sends the record back to pending_documents. The
// automated verdict is cleared; the timeline keeps it.
func (s *Service) AdminRequestDocuments(ctx context.Context, id uuid.UUID, reviewer string, docTypes []string, notes string) (*Record, error) {
	var requested []string
	for _, t := range docTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !contains(requested, t) {
			requested = append(requested, t)
		}
	}
	if len(requested) == 0 {
		return nil, validation("at least one document type must be requested")
	}
	rec, err := s.reviewable(ctx, id, reviewer, StatusManualReview)
	if err != nil {
		return nil, err
	}
	next, err := s.transition(ctx, rec, StatusPendingDocuments, ActionAdminRequestedDocuments, reviewer, notes,
		map[string]interface{}{"documents": requested},
		func(r *Record) {
			r.OnHold = false
			r.RequestedDocuments = requested
			r.RiskAssessment = nil
			r.NMCVerification = nil
		})
	if err != nil {
		return nil, err
	}
	s.notifyAdminAction(ctx, next, ActionAdminRequestedDocuments, reviewer, notes)
	return next, nil
}

type AppealInput struct {
	Reason              string   `json:"reason" validate:"required"`
	SupportingDocuments []string `json:"supporting_documents"`
}

// SubmitAppeal contests a rejection. A record can be appealed once.
func (s *Service) SubmitAppeal(ctx context.Context, userID uuid.UUID, in AppealInput) (*Record, error) {
	reason := strings.TrimSpace(in.Reason)
	if len([]rune(reason)) < minAppealReason {
		return nil, apperr.Newf(apperr.CodeValidation, "appeal reason must be at least %d characters", minAppealReason)
	}
	rec, err := s.getByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.Appeal != nil {
		return nil, errAppealSubmitted
	}
	if rec.Status != StatusRejected {
		return nil, invalidTransition(rec.Status, StatusRejected)
	}
	appeal := &Appeal{
		Reason:              reason,
		SupportingDocuments: append([]string(nil), in.SupportingDocuments...),
		SubmittedAt:         s.now(),
		Status:              AppealPending,
	}
	return s.transition(ctx, rec, StatusAppealPending, ActionAppealSubmitted, userID.String(), reason, nil,
		func(r *Record) { r.Appeal = appeal })
}

// DecideAppeal returns an accepted appeal to manual_review and confirms the
// rejection otherwise.
func (s *Service) DecideAppeal(ctx context.Context, id uuid.UUID, reviewer string, accept bool, notes string) (*Record, error) {
	rec, err := s.reviewable(ctx, id, reviewer, StatusAppealPending)
	if err != nil {
		return nil, err
	}
	to, action, status := StatusRejected, ActionAppealDenied, AppealDenied
	if accept {
		to, action, status = StatusManualReview, ActionAppealAccepted, AppealAccepted
	}
	now := s.now()
	next, err := s.transition(ctx, rec, to, action, reviewer, notes, nil, func(r *Record) {
		if r.Appeal == nil {
			r.Appeal = &Appeal{}
		}
		r.Appeal.Status = status
		r.Appeal.DecidedBy = reviewer
		r.Appeal.DecisionNotes = notes
		r.Appeal.DecidedAt = &now
	})
	if err != nil {
		return nil, err
	}
	s.notifyAdminAction(ctx, next, action, reviewer, notes)
	return next, nil
}

// Suspend takes an approved doctor out of service.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID, reviewer, reason string) (*Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validation("suspension reason is required")
	}
	rec, err := s.reviewable(ctx, id, reviewer, StatusApproved)
	if err != nil {
		return nil, err
	}
	next, err := s.transition(ctx, rec, StatusSuspended, ActionSuspended, reviewer, reason, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.DeactivateDoctor(ctx, next.UserID); err != nil {
		s.logger.Error().Err(err).Str("record_id", next.ID.String()).Msg("deactivate suspended doctor")
		s.note(ctx, next, ActionDeactivationFailed, reviewer, err.Error(), nil)
	}
	s.notifyAdminAction(ctx, next, ActionSuspended, reviewer, reason)
	return next, nil
}

// ReviewDocument marks one document verified or rejected.
func (s *Service) ReviewDocument(ctx context.Context, id, documentID uuid.UUID, reviewer string, verified bool, notes string) (*Record, error) {
	rec, err := s.reviewable(ctx, id, reviewer, StatusManualReview)
	if err != nil {
		return nil, err
	}
	next := rec.clone()
	idx := -1
	for i, d := range next.Documents {
		if d.ID == documentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, apperr.New(apperr.CodeNotFound, "document not found")
	}

	now := s.now()
	status := DocumentRejected
	if verified {
		status = DocumentVerified
	}
	doc := &next.Documents[idx]
	doc.Status = status
	doc.ReviewedBy = reviewer
	doc.ReviewNotes = notes
	doc.ReviewedAt = &now
	next.UpdatedAt = now

	e := s.entry(next, ActionDocumentReviewed, reviewer, notes, map[string]interface{}{
		"document_id":   documentID,
		"document_type": doc.Type,
		"status":        status,
	})
	if err := s.repo.Save(ctx, next, StatusManualReview, e); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, apperr.Wrap(apperr.CodeInvalidStateTransition, err, "verification was changed by another request; reload and retry")
		}
		return nil, err
	}
	next.Timeline = append(next.Timeline, *e)
	s.notifyAdminAction(ctx, next, ActionDocumentReviewed, reviewer, notes)
	return next, nil
}

// RetryActivation re-runs account activation for an approved record.
func (s *Service) RetryActivation(ctx context.Context, id uuid.UUID, reviewer string) (*Record, error) {
	rec, err := s.reviewable(ctx, id, reviewer, StatusApproved)
	if err != nil {
		return nil, err
	}
	if rec.DoctorID == nil {
		next := rec.clone()
		assignDoctorID(next)
		next.UpdatedAt = s.now()
		if err := s.repo.Save(ctx, next, StatusApproved, nil); err != nil {
			return nil, err
		}
		rec = next
	}
	return s.activate(ctx, rec, reviewer), nil
}
