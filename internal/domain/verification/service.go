package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/domain/account"
	"github.com/caregate/caregate/internal/domain/oracle"
	"github.com/caregate/caregate/internal/domain/risk"
	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/internal/platform/clock"
	"github.com/caregate/caregate/internal/platform/notification"
	"github.com/caregate/caregate/internal/platform/websocket"
)

// Accounts is the part of the account service verification drives.
type Accounts interface {
	Register(ctx context.Context, a *account.Account) error
	ExistingAccounts(ctx context.Context, q account.DuplicateQuery) ([]account.Account, error)
	ActivateDoctorAccount(ctx context.Context, userID, doctorID uuid.UUID, seed account.DoctorProfile) error
	DeactivateDoctor(ctx context.Context, userID uuid.UUID) error
}

type RiskAssessor interface {
	Assess(c *risk.Candidate, existing []risk.ExistingAccount) (*risk.Assessment, error)
}

type LicenseVerifier interface {
	Verify(ctx context.Context, license, name, dob string) (*oracle.Result, error)
}

type Deps struct {
	Accounts Accounts
	Risk     RiskAssessor
	Oracle   LicenseVerifier
	Notifier notification.Notifier
	Clock    clock.Clock
}

type Config struct {
	// AutoVerifyDelay is how long after upload the automated run starts.
	AutoVerifyDelay time.Duration
	// StaleAfter bounds how long a record may sit in automated_verification.
	StaleAfter time.Duration
	// PipelineTimeout bounds one scheduled automated run.
	PipelineTimeout    time.Duration
	ActivationAttempts int
	ActivationBackoff  time.Duration
	BatchSize          int
}

func (c *Config) setDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = time.Minute
	}
	if c.ActivationAttempts <= 0 {
		c.ActivationAttempts = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

const minAppealReason = 10

var (
	errDuplicateVerification = apperr.New(apperr.CodeDuplicateVerification, "a verification already exists for this user")
	errDuplicateLicense      = apperr.New(apperr.CodeDuplicateLicense, "license number is already registered to another doctor")
	errAppealSubmitted       = apperr.New(apperr.CodeAppealAlreadySubmitted, "an appeal has already been submitted for this verification")
	errNotFound              = apperr.New(apperr.CodeNotFound, "verification not found")
)

func invalidTransition(current Status, required ...Status) *apperr.Error {
	names := make([]string, len(required))
	for i, r := range required {
		names[i] = string(r)
	}
	return apperr.Newf(apperr.CodeInvalidStateTransition,
		"verification is %s; operation requires %s", current, strings.Join(names, " or ")).
		WithDetail("current_status", current).
		WithDetail("required_status", names)
}

func validation(msg string) *apperr.Error {
	return apperr.New(apperr.CodeValidation, msg)
}

type Service struct {
	repo      Repository
	accounts  Accounts
	risk      RiskAssessor
	oracle    LicenseVerifier
	notifier  notification.Notifier
	clock     clock.Clock
	scheduler *Scheduler
	cfg       Config
	logger    zerolog.Logger
}

func NewService(repo Repository, deps Deps, cfg Config, logger zerolog.Logger) *Service {
	cfg.setDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		repo:      repo,
		accounts:  deps.Accounts,
		risk:      deps.Risk,
		oracle:    deps.Oracle,
		notifier:  deps.Notifier,
		clock:     clk,
		scheduler: NewScheduler(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "verification").Logger(),
	}
}

// Close cancels pending automated runs and waits for running ones.
func (s *Service) Close() {
	s.scheduler.Stop()
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

func (s *Service) get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, errNotFound
	}
	return rec, err
}

func (s *Service) getByUser(ctx context.Context, userID uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByUserID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, errNotFound
	}
	return rec, err
}

func (s *Service) entry(rec *Record, action, actor, notes string, data map[string]interface{}) *TimelineEntry {
	return &TimelineEntry{
		RecordID:        rec.ID,
		Action:          action,
		ResultingStatus: rec.Status,
		Actor:           actor,
		Notes:           notes,
		Context:         data,
		CreatedAt:       s.now(),
	}
}

// transition moves rec to status to, applying mutate to a copy, and writes
// the change with its timeline entry only if the stored status is still
// rec.Status.
func (s *Service) transition(ctx context.Context, rec *Record, to Status, action, actor, notes string,
	data map[string]interface{}, mutate func(*Record)) (*Record, error) {
	if !CanTransition(rec.Status, to) {
		return nil, invalidTransition(rec.Status, sourcesOf(to)...)
	}
	from := rec.Status
	next := rec.clone()
	next.Status = to
	next.UpdatedAt = s.now()
	if mutate != nil {
		mutate(next)
	}
	e := s.entry(next, action, actor, notes, data)
	if err := s.repo.Save(ctx, next, from, e); err != nil {
		switch {
		case errors.Is(err, ErrStatusChanged):
			return nil, apperr.Wrap(apperr.CodeInvalidStateTransition, err,
				"verification was changed by another request; reload and retry").
				WithDetail("expected_status", from)
		case errors.Is(err, ErrNotFound):
			return nil, errNotFound
		}
		return nil, fmt.Errorf("save verification %s: %w", rec.ID, err)
	}
	next.Timeline = append(next.Timeline, *e)

	s.logger.Info().
		Str("record_id", next.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("action", action).
		Str("actor", actor).
		Msg("verification transition")
	s.notifyTransition(ctx, next, from, action, actor)
	return next, nil
}

// sourcesOf lists the states with an edge into to.
func sourcesOf(to Status) []Status {
	var out []Status
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var allStatuses = []Status{
	StatusPendingDocuments, StatusDocumentsUploaded, StatusAutomatedVerification, StatusManualReview,
	StatusApproved, StatusRejected, StatusSuspended, StatusAppealPending,
}

// note appends a timeline entry that does not change status. Failures are
// logged; the record is returned with the entry attached either way.
func (s *Service) note(ctx context.Context, rec *Record, action, actor, notes string, data map[string]interface{}) {
	e := s.entry(rec, action, actor, notes, data)
	if err := s.repo.AppendTimeline(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("record_id", rec.ID.String()).Str("action", action).Msg("append timeline note")
		return
	}
	rec.Timeline = append(rec.Timeline, *e)
}

func (s *Service) notifyTransition(ctx context.Context, rec *Record, from Status, action, actor string) {
	data := map[string]interface{}{
		"record_id":   rec.ID,
		"user_id":     rec.UserID,
		"from_status": from,
		"status":      rec.Status,
		"action":      action,
		"actor":       actor,
	}
	s.notifier.Notify(ctx, notification.Event{
		Name:       notification.EventVerificationStatusChanged,
		Topics:     []string{websocket.TopicAdmin, websocket.UserTopic(rec.UserID.String())},
		Data:       data,
		OccurredAt: s.now(),
	})
	if rec.Status == StatusManualReview {
		s.notifier.Notify(ctx, notification.Event{
			Name:       notification.EventDoctorPendingReview,
			Topics:     []string{websocket.TopicAdmin},
			Data:       data,
			OccurredAt: s.now(),
		})
	}
}

func (s *Service) notifyAdminAction(ctx context.Context, rec *Record, action, reviewer, notes string) {
	s.notifier.Notify(ctx, notification.Event{
		Name:   notification.EventAdminAction,
		Topics: []string{websocket.TopicAdmin},
		Data: map[string]interface{}{
			"record_id": rec.ID,
			"user_id":   rec.UserID,
			"action":    action,
			"reviewer":  reviewer,
			"status":    rec.Status,
			"notes":     notes,
		},
		OccurredAt: s.now(),
	})
}

type SubmitInput struct {
	PersonalInfo     PersonalInfo     `json:"personal_info"`
	ProfessionalInfo ProfessionalInfo `json:"professional_info"`
}

// Submit opens a verification for userID in pending_documents.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, in SubmitInput) (*Record, error) {
	if userID == uuid.Nil {
		return nil, validation("user id is required")
	}
	if in.ProfessionalInfo.ConsultationFee.IsNegative() {
		return nil, validation("consultation fee must not be negative")
	}
	format := oracle.ValidateFormat(in.ProfessionalInfo.LicenseNumber)
	if !format.Valid {
		return nil, oracle.ErrInvalidLicenseFormat
	}
	personal := in.PersonalInfo
	personal.FullName = strings.TrimSpace(personal.FullName)
	personal.Email = strings.ToLower(strings.TrimSpace(personal.Email))
	personal.Phone = strings.TrimSpace(personal.Phone)
	professional := in.ProfessionalInfo
	professional.LicenseNumber = format.Normalized

	if _, err := s.repo.GetByUserID(ctx, userID); err == nil {
		return nil, errDuplicateVerification
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	taken, err := s.repo.LicenseTaken(ctx, professional.LicenseNumber, userID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, errDuplicateLicense
	}

	if err := s.accounts.Register(ctx, &account.Account{
		ID:       userID,
		Email:    personal.Email,
		Phone:    personal.Phone,
		FullName: personal.FullName,
		Role:     account.RoleDoctor,
	}); err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}

	now := s.now()
	rec := &Record{
		ID:               uuid.New(),
		UserID:           userID,
		Status:           StatusPendingDocuments,
		PersonalInfo:     personal,
		ProfessionalInfo: professional,
		Documents:        []Document{},
		ActivationStatus: ActivationNotStarted,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	actor := userID.String()
	e := s.entry(rec, ActionRegistrationInitiated, actor, "", map[string]interface{}{
		"license_number": professional.LicenseNumber,
		"authority":      format.Authority,
	})
	if err := s.repo.Create(ctx, rec, e); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateUser):
			return nil, errDuplicateVerification
		case errors.Is(err, ErrDuplicateLicense):
			return nil, errDuplicateLicense
		}
		return nil, fmt.Errorf("create verification: %w", err)
	}
	rec.Timeline = []TimelineEntry{*e}
	s.notifyTransition(ctx, rec, "", ActionRegistrationInitiated, actor)
	return rec, nil
}

type DocumentInput struct {
	Type       string `json:"type" validate:"required"`
	StorageRef string `json:"storage_ref" validate:"required"`
}

// UploadDocuments attaches documents and schedules the automated run. The
// mandatory set is checked against the union of old and new documents;
// documents an admin asked for must be part of this upload.
func (s *Service) UploadDocuments(ctx context.Context, userID uuid.UUID, docs []DocumentInput) (*Record, error) {
	if len(docs) == 0 {
		return nil, validation("at least one document is required")
	}
	rec, err := s.getByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPendingDocuments {
		return nil, invalidTransition(rec.Status, StatusPendingDocuments)
	}

	now := s.now()
	added := make([]Document, 0, len(docs))
	batch := make(map[string]bool, len(docs))
	for _, d := range docs {
		t := strings.ToLower(strings.TrimSpace(d.Type))
		ref := strings.TrimSpace(d.StorageRef)
		if t == "" || ref == "" {
			return nil, validation("document type and storage reference are required")
		}
		batch[t] = true
		added = append(added, Document{ID: uuid.New(), Type: t, StorageRef: ref, UploadedAt: now, Status: DocumentPending})
	}

	have := rec.documentTypes()
	var missing []string
	for _, t := range risk.RequiredDocuments {
		if !have[t] && !batch[t] {
			missing = append(missing, t)
		}
	}
	for _, t := range rec.RequestedDocuments {
		if !batch[t] && !contains(missing, t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.CodeMissingDocuments, "missing required documents: %s", strings.Join(missing, ", ")).
			WithDetail("missing", missing)
	}

	types := make([]string, 0, len(added))
	for _, d := range added {
		types = append(types, d.Type)
	}
	next, err := s.transition(ctx, rec, StatusDocumentsUploaded, ActionDocumentsUploaded, userID.String(), "",
		map[string]interface{}{"document_types": types},
		func(r *Record) {
			r.Documents = append(r.Documents, added...)
			r.RequestedDocuments = nil
		})
	if err != nil {
		return nil, err
	}
	s.scheduleAutomated(next.ID, s.cfg.AutoVerifyDelay)
	return next, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Service) scheduleAutomated(id uuid.UUID, delay time.Duration) {
	s.scheduler.Schedule(id, delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PipelineTimeout)
		defer cancel()
		if _, err := s.RunAutomatedVerification(ctx, id); err != nil {
			if apperr.CodeOf(err) == apperr.CodeInvalidStateTransition {
				s.logger.Debug().Str("record_id", id.String()).Msg("automated verification skipped: record moved on")
				return
			}
			s.logger.Error().Err(err).Str("record_id", id.String()).Msg("automated verification")
		}
	})
}

// CheckStatus returns the caller's own record with its timeline.
func (s *Service) CheckStatus(ctx context.Context, userID uuid.UUID) (*Record, error) {
	return s.getByUser(ctx, userID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.get(ctx, id)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	if !status.Valid() {
		return nil, 0, validation(fmt.Sprintf("unknown status %q", status))
	}
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

// activate runs the account activation routine with retries. The record
// stays approved whatever the outcome; the result is written to its
// activation status and timeline.
func (s *Service) activate(ctx context.Context, rec *Record, actor string) *Record {
	log := s.logger.With().Str("record_id", rec.ID.String()).Logger()
	seed := account.DoctorProfile{
		FullName:        rec.PersonalInfo.FullName,
		Specialization:  rec.ProfessionalInfo.Specialization,
		LicenseNumber:   rec.ProfessionalInfo.LicenseNumber,
		ConsultationFee: rec.ProfessionalInfo.ConsultationFee,
		City:            rec.PersonalInfo.City,
	}

	var err error
	attempts := 0
	for attempts < s.cfg.ActivationAttempts {
		attempts++
		if err = s.accounts.ActivateDoctorAccount(ctx, rec.UserID, *rec.DoctorID, seed); err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempts).Msg("account activation failed")
		if attempts == s.cfg.ActivationAttempts || s.cfg.ActivationBackoff <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempts = s.cfg.ActivationAttempts
		case <-time.After(s.cfg.ActivationBackoff * time.Duration(attempts)):
		}
	}

	status := ActivationActivated
	if err != nil {
		status = ActivationFailed
	}
	if serr := s.repo.SetActivationStatus(ctx, rec.ID, status); serr != nil {
		log.Error().Err(serr).Msg("store activation status")
	}
	rec.ActivationStatus = status

	if err == nil {
		s.note(ctx, rec, ActionAccountActivated, actor, "", map[string]interface{}{"doctor_id": rec.DoctorID})
		return rec
	}

	log.Error().Err(err).Int("attempts", attempts).Msg("account activation gave up")
	sentry.CurrentHub().Clone().CaptureException(fmt.Errorf("activate doctor %s: %w", rec.UserID, err))
	s.note(ctx, rec, ActionActivationFailed, actor, err.Error(), map[string]interface{}{"attempts": attempts})
	s.notifier.Notify(ctx, notification.Event{
		Name:   notification.EventActivationFailed,
		Topics: []string{websocket.TopicAdmin},
		Data: map[string]interface{}{
			"record_id": rec.ID,
			"user_id":   rec.UserID,
			"doctor_id": rec.DoctorID,
			"error":     err.Error(),
		},
		OccurredAt: s.now(),
	})
	return rec
}

func assignDoctorID(r *Record) {
	if r.DoctorID == nil {
		id := uuid.New()
		r.DoctorID = &id
	}
}
