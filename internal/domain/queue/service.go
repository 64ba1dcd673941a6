package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/domain/account"
	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/internal/platform/clock"
	"github.com/caregate/caregate/internal/platform/notification"
	"github.com/caregate/caregate/internal/platform/websocket"
)

// Doctors resolves the doctor profile a queue belongs to.
type Doctors interface {
	GetDoctor(ctx context.Context, doctorID uuid.UUID) (*account.DoctorProfile, error)
}

type Config struct {
	// DefaultConsultationMinutes and MaxQueueSize apply when the doctor
	// profile leaves them unset.
	DefaultConsultationMinutes int
	MaxQueueSize               int
}

var (
	errNotFound      = apperr.New(apperr.CodeNotFound, "queue entry not found")
	errAlreadyQueued = apperr.New(apperr.CodeAlreadyQueued, "patient is already in a queue")
)

type Service struct {
	repo     Repository
	doctors  Doctors
	notifier notification.Notifier
	clock    clock.Clock
	cfg      Config
	logger   zerolog.Logger
}

func NewService(repo Repository, doctors Doctors, notifier notification.Notifier, clk clock.Clock, cfg Config, logger zerolog.Logger) *Service {
	if cfg.DefaultConsultationMinutes <= 0 {
		cfg.DefaultConsultationMinutes = 15
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 50
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		repo:     repo,
		doctors:  doctors,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With().Str("component", "queue").Logger(),
	}
}

func (s *Service) avgMinutes(p *account.DoctorProfile) int {
	if p.AvgConsultationMinutes > 0 {
		return p.AvgConsultationMinutes
	}
	return s.cfg.DefaultConsultationMinutes
}

func (s *Service) maxSize(p *account.DoctorProfile) int {
	if p.MaxQueueSize > 0 {
		return p.MaxQueueSize
	}
	return s.cfg.MaxQueueSize
}

func invalidTransition(current Status, required ...Status) error {
	names := make([]string, len(required))
	for i, st := range required {
		names[i] = string(st)
	}
	return apperr.Newf(apperr.CodeInvalidStateTransition, "queue entry is %s; requires %s", current, strings.Join(names, " or ")).
		WithDetail("current_status", current).
		WithDetail("required_status", names)
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, errNotFound
	}
	return e, err
}

// waitMinutes is whole minutes from join to consultation start.
func waitMinutes(joined, started time.Time) int {
	m := int(started.Sub(joined) / time.Minute)
	if m < 0 {
		return 0
	}
	return m
}

type JoinInput struct {
	DoctorID    uuid.UUID `json:"doctor_id" validate:"required"`
	PatientName string    `json:"patient_name" validate:"max=120"`
	Priority    Priority  `json:"priority"`
	Notes       string    `json:"notes" validate:"max=1000"`
}

// Join appends the patient to the doctor's waiting queue. Position is the
// current maximum plus one; priority is recorded only.
func (s *Service) Join(ctx context.Context, patientID uuid.UUID, in JoinInput) (*Entry, error) {
	if patientID == uuid.Nil {
		return nil, apperr.New(apperr.CodeValidation, "patient id is required")
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown priority %q", in.Priority)
	}
	doctor, err := s.doctors.GetDoctor(ctx, in.DoctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Available {
		return nil, apperr.New(apperr.CodeDoctorUnavailable, "doctor is not accepting patients")
	}

	var entry *Entry
	err = s.repo.WithDoctorLock(ctx, in.DoctorID, func(ctx context.Context) error {
		existing, err := s.repo.ActiveForPatient(ctx, patientID)
		if err == nil {
			return errAlreadyQueued.WithDetail("queue_id", existing.ID).WithDetail("doctor_id", existing.DoctorID)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		active, err := s.repo.Active(ctx, in.DoctorID)
		if err != nil {
			return err
		}
		waiting, maxPos := 0, 0
		for _, e := range active {
			if e.Status != StatusWaiting {
				continue
			}
			waiting++
			if e.Position > maxPos {
				maxPos = e.Position
			}
		}
		if waiting >= s.maxSize(doctor) {
			return apperr.Newf(apperr.CodeQueueFull, "queue is full (%d waiting)", waiting)
		}

		now := s.clock.Now()
		entry = &Entry{
			ID:                   uuid.New(),
			DoctorID:             in.DoctorID,
			PatientID:            patientID,
			DoctorName:           doctor.FullName,
			PatientName:          strings.TrimSpace(in.PatientName),
			Position:             maxPos + 1,
			Status:               StatusWaiting,
			Priority:             in.Priority,
			Notes:                strings.TrimSpace(in.Notes),
			EstimatedWaitMinutes: maxPos * s.avgMinutes(doctor),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := s.repo.Create(ctx, entry); err != nil {
			if errors.Is(err, ErrAlreadyQueued) {
				return errAlreadyQueued
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("queue_id", entry.ID.String()).
		Str("doctor_id", entry.DoctorID.String()).
		Int("position", entry.Position).
		Msg("patient joined queue")
	s.notifyEntry(ctx, entry)
	s.notifyQueue(ctx, entry.DoctorID)
	return entry, nil
}

// Leave cancels the patient's own waiting entry.
func (s *Service) Leave(ctx context.Context, queueID, patientID uuid.UUID) (*Entry, error) {
	return s.move(ctx, queueID, func(e *Entry) error {
		if e.PatientID != patientID {
			return errNotFound
		}
		if e.Status != StatusWaiting {
			return invalidTransition(e.Status, StatusWaiting)
		}
		e.Status = StatusCancelled
		return nil
	})
}

// StartConsultation moves a waiting entry of this doctor into consultation.
func (s *Service) StartConsultation(ctx context.Context, queueID, doctorID uuid.UUID) (*Entry, error) {
	return s.move(ctx, queueID, func(e *Entry) error {
		if e.DoctorID != doctorID {
			return errNotFound
		}
		if e.Status != StatusWaiting {
			return invalidTransition(e.Status, StatusWaiting)
		}
		now := s.clock.Now()
		wait := waitMinutes(e.CreatedAt, now)
		e.Status = StatusInConsultation
		e.ConsultationStartTime = &now
		e.ActualWaitMinutes = &wait
		return nil
	})
}

func (s *Service) CompleteConsultation(ctx context.Context, queueID, doctorID uuid.UUID) (*Entry, error) {
	return s.move(ctx, queueID, func(e *Entry) error {
		if e.DoctorID != doctorID {
			return errNotFound
		}
		if e.Status != StatusInConsultation {
			return invalidTransition(e.Status, StatusInConsultation)
		}
		now := s.clock.Now()
		e.Status = StatusCompleted
		e.ConsultationEndTime = &now
		if e.ConsultationStartTime != nil {
			wait := waitMinutes(e.CreatedAt, *e.ConsultationStartTime)
			e.ActualWaitMinutes = &wait
		}
		return nil
	})
}

// SetStatus records a no-show or a forced cancellation of a waiting entry.
func (s *Service) SetStatus(ctx context.Context, queueID, doctorID uuid.UUID, status Status) (*Entry, error) {
	if status != StatusNoShow && status != StatusCancelled {
		return nil, apperr.Newf(apperr.CodeValidation, "status must be %s or %s", StatusNoShow, StatusCancelled)
	}
	return s.move(ctx, queueID, func(e *Entry) error {
		if e.DoctorID != doctorID {
			return errNotFound
		}
		if !CanTransition(e.Status, status) {
			var allowed []Status
			for from := range transitions {
				if CanTransition(from, status) {
					allowed = append(allowed, from)
				}
			}
			sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
			return invalidTransition(e.Status, allowed...)
		}
		e.Status = status
		return nil
	})
}

// move applies mutate to an entry under its doctor's lock and compacts the
// waiting positions when the entry leaves the waiting set.
func (s *Service) move(ctx context.Context, queueID uuid.UUID, mutate func(*Entry) error) (*Entry, error) {
	e, err := s.get(ctx, queueID)
	if err != nil {
		return nil, err
	}

	var updated *Entry
	var from Status
	err = s.repo.WithDoctorLock(ctx, e.DoctorID, func(ctx context.Context) error {
		current, err := s.get(ctx, queueID)
		if err != nil {
			return err
		}
		from = current.Status
		next := current.clone()
		if err := mutate(next); err != nil {
			return err
		}
		if from == StatusWaiting && next.Status != StatusWaiting {
			next.Position = 0
		}
		next.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, next); err != nil {
			return err
		}
		if from == StatusWaiting && next.Status != StatusWaiting {
			if err := s.compact(ctx, next.DoctorID); err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("queue_id", updated.ID.String()).
		Str("doctor_id", updated.DoctorID.String()).
		Str("from", string(from)).
		Str("to", string(updated.Status)).
		Msg("queue entry status changed")
	s.notifyEntry(ctx, updated)
	s.notifyQueue(ctx, updated.DoctorID)
	return updated, nil
}

// compact renumbers the doctor's waiting entries 1..N by join time. Must run
// under the doctor lock.
func (s *Service) compact(ctx context.Context, doctorID uuid.UUID) error {
	active, err := s.repo.Active(ctx, doctorID)
	if err != nil {
		return fmt.Errorf("load queue for compaction: %w", err)
	}
	changed := make(map[uuid.UUID]int)
	pos := 0
	for _, e := range active {
		if e.Status != StatusWaiting {
			continue
		}
		pos++
		if e.Position != pos {
			changed[e.ID] = pos
		}
	}
	return s.repo.Renumber(ctx, changed)
}

type RateInput struct {
	Rating   int    `json:"rating" validate:"required,min=1,max=5"`
	Feedback string `json:"feedback" validate:"max=2000"`
}

// Rate attaches the patient's rating to a completed visit. A visit is rated
// once.
func (s *Service) Rate(ctx context.Context, queueID, patientID uuid.UUID, in RateInput) (*Entry, error) {
	if in.Rating < 1 || in.Rating > 5 {
		return nil, apperr.New(apperr.CodeValidation, "rating must be between 1 and 5")
	}
	e, err := s.get(ctx, queueID)
	if err != nil {
		return nil, err
	}
	var updated *Entry
	err = s.repo.WithDoctorLock(ctx, e.DoctorID, func(ctx context.Context) error {
		current, err := s.get(ctx, queueID)
		if err != nil {
			return err
		}
		if current.PatientID != patientID {
			return errNotFound
		}
		if current.Status != StatusCompleted {
			return invalidTransition(current.Status, StatusCompleted)
		}
		if current.Rating != nil {
			return apperr.New(apperr.CodeValidation, "visit has already been rated")
		}
		next := current.clone()
		rating := in.Rating
		next.Rating = &rating
		next.Feedback = strings.TrimSpace(in.Feedback)
		next.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	return updated, err
}

// Snapshot returns the doctor's queue with estimated waits recomputed from
// the current position and the time left in the running consultation.
func (s *Service) Snapshot(ctx context.Context, doctorID uuid.UUID) (*Snapshot, error) {
	doctor, err := s.doctors.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	active, err := s.repo.Active(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	avg := s.avgMinutes(doctor)
	snap := &Snapshot{
		DoctorID:               doctorID,
		DoctorName:             doctor.FullName,
		Available:              doctor.Available,
		AvgConsultationMinutes: avg,
		MaxQueueSize:           s.maxSize(doctor),
		Waiting:                []*Entry{},
		GeneratedAt:            now,
	}
	remaining := 0
	for _, e := range active {
		if e.Status == StatusInConsultation {
			snap.InConsultation = e
			if e.ConsultationStartTime != nil {
				remaining = avg - int(now.Sub(*e.ConsultationStartTime)/time.Minute)
				if remaining < 0 {
					remaining = 0
				}
			}
		}
	}
	for _, e := range active {
		if e.Status == StatusWaiting {
			e.EstimatedWaitMinutes = remaining + (e.Position-1)*avg
			snap.Waiting = append(snap.Waiting, e)
		}
	}
	sort.SliceStable(snap.Waiting, func(i, j int) bool { return snap.Waiting[i].Position < snap.Waiting[j].Position })
	return snap, nil
}

// ActiveForPatient returns the patient's waiting or in-consultation entry.
func (s *Service) ActiveForPatient(ctx context.Context, patientID uuid.UUID) (*Entry, error) {
	e, err := s.repo.ActiveForPatient(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "patient is not in a queue")
	}
	return e, err
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.get(ctx, id)
}

func (s *Service) History(ctx context.Context, doctorID uuid.UUID, status Status, limit, offset int) ([]*Entry, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, apperr.Newf(apperr.CodeValidation, "unknown status %q", status)
	}
	return s.repo.ListByDoctor(ctx, doctorID, status, limit, offset)
}

// DoctorUserID returns the account that owns the doctor profile.
func (s *Service) DoctorUserID(ctx context.Context, doctorID uuid.UUID) (uuid.UUID, error) {
	p, err := s.doctors.GetDoctor(ctx, doctorID)
	if err != nil {
		return uuid.Nil, err
	}
	return p.UserID, nil
}

func (s *Service) notifyEntry(ctx context.Context, e *Entry) {
	s.notifier.Notify(ctx, notification.Event{
		Name:       notification.EventQueueEntryChanged,
		Topics:     []string{websocket.UserTopic(e.PatientID.String())},
		Data:       e,
		OccurredAt: s.clock.Now(),
	})
}

type positionUpdate struct {
	QueueID              uuid.UUID `json:"queue_id"`
	PatientID            uuid.UUID `json:"patient_id"`
	Position             int       `json:"position"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
}

func (s *Service) notifyQueue(ctx context.Context, doctorID uuid.UUID) {
	snap, err := s.Snapshot(ctx, doctorID)
	if err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("queue snapshot for notification")
		return
	}
	positions := make([]positionUpdate, 0, len(snap.Waiting))
	for _, e := range snap.Waiting {
		positions = append(positions, positionUpdate{
			QueueID:              e.ID,
			PatientID:            e.PatientID,
			Position:             e.Position,
			EstimatedWaitMinutes: e.EstimatedWaitMinutes,
		})
	}
	s.notifier.Notify(ctx, notification.Event{
		Name:   notification.EventQueueUpdated,
		Topics: []string{websocket.QueueTopic(doctorID.String()), websocket.DoctorTopic(doctorID.String())},
		Data: map[string]interface{}{
			"doctor_id":       doctorID,
			"waiting":         positions,
			"in_consultation": snap.InConsultation != nil,
		},
		OccurredAt: snap.GeneratedAt,
	})
}
