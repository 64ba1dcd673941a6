package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/caregate/caregate/internal/platform/apperr"
)

// Defaults seed new doctor profiles.
type Defaults struct {
	ConsultationMinutes int
	MaxQueueSize        int
}

const defaultNameLimit = 500

type Service struct {
	repo     Repository
	defaults Defaults
}

func NewService(repo Repository, defaults Defaults) *Service {
	if defaults.ConsultationMinutes <= 0 {
		defaults.ConsultationMinutes = 15
	}
	if defaults.MaxQueueSize <= 0 {
		defaults.MaxQueueSize = 50
	}
	return &Service{repo: repo, defaults: defaults}
}

// Register creates or refreshes the account behind a registration.
func (s *Service) Register(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("account id is required")
	}
	a.Email = strings.TrimSpace(a.Email)
	if a.Email == "" {
		return fmt.Errorf("email is required")
	}
	if a.Role == "" {
		a.Role = RoleDoctor
	}
	return s.repo.Upsert(ctx, a)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	a, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "account not found")
	}
	return a, err
}

// ExistingAccounts returns the snapshot a candidate is compared against for
// duplicate detection.
func (s *Service) ExistingAccounts(ctx context.Context, q DuplicateQuery) ([]Account, error) {
	if q.NameLimit <= 0 {
		q.NameLimit = defaultNameLimit
	}
	return s.repo.FindDuplicates(ctx, q)
}

// ActivateDoctorAccount marks the account active and verified and makes the
// doctor profile available for queueing. Safe to call repeatedly.
func (s *Service) ActivateDoctorAccount(ctx context.Context, userID, doctorID uuid.UUID, seed DoctorProfile) error {
	if userID == uuid.Nil || doctorID == uuid.Nil {
		return fmt.Errorf("user id and doctor id are required")
	}
	p := seed
	p.ID = doctorID
	p.UserID = userID
	if p.AvgConsultationMinutes <= 0 {
		p.AvgConsultationMinutes = s.defaults.ConsultationMinutes
	}
	if p.MaxQueueSize <= 0 {
		p.MaxQueueSize = s.defaults.MaxQueueSize
	}
	if err := s.repo.Activate(ctx, userID, &p); err != nil {
		return fmt.Errorf("activate doctor account %s: %w", userID, err)
	}
	return nil
}

// DeactivateDoctor takes a suspended doctor offline.
func (s *Service) DeactivateDoctor(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.Deactivate(ctx, userID); err != nil {
		return fmt.Errorf("deactivate doctor account %s: %w", userID, err)
	}
	return nil
}

func (s *Service) GetDoctor(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	p, err := s.repo.GetDoctor(ctx, doctorID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "doctor not found")
	}
	return p, err
}

// SetAvailability toggles whether the doctor accepts queue joins. Only active
// accounts may go online.
func (s *Service) SetAvailability(ctx context.Context, doctorID uuid.UUID, available bool) (*DoctorProfile, error) {
	p, err := s.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if available {
		a, err := s.Get(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if !a.Active || !a.Verified {
			return nil, apperr.New(apperr.CodeDoctorUnavailable, "doctor account is not active")
		}
	}
	if err := s.repo.SetDoctorAvailability(ctx, doctorID, available); err != nil {
		return nil, err
	}
	p.Available = available
	return p, nil
}
