package account

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("account not found")

type Repository interface {
	// Upsert creates the account or refreshes its contact details. Activation
	// flags are never cleared by Upsert.
	Upsert(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	FindDuplicates(ctx context.Context, q DuplicateQuery) ([]Account, error)

	// Activate marks the account active and verified and upserts the doctor
	// profile as available, atomically.
	Activate(ctx context.Context, userID uuid.UUID, p *DoctorProfile) error
	// Deactivate clears the active flag and takes the doctor profile offline.
	Deactivate(ctx context.Context, userID uuid.UUID) error
	GetDoctor(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error)
	SetDoctorAvailability(ctx context.Context, doctorID uuid.UUID, available bool) error
}
