package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("queue entry not found")
	ErrAlreadyQueued = errors.New("patient already has an active queue entry")
)

type Repository interface {
	// WithDoctorLock runs fn with exclusive access to one doctor's queue.
	// Repository calls made with the ctx passed to fn join the same unit of
	// work.
	WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error

	// Create fails with ErrAlreadyQueued if the patient holds an active entry.
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	ActiveForPatient(ctx context.Context, patientID uuid.UUID) (*Entry, error)

	// Active returns the doctor's waiting and in-consultation entries ordered
	// by join time.
	Active(ctx context.Context, doctorID uuid.UUID) ([]*Entry, error)
	// Renumber writes positions for the given waiting entries.
	Renumber(ctx context.Context, positions map[uuid.UUID]int) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, status Status, limit, offset int) ([]*Entry, int, error)
}
