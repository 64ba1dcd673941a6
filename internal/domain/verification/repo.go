package verification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("verification record not found")
	// ErrStatusChanged is returned by Save when the stored status no longer
	// matches the expected one.
	ErrStatusChanged    = errors.New("verification status changed concurrently")
	ErrDuplicateUser    = errors.New("user already has a verification record")
	ErrDuplicateLicense = errors.New("license number already registered")
)

type Repository interface {
	// Create inserts a new record together with its first timeline entry.
	Create(ctx context.Context, r *Record, entry *TimelineEntry) error
	// GetByID and GetByUserID return the record with its timeline.
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Record, error)
	LicenseTaken(ctx context.Context, license string, excludeUser uuid.UUID) (bool, error)

	// Save writes r if the stored status still equals expected and appends
	// entry (when non-nil) in the same transaction.
	Save(ctx context.Context, r *Record, expected Status, entry *TimelineEntry) error
	SetActivationStatus(ctx context.Context, id uuid.UUID, status ActivationStatus) error
	AppendTimeline(ctx context.Context, entry *TimelineEntry) error

	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error)
	// ListStale returns records in status whose last update is before cutoff.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Record, error)
	// ListDueForAssessment returns approved records whose reassessment is due.
	ListDueForAssessment(ctx context.Context, now time.Time, limit int) ([]*Record, error)
}
