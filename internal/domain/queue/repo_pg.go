package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caregate/caregate/internal/platform/db"
	"github.com/caregate/caregate/internal/platform/keylock"
)

type repoPG struct {
	pool  *pgxpool.Pool
	locks *keylock.Map
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, locks: keylock.New()}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

// WithDoctorLock serializes local callers on an in-process key lock and
// other replicas on a transaction-scoped advisory lock.
func (r *repoPG) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	key := "queue:" + doctorID.String()
	unlock := r.locks.Lock(key)
	defer unlock()
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := db.AdvisoryXactLock(ctx, key); err != nil {
			return err
		}
		return fn(ctx)
	})
}

const entryCols = `id, doctor_id, patient_id, doctor_name, patient_name, position, status, priority,
	notes, estimated_wait_minutes, actual_wait_minutes, consultation_start_time, consultation_end_time,
	rating, feedback, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var status, priority string
	err := row.Scan(&e.ID, &e.DoctorID, &e.PatientID, &e.DoctorName, &e.PatientName, &e.Position,
		&status, &priority, &e.Notes, &e.EstimatedWaitMinutes, &e.ActualWaitMinutes,
		&e.ConsultationStartTime, &e.ConsultationEndTime, &e.Rating, &e.Feedback,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Priority = Priority(priority)
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO queue_entries (`+entryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.DoctorID, e.PatientID, e.DoctorName, e.PatientName, e.Position,
		string(e.Status), string(e.Priority), e.Notes, e.EstimatedWaitMinutes, e.ActualWaitMinutes,
		e.ConsultationStartTime, e.ConsultationEndTime, e.Rating, e.Feedback,
		e.CreatedAt, e.UpdatedAt)
	if db.IsUniqueViolation(err, "queue_entries_patient_active_key") {
		return ErrAlreadyQueued
	}
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entries WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, e *Entry) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_entries
		SET position = $2, status = $3, estimated_wait_minutes = $4, actual_wait_minutes = $5,
			consultation_start_time = $6, consultation_end_time = $7, rating = $8, feedback = $9,
			updated_at = $10
		WHERE id = $1`,
		e.ID, e.Position, string(e.Status), e.EstimatedWaitMinutes, e.ActualWaitMinutes,
		e.ConsultationStartTime, e.ConsultationEndTime, e.Rating, e.Feedback, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ActiveForPatient(ctx context.Context, patientID uuid.UUID) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `
		SELECT `+entryCols+` FROM queue_entries
		WHERE patient_id = $1 AND status IN ('waiting', 'in-consultation')`, patientID))
}

func (r *repoPG) Active(ctx context.Context, doctorID uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM queue_entries
		WHERE doctor_id = $1 AND status IN ('waiting', 'in-consultation')
		ORDER BY created_at, id`, doctorID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Renumber rewrites positions in one statement; the exclusion constraint on
// waiting positions is checked at commit.
func (r *repoPG) Renumber(ctx context.Context, positions map[uuid.UUID]int) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(positions))
	pos := make([]int32, 0, len(positions))
	for id, p := range positions {
		ids = append(ids, id.String())
		pos = append(pos, int32(p))
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_entries q
		SET position = v.position, updated_at = NOW()
		FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::int[]) AS position) v
		WHERE q.id = v.id`, ids, pos)
	if err != nil {
		return fmt.Errorf("renumber queue: %w", err)
	}
	return nil
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, status Status, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE doctor_id = $1 AND ($2 = '' OR status = $2)`,
		doctorID, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM queue_entries
		WHERE doctor_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`,
		doctorID, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := scanEntries(rows)
	return out, total, err
}
