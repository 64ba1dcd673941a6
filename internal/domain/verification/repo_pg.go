package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caregate/caregate/internal/domain/oracle"
	"github.com/caregate/caregate/internal/domain/risk"
	"github.com/caregate/caregate/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const recordCols = `id, user_id, doctor_id, status, personal_info, professional_info, documents,
	requested_documents, nmc_verification, risk_assessment, appeal, on_hold, activation_status,
	next_assessment_due_at, created_at, updated_at`

// jsonColumns marshals the JSONB columns in recordCols order. Absent optional
// sub-records are written as SQL NULL.
func jsonColumns(rec *Record) ([][]byte, error) {
	docs := rec.Documents
	if docs == nil {
		docs = []Document{}
	}
	requested := rec.RequestedDocuments
	if requested == nil {
		requested = []string{}
	}
	values := []interface{}{rec.PersonalInfo, rec.ProfessionalInfo, docs, requested}
	out := make([][]byte, 0, 7)
	for _, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	optional := []struct {
		set bool
		v   interface{}
	}{
		{rec.NMCVerification != nil, rec.NMCVerification},
		{rec.RiskAssessment != nil, rec.RiskAssessment},
		{rec.Appeal != nil, rec.Appeal},
	}
	for _, o := range optional {
		if !o.set {
			out = append(out, nil)
			continue
		}
		b, err := json.Marshal(o.v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func unmarshalOptional(b []byte, v interface{}) (bool, error) {
	if len(b) == 0 || string(b) == "null" {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var status, activation string
	var personal, professional, docs, requested, nmc, riskJSON, appeal []byte
	err := row.Scan(&rec.ID, &rec.UserID, &rec.DoctorID, &status, &personal, &professional, &docs,
		&requested, &nmc, &riskJSON, &appeal, &rec.OnHold, &activation,
		&rec.NextAssessmentDueAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.ActivationStatus = ActivationStatus(activation)

	if err := json.Unmarshal(personal, &rec.PersonalInfo); err != nil {
		return nil, fmt.Errorf("decode personal_info: %w", err)
	}
	if err := json.Unmarshal(professional, &rec.ProfessionalInfo); err != nil {
		return nil, fmt.Errorf("decode professional_info: %w", err)
	}
	if err := json.Unmarshal(docs, &rec.Documents); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	if err := json.Unmarshal(requested, &rec.RequestedDocuments); err != nil {
		return nil, fmt.Errorf("decode requested_documents: %w", err)
	}

	rec.NMCVerification = new(oracle.Result)
	if ok, err := unmarshalOptional(nmc, rec.NMCVerification); err != nil {
		return nil, fmt.Errorf("decode nmc_verification: %w", err)
	} else if !ok {
		rec.NMCVerification = nil
	}
	rec.RiskAssessment = new(risk.Assessment)
	if ok, err := unmarshalOptional(riskJSON, rec.RiskAssessment); err != nil {
		return nil, fmt.Errorf("decode risk_assessment: %w", err)
	} else if !ok {
		rec.RiskAssessment = nil
	}
	rec.Appeal = new(Appeal)
	if ok, err := unmarshalOptional(appeal, rec.Appeal); err != nil {
		return nil, fmt.Errorf("decode appeal: %w", err)
	} else if !ok {
		rec.Appeal = nil
	}
	return &rec, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record, entry *TimelineEntry) error {
	cols, err := jsonColumns(rec)
	if err != nil {
		return err
	}
	err = db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO verification_records (id, user_id, doctor_id, license_number, status,
				personal_info, professional_info, documents, requested_documents,
				nmc_verification, risk_assessment, appeal, on_hold, activation_status,
				next_assessment_due_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
			RETURNING created_at, updated_at`,
			rec.ID, rec.UserID, rec.DoctorID, rec.ProfessionalInfo.LicenseNumber, string(rec.Status),
			cols[0], cols[1], cols[2], cols[3], cols[4], cols[5], cols[6],
			rec.OnHold, string(rec.ActivationStatus), rec.NextAssessmentDueAt, rec.CreatedAt,
		).Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return err
		}
		return r.appendTimeline(ctx, entry)
	})
	switch {
	case db.IsUniqueViolation(err, "verification_records_user_id_key"):
		return ErrDuplicateUser
	case db.IsUniqueViolation(err, "verification_records_license_key"):
		return ErrDuplicateLicense
	}
	return err
}

func (r *repoPG) withTimeline(ctx context.Context, rec *Record) (*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, record_id, action, resulting_status, actor, notes, context, created_at
		FROM verification_timeline WHERE record_id = $1 ORDER BY id`, rec.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e TimelineEntry
		var status string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Action, &status, &e.Actor, &e.Notes, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ResultingStatus = Status(status)
		if _, err := unmarshalOptional(raw, &e.Context); err != nil {
			return nil, fmt.Errorf("decode timeline context: %w", err)
		}
		rec.Timeline = append(rec.Timeline, e)
	}
	return rec, rows.Err()
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM verification_records WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return r.withTimeline(ctx, rec)
}

func (r *repoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM verification_records WHERE user_id = $1`, userID))
	if err != nil {
		return nil, err
	}
	return r.withTimeline(ctx, rec)
}

func (r *repoPG) LicenseTaken(ctx context.Context, license string, excludeUser uuid.UUID) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM verification_records WHERE license_number = $1 AND user_id <> $2)`,
		license, excludeUser).Scan(&taken)
	return taken, err
}

func (r *repoPG) Save(ctx context.Context, rec *Record, expected Status, entry *TimelineEntry) error {
	cols, err := jsonColumns(rec)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE verification_records
			SET doctor_id = $3, status = $4, personal_info = $5, professional_info = $6,
				documents = $7, requested_documents = $8, nmc_verification = $9,
				risk_assessment = $10, appeal = $11, on_hold = $12, activation_status = $13,
				next_assessment_due_at = $14, updated_at = $15
			WHERE id = $1 AND status = $2
			RETURNING updated_at`,
			rec.ID, string(expected), rec.DoctorID, string(rec.Status),
			cols[0], cols[1], cols[2], cols[3], cols[4], cols[5], cols[6],
			rec.OnHold, string(rec.ActivationStatus), rec.NextAssessmentDueAt, rec.UpdatedAt,
		).Scan(&rec.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := r.conn(ctx).QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM verification_records WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrStatusChanged
		}
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		return r.appendTimeline(ctx, entry)
	})
}

func (r *repoPG) SetActivationStatus(ctx context.Context, id uuid.UUID, status ActivationStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE verification_records SET activation_status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) AppendTimeline(ctx context.Context, entry *TimelineEntry) error {
	return r.appendTimeline(ctx, entry)
}

func (r *repoPG) appendTimeline(ctx context.Context, e *TimelineEntry) error {
	var raw []byte
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return err
		}
		raw = b
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO verification_timeline (record_id, action, resulting_status, actor, notes, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.RecordID, e.Action, string(e.ResultingStatus), e.Actor, e.Notes, raw, e.CreatedAt,
	).Scan(&e.ID)
}

func (r *repoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repoPG) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM verification_records WHERE status = $1`, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	out, err := r.list(ctx, `SELECT `+recordCols+` FROM verification_records
		WHERE status = $1 ORDER BY updated_at, id LIMIT $2 OFFSET $3`, string(status), limit, offset)
	return out, total, err
}

func (r *repoPG) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM verification_records
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`, string(status), before, limit)
}

func (r *repoPG) ListDueForAssessment(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM verification_records
		WHERE status = 'approved' AND next_assessment_due_at IS NOT NULL AND next_assessment_due_at <= $1
		ORDER BY next_assessment_due_at LIMIT $2`, now, limit)
}
