package account

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/caregate/caregate/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const accountCols = `a.id, a.email, a.phone, a.full_name, a.role, a.active, a.verified,
	a.created_at, a.updated_at, COALESCE(p.license_number, '')`

const accountFrom = ` FROM accounts a LEFT JOIN doctor_profiles p ON p.user_id = a.id`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.Phone, &a.FullName, &a.Role, &a.Active, &a.Verified,
		&a.CreatedAt, &a.UpdatedAt, &a.LicenseNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *repoPG) Upsert(ctx context.Context, a *Account) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO accounts (id, email, phone, full_name, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email, phone = EXCLUDED.phone, full_name = EXCLUDED.full_name,
			updated_at = NOW()
		RETURNING active, verified, created_at, updated_at`,
		a.ID, a.Email, a.Phone, a.FullName, a.Role,
	).Scan(&a.Active, &a.Verified, &a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+accountFrom+` WHERE a.id = $1`, id))
}

func (r *repoPG) FindDuplicates(ctx context.Context, q DuplicateQuery) ([]Account, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		(SELECT `+accountCols+accountFrom+`
		 WHERE a.id <> $1
		   AND (lower(a.email) = lower($2)
		        OR ($3 <> '' AND right(regexp_replace(a.phone, '[^0-9]', '', 'g'), 10) = $3)
		        OR ($4 <> '' AND p.license_number = $4)))
		UNION
		(SELECT `+accountCols+accountFrom+`
		 WHERE a.id <> $1 AND a.role = 'doctor'
		 ORDER BY a.created_at DESC
		 LIMIT $5)`,
		q.ExcludeUserID, q.Email, PhoneKey(q.Phone), q.LicenseNumber, q.NameLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *repoPG) Activate(ctx context.Context, userID uuid.UUID, p *DoctorProfile) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE accounts SET active = TRUE, verified = TRUE, role = 'doctor', updated_at = NOW()
			WHERE id = $1`, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return r.conn(ctx).QueryRow(ctx, `
			INSERT INTO doctor_profiles (id, user_id, full_name, specialization, license_number,
				consultation_fee, city, available, avg_consultation_minutes, max_queue_size)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, TRUE, $8, $9)
			ON CONFLICT (user_id) DO UPDATE
			SET full_name = EXCLUDED.full_name, specialization = EXCLUDED.specialization,
				license_number = EXCLUDED.license_number, consultation_fee = EXCLUDED.consultation_fee,
				city = EXCLUDED.city, available = TRUE, updated_at = NOW()
			RETURNING id, created_at, updated_at`,
			p.ID, userID, p.FullName, p.Specialization, p.LicenseNumber,
			p.ConsultationFee.String(), p.City, p.AvgConsultationMinutes, p.MaxQueueSize,
		).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	})
}

func (r *repoPG) Deactivate(ctx context.Context, userID uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE accounts SET active = FALSE, updated_at = NOW() WHERE id = $1`, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = r.conn(ctx).Exec(ctx, `
			UPDATE doctor_profiles SET available = FALSE, updated_at = NOW() WHERE user_id = $1`, userID)
		return err
	})
}

func (r *repoPG) GetDoctor(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	var p DoctorProfile
	var fee string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, full_name, specialization, license_number, consultation_fee::text,
			city, available, avg_consultation_minutes, max_queue_size, created_at, updated_at
		FROM doctor_profiles WHERE id = $1`, doctorID,
	).Scan(&p.ID, &p.UserID, &p.FullName, &p.Specialization, &p.LicenseNumber, &fee,
		&p.City, &p.Available, &p.AvgConsultationMinutes, &p.MaxQueueSize, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.ConsultationFee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) SetDoctorAvailability(ctx context.Context, doctorID uuid.UUID, available bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctor_profiles SET available = $2, updated_at = NOW() WHERE id = $1`,
		doctorID, available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
