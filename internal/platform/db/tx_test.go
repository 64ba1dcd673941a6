package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Empty(t *testing.T) {
	if TxFromContext(context.Background()) != nil {
		t.Error("expected no transaction on a bare context")
	}
}

func TestAdvisoryXactLock_RequiresTx(t *testing.T) {
	if err := AdvisoryXactLock(context.Background(), "doctor:1"); err == nil {
		t.Error("expected error outside a transaction")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "verification_records_user_id_key"}
	exclusion := &pgconn.PgError{Code: "23P01", ConstraintName: "queue_waiting_position_excl"}
	other := &pgconn.PgError{Code: "23503", ConstraintName: "fk"}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"unique any", unique, "", true},
		{"unique named", unique, "verification_records_user_id_key", true},
		{"unique other name", unique, "other", false},
		{"wrapped", fmt.Errorf("insert: %w", unique), "", true},
		{"exclusion", exclusion, "queue_waiting_position_excl", true},
		{"foreign key", other, "", false},
		{"plain error", errors.New("boom"), "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}
