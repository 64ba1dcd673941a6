package account

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

type Account struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LicenseNumber is joined from the doctor profile when one exists.
	LicenseNumber string `json:"license_number,omitempty"`
}

// DoctorProfile is the queueable identity of an approved doctor. It is linked
// to its verification record by id only.
type DoctorProfile struct {
	ID                     uuid.UUID       `json:"id"`
	UserID                 uuid.UUID       `json:"user_id"`
	FullName               string          `json:"full_name"`
	Specialization         string          `json:"specialization"`
	LicenseNumber          string          `json:"license_number"`
	ConsultationFee        decimal.Decimal `json:"consultation_fee"`
	City                   string          `json:"city"`
	Available              bool            `json:"available"`
	AvgConsultationMinutes int             `json:"avg_consultation_minutes"`
	MaxQueueSize           int             `json:"max_queue_size"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// DuplicateQuery selects the accounts a new doctor candidate is compared
// against.
type DuplicateQuery struct {
	ExcludeUserID uuid.UUID
	Email         string
	Phone         string
	LicenseNumber string
	// NameLimit caps how many doctor accounts are returned for fuzzy name
	// comparison.
	NameLimit int
}

// PhoneKey reduces a phone number to its last ten digits so "+91 98123 45670"
// and "9812345670" compare equal. Numbers with fewer than ten digits have no
// key.
func PhoneKey(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if c := phone[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < 10 {
		return ""
	}
	return string(digits[len(digits)-10:])
}
