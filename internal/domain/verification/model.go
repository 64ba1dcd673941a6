package verification

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caregate/caregate/internal/domain/oracle"
	"github.com/caregate/caregate/internal/domain/risk"
)

type Status string

const (
	StatusPendingDocuments      Status = "pending_documents"
	StatusDocumentsUploaded     Status = "documents_uploaded"
	StatusAutomatedVerification Status = "automated_verification"
	StatusManualReview          Status = "manual_review"
	StatusApproved              Status = "approved"
	StatusRejected              Status = "rejected"
	StatusSuspended             Status = "suspended"
	StatusAppealPending         Status = "appeal_pending"
)

// transitions is the complete state graph. manual_review -> manual_review is
// the administrative hold.
var transitions = map[Status][]Status{
	StatusPendingDocuments:      {StatusDocumentsUploaded},
	StatusDocumentsUploaded:     {StatusAutomatedVerification},
	StatusAutomatedVerification: {StatusApproved, StatusManualReview},
	StatusManualReview:          {StatusApproved, StatusRejected, StatusPendingDocuments, StatusManualReview},
	StatusRejected:              {StatusAppealPending},
	StatusAppealPending:         {StatusManualReview, StatusRejected},
	StatusApproved:              {StatusSuspended},
	StatusSuspended:             nil,
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Timeline actions.
const (
	ActionRegistrationInitiated   = "registration_initiated"
	ActionDocumentsUploaded       = "documents_uploaded"
	ActionAutomatedStarted        = "automated_verification_started"
	ActionAutomatedApproved       = "automated_verification_approved"
	ActionAutomatedFlagged        = "automated_verification_flagged"
	ActionAutomatedFailed         = "automated_verification_failed"
	ActionAutomatedTimedOut       = "automated_verification_timed_out"
	ActionAdminApproved           = "admin_approved"
	ActionAdminRejected           = "admin_rejected"
	ActionAdminHold               = "admin_hold"
	ActionAdminRequestedDocuments = "admin_requested_documents"
	ActionAppealSubmitted         = "appeal_submitted"
	ActionAppealAccepted          = "appeal_accepted"
	ActionAppealDenied            = "appeal_denied"
	ActionSuspended               = "admin_suspended"

	// Notes that do not change status.
	ActionDocumentReviewed   = "document_reviewed"
	ActionAccountActivated   = "account_activated"
	ActionActivationFailed   = "activation_failed"
	ActionDeactivationFailed = "deactivation_failed"
	ActionRiskReassessed     = "risk_reassessed"
)

// ActorSystem identifies automated actions in the timeline.
const ActorSystem = "system"

type ActivationStatus string

const (
	ActivationNotStarted ActivationStatus = "not_started"
	ActivationActivated  ActivationStatus = "activated"
	ActivationFailed     ActivationStatus = "failed"
)

type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentVerified DocumentStatus = "verified"
	DocumentRejected DocumentStatus = "rejected"
)

type PersonalInfo struct {
	FullName    string  `json:"full_name" validate:"required,min=2,max=120"`
	Email       string  `json:"email" validate:"required,email"`
	Phone       string  `json:"phone" validate:"required,min=10,max=20"`
	DateOfBirth string  `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
	Gender      string  `json:"gender,omitempty"`
	City        string  `json:"city" validate:"required"`
	Latitude    float64 `json:"latitude,omitempty" validate:"min=-90,max=90"`
	Longitude   float64 `json:"longitude,omitempty" validate:"min=-180,max=180"`
}

type ProfessionalInfo struct {
	LicenseNumber   string          `json:"license_number" validate:"required"`
	Specialization  string          `json:"specialization" validate:"required"`
	Qualification   string          `json:"qualification,omitempty"`
	ExperienceYears int             `json:"experience_years" validate:"min=0,max=70"`
	ConsultationFee decimal.Decimal `json:"consultation_fee"`
	ClinicAddress   string          `json:"clinic_address,omitempty"`
}

type Document struct {
	ID          uuid.UUID      `json:"id"`
	Type        string         `json:"type"`
	StorageRef  string         `json:"storage_ref"`
	UploadedAt  time.Time      `json:"uploaded_at"`
	Status      DocumentStatus `json:"status"`
	ReviewedBy  string         `json:"reviewed_by,omitempty"`
	ReviewNotes string         `json:"review_notes,omitempty"`
	ReviewedAt  *time.Time     `json:"reviewed_at,omitempty"`
}

type AppealStatus string

const (
	AppealPending  AppealStatus = "pending"
	AppealAccepted AppealStatus = "accepted"
	AppealDenied   AppealStatus = "denied"
)

type Appeal struct {
	Reason              string       `json:"reason"`
	SupportingDocuments []string     `json:"supporting_documents,omitempty"`
	SubmittedAt         time.Time    `json:"submitted_at"`
	Status              AppealStatus `json:"status"`
	DecidedBy           string       `json:"decided_by,omitempty"`
	DecisionNotes       string       `json:"decision_notes,omitempty"`
	DecidedAt           *time.Time   `json:"decided_at,omitempty"`
}

type TimelineEntry struct {
	ID              int64                  `json:"id"`
	RecordID        uuid.UUID              `json:"record_id"`
	Action          string                 `json:"action"`
	ResultingStatus Status                 `json:"resulting_status"`
	Actor           string                 `json:"actor"`
	Notes           string                 `json:"notes,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Record is one doctor candidate's verification lifecycle.
type Record struct {
	ID                  uuid.UUID        `json:"id"`
	UserID              uuid.UUID        `json:"user_id"`
	DoctorID            *uuid.UUID       `json:"doctor_id,omitempty"`
	Status              Status           `json:"status"`
	PersonalInfo        PersonalInfo     `json:"personal_info"`
	ProfessionalInfo    ProfessionalInfo `json:"professional_info"`
	Documents           []Document       `json:"documents"`
	RequestedDocuments  []string         `json:"requested_documents,omitempty"`
	NMCVerification     *oracle.Result   `json:"nmc_verification,omitempty"`
	RiskAssessment      *risk.Assessment `json:"risk_assessment,omitempty"`
	Appeal              *Appeal          `json:"appeal,omitempty"`
	OnHold              bool             `json:"on_hold"`
	ActivationStatus    ActivationStatus `json:"activation_status"`
	NextAssessmentDueAt *time.Time       `json:"next_assessment_due_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`

	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// clone returns a deep enough copy for optimistic updates: slices and
// pointed-to sub-records are copied so that a failed save leaves the
// original untouched.
func (r *Record) clone() *Record {
	cp := *r
	cp.Documents = append([]Document(nil), r.Documents...)
	cp.RequestedDocuments = append([]string(nil), r.RequestedDocuments...)
	cp.Timeline = append([]TimelineEntry(nil), r.Timeline...)
	if r.DoctorID != nil {
		id := *r.DoctorID
		cp.DoctorID = &id
	}
	if r.Appeal != nil {
		a := *r.Appeal
		cp.Appeal = &a
	}
	if r.NextAssessmentDueAt != nil {
		t := *r.NextAssessmentDueAt
		cp.NextAssessmentDueAt = &t
	}
	return &cp
}

// documentTypes returns the set of document types on the record.
func (r *Record) documentTypes() map[string]bool {
	set := make(map[string]bool, len(r.Documents))
	for _, d := range r.Documents {
		set[d.Type] = true
	}
	return set
}

// candidate builds the risk engine's view of the record.
func (r *Record) candidate() *risk.Candidate {
	docs := make([]risk.Document, 0, len(r.Documents))
	for _, d := range r.Documents {
		docs = append(docs, risk.Document{Type: d.Type, Verified: d.Status == DocumentVerified})
	}
	c := &risk.Candidate{
		UserID:          r.UserID.String(),
		FullName:        r.PersonalInfo.FullName,
		Email:           r.PersonalInfo.Email,
		Phone:           r.PersonalInfo.Phone,
		DateOfBirth:     r.PersonalInfo.DateOfBirth,
		LicenseNumber:   r.ProfessionalInfo.LicenseNumber,
		Specialization:  r.ProfessionalInfo.Specialization,
		ExperienceYears: r.ProfessionalInfo.ExperienceYears,
		ConsultationFee: r.ProfessionalInfo.ConsultationFee,
		City:            r.PersonalInfo.City,
		Documents:       docs,
	}
	c.Location.Lat = r.PersonalInfo.Latitude
	c.Location.Lng = r.PersonalInfo.Longitude
	return c
}
