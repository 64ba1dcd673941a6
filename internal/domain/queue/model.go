package queue

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusInConsultation Status = "in-consultation"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusNoShow         Status = "no-show"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInConsultation, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Active statuses hold the patient's single queue slot.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusInConsultation
}

// transitions never lead back to waiting. Once a consultation has started it
// can only complete.
var transitions = map[Status][]Status{
	StatusWaiting:        {StatusInConsultation, StatusCancelled, StatusNoShow},
	StatusInConsultation: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority is recorded at join time. It does not reorder the queue.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityUrgent || p == PriorityEmergency
}

type Entry struct {
	ID          uuid.UUID `json:"id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	DoctorName  string    `json:"doctor_name,omitempty"`
	PatientName string    `json:"patient_name,omitempty"`

	// Position is 1-based among the doctor's waiting entries and 0 otherwise.
	Position int      `json:"position"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	Notes    string   `json:"notes,omitempty"`

	EstimatedWaitMinutes  int        `json:"estimated_wait_minutes"`
	ActualWaitMinutes     *int       `json:"actual_wait_minutes,omitempty"`
	ConsultationStartTime *time.Time `json:"consultation_start_time,omitempty"`
	ConsultationEndTime   *time.Time `json:"consultation_end_time,omitempty"`

	Rating   *int   `json:"rating,omitempty"`
	Feedback string `json:"feedback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.ActualWaitMinutes != nil {
		v := *e.ActualWaitMinutes
		cp.ActualWaitMinutes = &v
	}
	if e.ConsultationStartTime != nil {
		v := *e.ConsultationStartTime
		cp.ConsultationStartTime = &v
	}
	if e.ConsultationEndTime != nil {
		v := *e.ConsultationEndTime
		cp.ConsultationEndTime = &v
	}
	if e.Rating != nil {
		v := *e.Rating
		cp.Rating = &v
	}
	return &cp
}

// Snapshot is the live view of one doctor's queue.
type Snapshot struct {
	DoctorID               uuid.UUID `json:"doctor_id"`
	DoctorName             string    `json:"doctor_name"`
	Available              bool      `json:"available"`
	AvgConsultationMinutes int       `json:"avg_consultation_minutes"`
	MaxQueueSize           int       `json:"max_queue_size"`
	InConsultation         *Entry    `json:"in_consultation,omitempty"`
	Waiting                []*Entry  `json:"waiting"`
	GeneratedAt            time.Time `json:"generated_at"`
}
