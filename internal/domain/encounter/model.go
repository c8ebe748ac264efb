package encounter

import (
	"strings"
	"time"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

const (
	StatusScheduled  = "scheduled"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

var validStatuses = map[string]bool{
	StatusScheduled:  true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusCancelled:  true,
}

var validTypes = map[string]bool{
	"outpatient": true,
	"emergency":  true,
	"inpatient":  true,
	"discharge":  true,
}

// transitions lists the statuses reachable from each status. Completed and
// cancelled encounters are closed.
var transitions = map[string][]string{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func canTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry of an encounter's status history.
type StatusChange struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	By   string    `json:"by"`
	At   time.Time `json:"at"`
}

// Details is the payload stored in the record's fields.
type Details struct {
	DoctorID       string         `json:"doctor_id"`
	EncounterType  string         `json:"encounter_type"`
	Department     string         `json:"department"`
	ChiefComplaint string         `json:"chief_complaint,omitempty"`
	Diagnosis      string         `json:"diagnosis,omitempty"`
	Status         string         `json:"status"`
	EncounterDate  time.Time      `json:"encounter_date"`
	StatusHistory  []StatusChange `json:"status_history,omitempty"`
}

// Encounter is the API view of an encounter record.
type Encounter struct {
	ID        string `json:"id"`
	Version   int    `json:"version"`
	PatientID string `json:"patient_id"`
	Details
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateInput is the body of a create request.
type CreateInput struct {
	PatientID      string     `json:"patient_id"`
	DoctorID       string     `json:"doctor_id"`
	EncounterType  string     `json:"encounter_type"`
	Department     string     `json:"department"`
	ChiefComplaint string     `json:"chief_complaint"`
	EncounterDate  *time.Time `json:"encounter_date"`
}

func (in *CreateInput) validate() error {
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.Department = strings.TrimSpace(in.Department)
	if in.PatientID == "" {
		return apperr.Validation("patient_id is required")
	}
	if !validTypes[in.EncounterType] {
		return apperr.Validation("invalid encounter_type: %q", in.EncounterType)
	}
	if in.Department == "" {
		return apperr.Validation("department is required")
	}
	return nil
}

// StatusInput is the body of a status transition.
type StatusInput struct {
	Status    string `json:"status"`
	Diagnosis string `json:"diagnosis"`
	Version   int    `json:"version"`
}

// FromRecord builds the API view of rec.
func FromRecord(rec *record.Record) (*Encounter, error) {
	enc := &Encounter{
		ID:        rec.ID,
		Version:   rec.Version,
		PatientID: rec.Subject,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if err := rec.DecodeFields(&enc.Details); err != nil {
		return nil, apperr.Internal(err, "decode encounter %s", rec.ID)
	}
	return enc, nil
}
