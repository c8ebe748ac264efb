package patient

import (
	"encoding/json"
	"net/mail"
	"strings"
	"time"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/emr"
	"github.com/ehr/recordsync/internal/platform/record"
)

const dateLayout = "2006-01-02"

var validGenders = map[string]bool{
	"male":    true,
	"female":  true,
	"other":   true,
	"unknown": true,
}

var validBloodTypes = map[string]bool{
	"A+": true, "A-": true,
	"B+": true, "B-": true,
	"AB+": true, "AB-": true,
	"O+": true, "O-": true,
}

// patchable lists every field a PATCH may name.
var patchable = map[string]bool{
	"phone":             true,
	"email":             true,
	"address":           true,
	"blood_type":        true,
	"allergies":         true,
	"emergency_contact": true,
}

type EmergencyContact struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship,omitempty"`
	Phone        string `json:"phone"`
}

// Demographics is the payload stored in the record's fields.
type Demographics struct {
	FamilyName       string            `json:"family_name"`
	GivenName        string            `json:"given_name"`
	BirthDate        string            `json:"birth_date"`
	Gender           string            `json:"gender"`
	Phone            string            `json:"phone,omitempty"`
	Email            string            `json:"email,omitempty"`
	Address          string            `json:"address,omitempty"`
	EmergencyContact *EmergencyContact `json:"emergency_contact,omitempty"`
	Allergies        []string          `json:"allergies,omitempty"`
	BloodType        string            `json:"blood_type,omitempty"`
}

// Patient is the API view of a patient record.
type Patient struct {
	ID         string  `json:"id,omitempty"`
	Version    int     `json:"version"`
	ExternalID *string `json:"external_id,omitempty"`
	Demographics
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullName renders "<family> <given>".
func (d Demographics) FullName() string {
	return strings.TrimSpace(d.FamilyName + " " + d.GivenName)
}

// Validate checks a create payload. now bounds the birth date.
func (d *Demographics) Validate(now time.Time) error {
	d.FamilyName = strings.TrimSpace(d.FamilyName)
	d.GivenName = strings.TrimSpace(d.GivenName)
	if d.FamilyName == "" {
		return apperr.Validation("family_name is required")
	}
	if d.GivenName == "" {
		return apperr.Validation("given_name is required")
	}
	if d.BirthDate == "" {
		return apperr.Validation("birth_date is required")
	}
	bd, err := time.Parse(dateLayout, d.BirthDate)
	if err != nil {
		return apperr.Validation("birth_date must be YYYY-MM-DD")
	}
	if bd.After(now) {
		return apperr.Validation("birth_date is in the future")
	}
	if d.Gender == "" {
		d.Gender = "unknown"
	}
	if !validGenders[d.Gender] {
		return apperr.Validation("invalid gender: %s", d.Gender)
	}
	if d.Email != "" {
		if err := validateEmail(d.Email); err != nil {
			return err
		}
	}
	if d.BloodType != "" && !validBloodTypes[d.BloodType] {
		return apperr.Validation("invalid blood_type: %s", d.BloodType)
	}
	if d.EmergencyContact != nil {
		if err := d.EmergencyContact.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (ec *EmergencyContact) validate() error {
	if strings.TrimSpace(ec.Name) == "" || strings.TrimSpace(ec.Phone) == "" {
		return apperr.Validation("emergency_contact requires name and phone")
	}
	return nil
}

func validateEmail(s string) error {
	if _, err := mail.ParseAddress(s); err != nil {
		return apperr.Validation("invalid email: %s", s)
	}
	return nil
}

// set decodes raw into the named field.
func (d *Demographics) set(field string, raw json.RawMessage) error {
	switch field {
	case "phone", "email", "address":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return apperr.Validation("%s must be a string", field)
		}
		s = strings.TrimSpace(s)
		switch field {
		case "phone":
			d.Phone = s
		case "email":
			if s != "" {
				if err := validateEmail(s); err != nil {
					return err
				}
			}
			d.Email = s
		default:
			d.Address = s
		}
	case "blood_type":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return apperr.Validation("blood_type must be a string")
		}
		if s != "" && !validBloodTypes[s] {
			return apperr.Validation("invalid blood_type: %s", s)
		}
		d.BloodType = s
	case "allergies":
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return apperr.Validation("allergies must be a list of strings")
		}
		d.Allergies = list
	case "emergency_contact":
		if string(raw) == "null" {
			d.EmergencyContact = nil
			return nil
		}
		var ec EmergencyContact
		if err := json.Unmarshal(raw, &ec); err != nil {
			return apperr.Validation("emergency_contact must be an object")
		}
		if err := ec.validate(); err != nil {
			return err
		}
		d.EmergencyContact = &ec
	default:
		return apperr.Validation("field %q cannot be patched", field)
	}
	return nil
}

// FromRecord builds the API view of rec.
func FromRecord(rec *record.Record) (*Patient, error) {
	p := &Patient{
		ID:         rec.ID,
		Version:    rec.Version,
		ExternalID: rec.ExternalID,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if err := rec.DecodeFields(&p.Demographics); err != nil {
		return nil, apperr.Internal(err, "decode patient %s", rec.ID)
	}
	return p, nil
}

// ToFHIR renders the demographics as a FHIR R4 Patient.
func (d Demographics) ToFHIR() emr.Resource {
	res := emr.Resource{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{
				"use":    "official",
				"family": d.FamilyName,
				"given":  []interface{}{d.GivenName},
			},
		},
		"birthDate": d.BirthDate,
		"gender":    d.Gender,
	}
	changes := emr.Changes{}
	if d.Phone != "" {
		changes[emr.FieldPhone] = d.Phone
	}
	if d.Email != "" {
		changes[emr.FieldEmail] = d.Email
	}
	if d.Address != "" {
		changes[emr.FieldAddress] = d.Address
	}
	return emr.MergePatient(res, changes)
}
