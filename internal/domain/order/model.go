package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/emr"
	"github.com/ehr/recordsync/internal/platform/record"
	"github.com/ehr/recordsync/internal/platform/sequence"
)

const (
	TypeMedication = "medication"
	TypeLab        = "lab"
	TypeRadiology  = "radiology"
	TypeProcedure  = "procedure"

	UrgencyRoutine = "routine"
	UrgencyUrgent  = "urgent"
	UrgencyStat    = "stat"

	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// defaultDepartments receive the alerts of stat orders that name no
// department.
var defaultDepartments = map[string]string{
	TypeMedication: "Pharmacy",
	TypeLab:        "Laboratory",
	TypeRadiology:  "Radiology",
	TypeProcedure:  "Nursing",
}

var validUrgencies = map[string]bool{
	UrgencyRoutine: true,
	UrgencyUrgent:  true,
	UrgencyStat:    true,
}

// executable lists the statuses an order can be executed from.
var executable = map[string]bool{
	StatusPending:  true,
	StatusApproved: true,
}

// fhirStatus maps order statuses onto ServiceRequest.status.
var fhirStatus = map[string]string{
	StatusPending:    "draft",
	StatusApproved:   "active",
	StatusInProgress: "active",
	StatusCompleted:  "completed",
	StatusCancelled:  "revoked",
}

// Item is one line of an order. For medication orders it is a drug with its
// regimen; for other types DrugName names the test or procedure.
type Item struct {
	ItemID       string `json:"item_id,omitempty"`
	DrugCode     string `json:"drug_code,omitempty"`
	DrugName     string `json:"drug_name"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Route        string `json:"route,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Details is the payload stored in the record's fields. Items are embedded
// so they are written in the same insert as the order.
type Details struct {
	EncounterID string     `json:"encounter_id,omitempty"`
	OrderedBy   string     `json:"ordered_by"`
	OrderType   string     `json:"order_type"`
	Urgency     string     `json:"urgency"`
	Status      string     `json:"status"`
	Department  string     `json:"department"`
	Notes       string     `json:"notes,omitempty"`
	OrderedAt   time.Time  `json:"ordered_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	ExecutedBy  string     `json:"executed_by,omitempty"`
	Items       []Item     `json:"items"`
}

// Order is the API view of an order record.
type Order struct {
	ID         string  `json:"id,omitempty"`
	Version    int     `json:"version"`
	ExternalID *string `json:"external_id,omitempty"`
	PatientID  string  `json:"patient_id"`
	Details
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateInput is the body of a create request.
type CreateInput struct {
	PatientID   string `json:"patient_id"`
	EncounterID string `json:"encounter_id"`
	OrderType   string `json:"order_type"`
	Urgency     string `json:"urgency"`
	Department  string `json:"department"`
	Notes       string `json:"notes"`
	Items       []Item `json:"items"`
}

func (in *CreateInput) validate() error {
	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.PatientID == "" {
		return apperr.Validation("patient_id is required")
	}
	if _, ok := defaultDepartments[in.OrderType]; !ok {
		return apperr.Validation("invalid order_type: %q", in.OrderType)
	}
	if in.Urgency == "" {
		in.Urgency = UrgencyRoutine
	}
	if !validUrgencies[in.Urgency] {
		return apperr.Validation("invalid urgency: %q", in.Urgency)
	}
	if in.OrderType == TypeMedication && len(in.Items) == 0 {
		return apperr.Validation("a medication order needs at least one item")
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.DrugName) == "" {
			return apperr.Validation("items[%d]: drug_name is required", i)
		}
		if in.OrderType == TypeMedication && (it.Dosage == "" || it.Frequency == "" || it.Duration == "" || it.Route == "") {
			return apperr.Validation("items[%d]: dosage, frequency, duration and route are required", i)
		}
	}
	if in.Department == "" {
		in.Department = defaultDepartments[in.OrderType]
	}
	return nil
}

// numberItems assigns item ids scoped to orderID. Without an order id the
// items stay unnumbered.
func numberItems(orderID string, items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		it.ItemID = ""
		if orderID != "" {
			it.ItemID = sequence.ItemID(orderID, i+1)
		}
		out[i] = it
	}
	return out
}

// FromRecord builds the API view of rec.
func FromRecord(rec *record.Record) (*Order, error) {
	o := &Order{
		ID:         rec.ID,
		Version:    rec.Version,
		ExternalID: rec.ExternalID,
		PatientID:  rec.Subject,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if err := rec.DecodeFields(&o.Details); err != nil {
		return nil, apperr.Internal(err, "decode order %s", rec.ID)
	}
	return o, nil
}

func localReference(kind record.Kind, id string) map[string]interface{} {
	rt, _ := emr.ResourceType(kind)
	return map[string]interface{}{
		"type": rt,
		"identifier": map[string]interface{}{
			"system": emr.IdentifierSystem,
			"value":  id,
		},
	}
}

// ToFHIR renders the order as a FHIR R4 ServiceRequest. The patient and
// encounter are referenced by their local ids.
func (d Details) ToFHIR(patientID string) emr.Resource {
	res := emr.Resource{
		"resourceType": "ServiceRequest",
		"status":       fhirStatus[d.Status],
		"intent":       "order",
		"priority":     d.Urgency,
		"category": []interface{}{
			map[string]interface{}{"text": d.OrderType},
		},
		"subject":    localReference(record.KindPatient, patientID),
		"requester":  map[string]interface{}{"display": d.OrderedBy},
		"authoredOn": d.OrderedAt.UTC().Format(time.RFC3339),
	}
	if d.EncounterID != "" {
		res["encounter"] = localReference(record.KindEncounter, d.EncounterID)
	}
	if d.Notes != "" {
		res["note"] = []interface{}{map[string]interface{}{"text": d.Notes}}
	}
	if len(d.Items) > 0 {
		details := make([]interface{}, 0, len(d.Items))
		for _, it := range d.Items {
			details = append(details, map[string]interface{}{"text": it.describe()})
		}
		res["orderDetail"] = details
		if len(d.Items) == 1 {
			res["code"] = map[string]interface{}{"text": d.Items[0].DrugName}
		}
	}
	return res
}

func (it Item) describe() string {
	parts := []string{it.DrugName}
	for _, p := range []string{it.Dosage, it.Frequency, it.Duration, it.Route} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	s := strings.Join(parts, " ")
	if it.DrugCode != "" {
		s = fmt.Sprintf("%s [%s]", s, it.DrugCode)
	}
	return s
}
