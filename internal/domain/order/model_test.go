package order

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/recordsync/internal/platform/apperr"
)

func atorvastatin() Item {
	return Item{
		DrugCode:  "642100110",
		DrugName:  "Atorvastatin 20mg",
		Dosage:    "1 tab",
		Frequency: "once daily",
		Duration:  "7 days",
		Route:     "oral",
	}
}

func TestCreateInput_Validate(t *testing.T) {
	tests := []struct {
		name string
		in   CreateInput
		ok   bool
	}{
		{"medication", CreateInput{PatientID: "P-1", OrderType: TypeMedication, Items: []Item{atorvastatin()}}, true},
		{"lab without items", CreateInput{PatientID: "P-1", OrderType: TypeLab}, true},
		{"no patient", CreateInput{OrderType: TypeLab}, false},
		{"bad type", CreateInput{PatientID: "P-1", OrderType: "diet"}, false},
		{"bad urgency", CreateInput{PatientID: "P-1", OrderType: TypeLab, Urgency: "asap"}, false},
		{"medication without items", CreateInput{PatientID: "P-1", OrderType: TypeMedication}, false},
		{"item without name", CreateInput{PatientID: "P-1", OrderType: TypeLab, Items: []Item{{}}}, false},
		{"medication item without regimen", CreateInput{PatientID: "P-1", OrderType: TypeMedication, Items: []Item{{DrugName: "x"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestCreateInput_Defaults(t *testing.T) {
	in := CreateInput{PatientID: "P-1", OrderType: TypeRadiology}
	require.NoError(t, in.validate())
	assert.Equal(t, UrgencyRoutine, in.Urgency)
	assert.Equal(t, "Radiology", in.Department)
}

func TestNumberItems(t *testing.T) {
	items := []Item{{DrugName: "a"}, {DrugName: "b", ItemID: "client-supplied"}}
	got := numberItems("O-2025-000007", items)
	assert.Equal(t, "OI-O-2025-000007-001", got[0].ItemID)
	assert.Equal(t, "OI-O-2025-000007-002", got[1].ItemID)
	assert.Equal(t, "client-supplied", items[1].ItemID, "input is not modified")

	assert.Empty(t, numberItems("", items)[1].ItemID)
}

func TestDetails_ToFHIR(t *testing.T) {
	d := Details{
		EncounterID: "E-2025-000003",
		OrderedBy:   "dr-lee",
		OrderType:   TypeMedication,
		Urgency:     UrgencyStat,
		Status:      StatusPending,
		Notes:       "after meals",
		OrderedAt:   time.Date(2025, 5, 20, 8, 30, 0, 0, time.UTC),
		Items:       numberItems("O-2025-000001", []Item{atorvastatin()}),
	}
	data, err := json.MarshalIndent(d.ToFHIR("P-2025-000001"), "", "  ")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "service_request", append(data, '\n'))
}
