package emr

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contactChanges = Changes{
	FieldPhone:   "010-1234-5678",
	FieldEmail:   "minji@example.com",
	FieldAddress: "Seoul Gangnam-gu 1",
}

func assertGolden(t *testing.T, name string, res Resource) {
	t.Helper()
	data, err := json.MarshalIndent(res, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(data, '\n'))
}

func decode(t *testing.T, s string) Resource {
	t.Helper()
	var r Resource
	require.NoError(t, json.Unmarshal([]byte(s), &r))
	return r
}

func TestMergePatient_UpdatesExistingEntries(t *testing.T) {
	res := decode(t, `{
		"resourceType": "Patient",
		"id": "pat-1",
		"name": [{"family": "Kim", "given": ["Minji"]}],
		"telecom": [{"system": "phone", "value": "010-0000-0000", "use": "mobile"}],
		"address": [{"use": "home", "text": "old address"}]
	}`)
	assertGolden(t, "patient_merge_existing", MergePatient(res, contactChanges))
}

func TestMergePatient_AppendsMissingEntries(t *testing.T) {
	res := decode(t, `{"resourceType": "Patient", "id": "pat-2"}`)
	assertGolden(t, "patient_merge_empty", MergePatient(res, contactChanges))
}

func TestMergePatient_OnlyTouchesGivenFields(t *testing.T) {
	res := decode(t, `{"resourceType": "Patient", "telecom": [{"system": "email", "value": "a@b.c"}]}`)
	MergePatient(res, Changes{FieldPhone: "555"})
	telecom := res["telecom"].([]interface{})
	require.Len(t, telecom, 2)
	assert.Equal(t, "a@b.c", telecom[0].(map[string]interface{})["value"])
	_, hasAddress := res["address"]
	assert.False(t, hasAddress)
}

func TestWithIdentifier(t *testing.T) {
	in := Resource{"identifier": []interface{}{map[string]interface{}{"system": "mrn", "value": "1"}}}
	out := WithIdentifier(in, "Patient", "P-2025-000001")
	assert.Equal(t, "Patient", out["resourceType"])
	ids := out["identifier"].([]interface{})
	require.Len(t, ids, 2)
	assert.Equal(t, "P-2025-000001", ids[1].(map[string]interface{})["value"])
	assert.Len(t, in["identifier"].([]interface{}), 1, "input is not modified")
}
