package emr

import "strings"

// Fields the EMR owns on a Patient.
const (
	FieldPhone   = "phone"
	FieldEmail   = "email"
	FieldAddress = "address"
)

// SupportedChanges lists the fields Update can write, per resource type.
var SupportedChanges = map[string][]string{
	"Patient": {FieldPhone, FieldEmail, FieldAddress},
}

func supports(resourceType, field string) bool {
	for _, f := range SupportedChanges[resourceType] {
		if f == field {
			return true
		}
	}
	return false
}

// MergePatient writes changes into a FHIR Patient in place: phone and email
// update the matching telecom entry (or append one) and address replaces the
// text of the first address.
func MergePatient(res Resource, changes Changes) Resource {
	if v, ok := changes[FieldPhone]; ok {
		setTelecom(res, "phone", "mobile", v)
	}
	if v, ok := changes[FieldEmail]; ok {
		setTelecom(res, "email", "home", v)
	}
	if v, ok := changes[FieldAddress]; ok {
		addrs, _ := res["address"].([]interface{})
		if len(addrs) > 0 {
			if first, ok := addrs[0].(map[string]interface{}); ok {
				first["text"] = v
				return res
			}
		}
		res["address"] = append(addrs, map[string]interface{}{
			"use":  "home",
			"type": "physical",
			"text": v,
		})
	}
	return res
}

func setTelecom(res Resource, system, use, value string) {
	telecom, _ := res["telecom"].([]interface{})
	for _, t := range telecom {
		entry, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		if s, _ := entry["system"].(string); strings.EqualFold(s, system) {
			entry["value"] = value
			res["telecom"] = telecom
			return
		}
	}
	res["telecom"] = append(telecom, map[string]interface{}{
		"system": system,
		"value":  value,
		"use":    use,
	})
}

// WithIdentifier returns a copy of res carrying localID as a business
// identifier. An empty localID adds none.
func WithIdentifier(res Resource, resourceType, localID string) Resource {
	out := make(Resource, len(res)+2)
	for k, v := range res {
		out[k] = v
	}
	out["resourceType"] = resourceType
	if localID == "" {
		return out
	}
	ids, _ := out["identifier"].([]interface{})
	out["identifier"] = append(append([]interface{}(nil), ids...), map[string]interface{}{
		"system": IdentifierSystem,
		"value":  localID,
	})
	return out
}
