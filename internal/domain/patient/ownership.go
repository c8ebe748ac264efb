package patient

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ehr/recordsync/internal/platform/emr"
)

//go:embed ownership.yaml
var ownershipYAML []byte

// Owner says which store is authoritative for a patchable field.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerEMR
	OwnerLocal
)

// Ownership partitions the patchable patient fields.
type Ownership struct {
	EMROwned  []string `yaml:"emr_owned"`
	LocalOnly []string `yaml:"local_only"`

	owners map[string]Owner
}

// LoadOwnership parses an ownership document. Every field must be patchable,
// listed once, and EMR-owned fields must be writable by the EMR adapter.
func LoadOwnership(data []byte) (*Ownership, error) {
	var o Ownership
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse ownership: %w", err)
	}
	o.owners = make(map[string]Owner, len(o.EMROwned)+len(o.LocalOnly))
	for _, f := range o.EMROwned {
		if err := o.claim(f, OwnerEMR); err != nil {
			return nil, err
		}
		if !emrWritable(f) {
			return nil, fmt.Errorf("ownership: field %q cannot be written to the EMR", f)
		}
	}
	for _, f := range o.LocalOnly {
		if err := o.claim(f, OwnerLocal); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func (o *Ownership) claim(field string, owner Owner) error {
	if !patchable[field] {
		return fmt.Errorf("ownership: unknown patient field %q", field)
	}
	if _, dup := o.owners[field]; dup {
		return fmt.Errorf("ownership: field %q listed twice", field)
	}
	o.owners[field] = owner
	return nil
}

// Owner returns the owner of field, or OwnerNone if it cannot be patched.
func (o *Ownership) Owner(field string) Owner {
	return o.owners[field]
}

func emrWritable(field string) bool {
	for _, f := range emr.SupportedChanges["Patient"] {
		if f == field {
			return true
		}
	}
	return false
}

// DefaultOwnership returns the embedded policy.
func DefaultOwnership() *Ownership {
	o, err := LoadOwnership(ownershipYAML)
	if err != nil {
		panic(err)
	}
	return o
}
