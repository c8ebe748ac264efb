// Package record holds the versioned entity cached locally for the system of
// record, and the RecordStore contract with its memory, SQLite and Postgres
// backends.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the entity type of a record.
type Kind string

const (
	KindPatient   Kind = "patient"
	KindEncounter Kind = "encounter"
	KindOrder     Kind = "order"
)

var kindPrefixes = map[Kind]string{
	KindPatient:   "P",
	KindEncounter: "E",
	KindOrder:     "O",
}

// Prefix returns the human-readable id prefix for the kind ("P", "E", "O").
func (k Kind) Prefix() string { return kindPrefixes[k] }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindPrefixes[k]
	return ok
}

// Record is a cached entity. Version starts at 1 and grows by exactly one per
// successful mutation. ExternalID stays nil until the system of record has
// acknowledged the entity.
type Record struct {
	Kind       Kind            `json:"kind"`
	ID         string          `json:"id"`
	Version    int             `json:"version"`
	ExternalID *string         `json:"external_id,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	Fields     json.RawMessage `json:"fields"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// New builds an unsaved version-1 record whose fields are the JSON encoding of v.
func New(kind Kind, id, subject string, v interface{}) (*Record, error) {
	r := &Record{Kind: kind, ID: id, Version: 1, Subject: subject}
	if err := r.EncodeFields(v); err != nil {
		return nil, err
	}
	return r, nil
}

// HasExternal reports whether the record has been linked to the system of record.
func (r *Record) HasExternal() bool {
	return r.ExternalID != nil && *r.ExternalID != ""
}

// DecodeFields unmarshals the payload into v.
func (r *Record) DecodeFields(v interface{}) error {
	if len(r.Fields) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Fields, v); err != nil {
		return fmt.Errorf("decode %s %s fields: %w", r.Kind, r.ID, err)
	}
	return nil
}

// EncodeFields replaces the payload with the JSON encoding of v.
func (r *Record) EncodeFields(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s fields: %w", r.Kind, err)
	}
	r.Fields = data
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	if r.ExternalID != nil {
		ext := *r.ExternalID
		cp.ExternalID = &ext
	}
	cp.Fields = append(json.RawMessage(nil), r.Fields...)
	return &cp
}

// Ref is the (kind, id) address of a record.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string { return string(r.Kind) + "/" + r.ID }

// Ref returns the record's address.
func (r *Record) Ref() Ref { return Ref{Kind: r.Kind, ID: r.ID} }
