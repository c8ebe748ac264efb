// Package coordinator orchestrates writes that span the local record store
// and the external system of record.
package coordinator

import (
	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

// Status of one store in a dual write.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// StoreOutcome is the result of the attempt against one store.
type StoreOutcome struct {
	Status    Status      `json:"status"`
	ErrorCode apperr.Kind `json:"error_code,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// OutcomeLink is the outcome entry added when both stores accepted a create
// but the external reference could not be saved on the local row.
const OutcomeLink = "link"

// Outcome maps a store name (apperr.StoreLocal, apperr.StoreExternal) to its
// result. It is returned only after every store has been attempted once.
type Outcome map[string]StoreOutcome

func newOutcome() Outcome {
	return Outcome{
		apperr.StoreLocal:    {Status: StatusPending},
		apperr.StoreExternal: {Status: StatusPending},
	}
}

func (o Outcome) succeed(store string) {
	o[store] = StoreOutcome{Status: StatusSuccess}
}

func (o Outcome) fail(store string, err error) {
	o[store] = StoreOutcome{Status: StatusFailure, ErrorCode: apperr.KindOf(err), Detail: err.Error()}
}

// Succeeded reports whether store accepted the write.
func (o Outcome) Succeeded(store string) bool {
	return o[store].Status == StatusSuccess
}

// Partial reports whether exactly one store accepted the write, or both did
// without being linked.
func (o Outcome) Partial() bool {
	if o[OutcomeLink].Status == StatusFailure {
		return true
	}
	return o.Succeeded(apperr.StoreLocal) != o.Succeeded(apperr.StoreExternal)
}

// Observer receives coordinator results. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveDualWrite(kind record.Kind, store, result string)
	ObserveWriteThrough(kind record.Kind, result apperr.Kind)
}

type nopObserver struct{}

func (nopObserver) ObserveDualWrite(record.Kind, string, string) {}
func (nopObserver) ObserveWriteThrough(record.Kind, apperr.Kind) {}
