package emr

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

// Call is one recorded Fake invocation.
type Call struct {
	Op      string
	Kind    record.Kind
	Ref     string
	LocalID string
	Changes Changes
}

// Fake is an in-memory Adapter for development and tests. Failures can be
// queued per operation.
type Fake struct {
	mu         sync.Mutex
	seq        int
	resources  map[string]Resource
	calls      []Call
	createErrs []error
	updateErrs []error
	healthErr  error
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{resources: make(map[string]Resource)}
}

// FailNextCreate makes the next Create return err.
func (f *Fake) FailNextCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErrs = append(f.createErrs, err)
}

// FailNextUpdate makes the next Update return err.
func (f *Fake) FailNextUpdate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErrs = append(f.updateErrs, err)
}

// SetHealth sets the error Health returns.
func (f *Fake) SetHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Resource returns the stored resource behind ref.
func (f *Fake) Resource(ref string) (Resource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[ref]
	return r, ok
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (f *Fake) Create(_ context.Context, kind record.Kind, localID string, res Resource) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "create", Kind: kind, LocalID: localID})
	if err := pop(&f.createErrs); err != nil {
		return "", err
	}
	rt, ok := ResourceType(kind)
	if !ok {
		return "", rejectUnknownKind(kind)
	}
	f.seq++
	ref := fmt.Sprintf("%s-%d", rt, f.seq)
	stored := WithIdentifier(res, rt, localID)
	stored["id"] = ref
	f.resources[ref] = stored
	return ref, nil
}

func (f *Fake) Update(_ context.Context, kind record.Kind, ref string, changes Changes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "update", Kind: kind, Ref: ref, Changes: changes})
	if err := pop(&f.updateErrs); err != nil {
		return err
	}
	res, ok := f.resources[ref]
	if !ok {
		return apperr.Rejection(apperr.StoreExternal, fmt.Sprintf("%s not found", ref))
	}
	MergePatient(res, changes)
	return nil
}

func (f *Fake) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}
