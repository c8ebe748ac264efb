package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/concurrency"
	"github.com/ehr/recordsync/internal/platform/coordinator"
	"github.com/ehr/recordsync/internal/platform/emr"
	"github.com/ehr/recordsync/internal/platform/events"
	"github.com/ehr/recordsync/internal/platform/record"
	"github.com/ehr/recordsync/internal/platform/sequence"
)

const (
	testPatient   = "P-2025-000001"
	otherPatient  = "P-2025-000002"
	testEncounter = "E-2025-000001"
)

var testNow = time.Date(2025, 5, 20, 8, 30, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) alertsFor(recipient string) []events.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Alert
	for _, ev := range r.events {
		if ev.Alert != nil && ev.Alert.Recipient == recipient {
			out = append(out, *ev.Alert)
		}
	}
	return out
}

type fixture struct {
	svc     *Service
	adapter *emr.Fake
	emitter *recordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()
	store := record.NewMemoryStore(0)
	for _, seed := range []struct {
		kind    record.Kind
		id, sub string
	}{
		{record.KindPatient, testPatient, ""},
		{record.KindPatient, otherPatient, ""},
		{record.KindEncounter, testEncounter, testPatient},
	} {
		rec, err := record.New(seed.kind, seed.id, seed.sub, map[string]string{})
		require.NoError(t, err)
		require.NoError(t, store.Insert(ctx, rec))
	}

	adapter := emr.NewFake()
	emitter := &recordingEmitter{}
	guard := concurrency.NewGuard(store, logger, nil)
	dual := coordinator.NewDualWriter(sequence.NewAllocator(store, logger), store, adapter, emitter, nil, logger)
	svc := NewService(store, dual, guard, emitter, logger)
	svc.nowFunc = func() time.Time { return testNow }
	return &fixture{svc: svc, adapter: adapter, emitter: emitter}
}

func medicationOrder() CreateInput {
	return CreateInput{
		PatientID:   testPatient,
		EncounterID: testEncounter,
		OrderType:   TypeMedication,
		Items:       []Item{atorvastatin(), {DrugName: "Aspirin 100mg", Dosage: "1 tab", Frequency: "once daily", Duration: "30 days", Route: "oral"}},
	}
}

func TestService_Create(t *testing.T) {
	f := newFixture(t)
	o, outcome, err := f.svc.Create(context.Background(), "dr-lee", medicationOrder())
	require.NoError(t, err)
	assert.False(t, outcome.Partial())

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, "dr-lee", o.OrderedBy)
	assert.Equal(t, testPatient, o.PatientID)
	require.NotNil(t, o.ExternalID)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "OI-"+o.ID+"-001", o.Items[0].ItemID)
	assert.Equal(t, "OI-"+o.ID+"-002", o.Items[1].ItemID)

	res, ok := f.adapter.Resource(*o.ExternalID)
	require.True(t, ok)
	assert.Equal(t, "ServiceRequest", res["resourceType"])
	assert.Equal(t, "routine", res["priority"])
	assert.Empty(t, f.emitter.alertsFor("Pharmacy"), "routine orders raise no alert")

	stored, err := f.svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Items, stored.Items, "items are stored with the order")
}

func TestService_CreateStatAlertsDepartment(t *testing.T) {
	f := newFixture(t)
	in := CreateInput{PatientID: testPatient, OrderType: TypeLab, Urgency: UrgencyStat, Items: []Item{{DrugName: "CBC"}}}
	o, _, err := f.svc.Create(context.Background(), "dr-lee", in)
	require.NoError(t, err)

	alerts := f.emitter.alertsFor("Laboratory")
	require.Len(t, alerts, 1)
	assert.Equal(t, events.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, o.ID, alerts[0].Metadata["order_id"])
	assert.Contains(t, alerts[0].Message, "STAT lab order")
}

func TestService_CreateReferences(t *testing.T) {
	f := newFixture(t)
	tests := map[string]func(in *CreateInput){
		"unknown patient":         func(in *CreateInput) { in.PatientID = "P-2025-000404" },
		"unknown encounter":       func(in *CreateInput) { in.EncounterID = "E-2025-000404" },
		"another patient's visit": func(in *CreateInput) { in.PatientID = otherPatient },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			in := medicationOrder()
			mutate(&in)
			_, _, err := f.svc.Create(context.Background(), "dr-lee", in)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
	assert.Empty(t, f.adapter.Calls())
}

func TestService_CreateEMRUnavailable(t *testing.T) {
	f := newFixture(t)
	f.adapter.FailNextCreate(apperr.Unavailable(apperr.StoreExternal, assert.AnError))

	o, outcome, err := f.svc.Create(context.Background(), "dr-lee", medicationOrder())
	require.NoError(t, err)
	assert.True(t, outcome.Partial())
	assert.Nil(t, o.ExternalID)
	assert.NotEmpty(t, o.ID, "the local order exists")
	assert.Len(t, f.emitter.alertsFor(coordinator.OpsRecipient), 1)
}

func TestService_Execute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _, err := f.svc.Create(ctx, "dr-lee", medicationOrder())
	require.NoError(t, err)

	done, err := f.svc.Execute(ctx, "nurse-park", o.ID, "", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, done.Version)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "nurse-park", done.ExecutedBy)
	require.NotNil(t, done.ExecutedAt)
	assert.True(t, done.ExecutedAt.Equal(testNow))

	_, err = f.svc.Execute(ctx, "nurse-park", o.ID, "", 2)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "completed orders cannot run twice: %v", err)

	_, err = f.svc.Execute(ctx, "nurse-park", "O-2025-000404", "", 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestService_ExecuteRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _, err := f.svc.Create(ctx, "dr-lee", medicationOrder())
	require.NoError(t, err)

	// Bring the order to version 3 first.
	for v := 1; v <= 2; v++ {
		_, err := f.svc.guard.WithLock(ctx, record.KindOrder, o.ID, v, func(*record.Record) error { return nil })
		require.NoError(t, err)
	}

	start := make(chan struct{})
	results := make(chan error, 2)
	for _, nurse := range []string{"nurse-a", "nurse-b"} {
		go func(nurse string) {
			<-start
			_, err := f.svc.Execute(ctx, nurse, o.ID, "", 3)
			results <- err
		}(nurse)
	}
	close(start)

	var ok, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.KindConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	got, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Version)
}

func TestService_ListByPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.Create(ctx, "dr-lee", medicationOrder())
	require.NoError(t, err)
	_, _, err = f.svc.Create(ctx, "dr-lee", CreateInput{PatientID: otherPatient, OrderType: TypeRadiology})
	require.NoError(t, err)

	items, total, err := f.svc.ListByPatient(ctx, testPatient, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, TypeMedication, items[0].OrderType)
}
