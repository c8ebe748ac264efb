package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/recordsync/internal/platform/record"
)

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *memAudit) Record(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func (m *memAudit) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type memAlert struct {
	mu     sync.Mutex
	alerts []Alert
}

func (m *memAlert) Notify(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

type countRecorder struct {
	dropped atomic.Int32
	failed  atomic.Int32
}

func (c *countRecorder) EventDropped()     { c.dropped.Add(1) }
func (c *countRecorder) SinkFailed(string) { c.failed.Add(1) }

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	audit := &memAudit{}
	alerts := &memAlert{}
	rec := &countRecorder{}
	d := NewDispatcher(DispatcherConfig{QueueSize: 16, Workers: 2}, zerolog.Nop(), rec,
		[]NamedAuditSink{{"mem", audit}, {"log", LogAuditSink{Logger: zerolog.Nop()}}},
		[]NamedAlertSink{{"mem", alerts}, {"log", LogAlertSink{Logger: zerolog.Nop()}}})
	d.Start(context.Background())

	ev := Audit("dr-1", "patient.create", record.KindPatient, "P-2025-000001", "created", nil, json.RawMessage(`{"a":1}`)).
		With(NewAlert("ops", "emr write failed", SeverityWarning, map[string]string{"id": "P-2025-000001"}))
	d.Emit(ev)
	d.Emit(Audit("dr-1", "order.execute", record.KindOrder, "O-2025-000001", "executed", nil, nil))

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2, audit.len())
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, SeverityWarning, alerts.alerts[0].Severity)
	assert.Equal(t, int32(0), rec.dropped.Load())
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	rec := &countRecorder{}
	d := NewDispatcher(DispatcherConfig{QueueSize: 1}, zerolog.Nop(), rec, nil, nil)

	d.Emit(Audit("a", "x", record.KindPatient, "1", "", nil, nil))
	d.Emit(Audit("a", "x", record.KindPatient, "2", "", nil, nil))
	assert.Equal(t, int32(1), rec.dropped.Load())

	require.NoError(t, d.Close(context.Background()))
	d.Emit(Audit("a", "x", record.KindPatient, "3", "", nil, nil))
	assert.Equal(t, int32(2), rec.dropped.Load(), "emits after close are dropped")
}

func TestDispatcher_SinkFailureIsCountedNotPropagated(t *testing.T) {
	audit := &memAudit{err: errors.New("disk full")}
	rec := &countRecorder{}
	d := NewDispatcher(DispatcherConfig{}, zerolog.Nop(), rec, []NamedAuditSink{{"mem", audit}}, nil)
	d.Start(context.Background())

	d.Emit(Audit("a", "x", record.KindPatient, "1", "", nil, nil))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1, audit.len())
	assert.Equal(t, int32(1), rec.failed.Load())
}

type panicSink struct{}

func (panicSink) Notify(context.Context, Alert) error { panic("boom") }

func TestDispatcher_SinkPanicIsContained(t *testing.T) {
	rec := &countRecorder{}
	d := NewDispatcher(DispatcherConfig{Workers: 1}, zerolog.Nop(), rec, nil, []NamedAlertSink{{"panic", panicSink{}}})
	d.Start(context.Background())
	d.Emit(NewAlert("ops", "x", SeverityInfo, nil))
	d.Emit(NewAlert("ops", "y", SeverityInfo, nil))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(2), rec.failed.Load())
}

type capturePut struct {
	mu   sync.Mutex
	reqs []*http.Request
	body []string
}

func (c *capturePut) RoundTrip(r *http.Request) (*http.Response, error) {
	data, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.reqs = append(c.reqs, r)
	c.body = append(c.body, string(data))
	c.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": []string{`"abc"`}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    r,
	}, nil
}

func TestS3AuditSink(t *testing.T) {
	rt := &capturePut{}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://audit.s3.local")
	})

	sink, err := NewS3AuditSink(client, S3Config{Bucket: "audit-bucket"})
	require.NoError(t, err)

	entry := AuditEntry{
		ID: "evt-1", Actor: "dr-1", Action: "patient.update", Kind: record.KindPatient,
		EntityID: "P-2025-000001", At: time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Record(context.Background(), entry))

	require.Len(t, rt.reqs, 1)
	assert.Equal(t, http.MethodPut, rt.reqs[0].Method)
	assert.Equal(t, "/audit-bucket/audit/2025/04/02/patient/P-2025-000001/evt-1.json", rt.reqs[0].URL.Path)
	assert.Contains(t, rt.body[0], `"action":"patient.update"`)

	_, err = NewS3AuditSink(client, S3Config{})
	assert.Error(t, err)
}
