package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Recorder counts delivery problems. *metrics.Metrics satisfies it.
type Recorder interface {
	EventDropped()
	SinkFailed(sink string)
}

// NamedAuditSink pairs a sink with the label used in logs and metrics.
type NamedAuditSink struct {
	Name string
	Sink AuditSink
}

// NamedAlertSink pairs a sink with the label used in logs and metrics.
type NamedAlertSink struct {
	Name string
	Sink AlertSink
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize      int
	Workers        int
	DeliverTimeout time.Duration
}

// Dispatcher fans queued events out to every sink from a fixed pool of
// workers.
type Dispatcher struct {
	queue    chan Event
	audits   []NamedAuditSink
	alerts   []NamedAlertSink
	logger   zerolog.Logger
	recorder Recorder
	cfg      DispatcherConfig

	mu      sync.RWMutex
	closed  bool
	group   *errgroup.Group
	started bool
}

// NewDispatcher creates a Dispatcher. recorder may be nil.
func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger, recorder Recorder, audits []NamedAuditSink, alerts []NamedAlertSink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 15 * time.Second
	}
	return &Dispatcher{
		queue:    make(chan Event, cfg.QueueSize),
		audits:   audits,
		alerts:   alerts,
		logger:   logger,
		recorder: recorder,
		cfg:      cfg,
	}
}

// Start launches the workers. They exit once Close has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.group, ctx = errgroup.WithContext(context.WithoutCancel(ctx))
	for i := 0; i < d.cfg.Workers; i++ {
		d.group.Go(func() error {
			for ev := range d.queue {
				d.deliver(ctx, ev)
			}
			return nil
		})
	}
}

// Emit queues ev. When the queue is full the event is dropped and counted.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ev, "dispatcher closed")
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.drop(ev, "queue full")
	}
}

func (d *Dispatcher) drop(ev Event, reason string) {
	l := d.logger.Warn().Str("reason", reason)
	if ev.Audit != nil {
		l = l.Str("audit_action", ev.Audit.Action).Str("entity_id", ev.Audit.EntityID)
	}
	if ev.Alert != nil {
		l = l.Str("alert_recipient", ev.Alert.Recipient)
	}
	l.Msg("event dropped")
	if d.recorder != nil {
		d.recorder.EventDropped()
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	group := d.group
	d.mu.Unlock()

	if group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	if ev.Audit != nil {
		for _, s := range d.audits {
			d.attempt(ctx, s.Name, func(ctx context.Context) error { return s.Sink.Record(ctx, *ev.Audit) })
		}
	}
	if ev.Alert != nil {
		for _, s := range d.alerts {
			d.attempt(ctx, s.Name, func(ctx context.Context) error { return s.Sink.Notify(ctx, *ev.Alert) })
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, sink string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliverTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("sink", sink).Interface("panic", r).Msg("event sink panicked")
			if d.recorder != nil {
				d.recorder.SinkFailed(sink)
			}
		}
	}()
	if err := fn(ctx); err != nil {
		d.logger.Error().Err(err).Str("sink", sink).Msg("event delivery failed")
		if d.recorder != nil {
			d.recorder.SinkFailed(sink)
		}
	}
}
