package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ridecore/internal/domain"
	"ridecore/internal/metrics"
	"ridecore/internal/service"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event dispatcher is closed")

// Sender delivers one event to its destination.
type Sender interface {
	Send(ctx context.Context, event domain.Event) error
}

// Dispatcher decouples event publication from request handling. Publish only
// queues; one worker delivers in order and retries with capped exponential
// backoff until the sender succeeds or the dispatcher is shut down.
type Dispatcher struct {
	sender  Sender
	queue   chan domain.Event
	logger  *slog.Logger
	metrics *metrics.Metrics

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBackoff sets the retry delays.
func WithBackoff(initial, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.initialBackoff = initial
		d.maxBackoff = max
	}
}

// WithDispatcherMetrics records delivery outcomes on m.
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a Dispatcher with a buffer of size events and starts its worker.
func NewDispatcher(sender Sender, size int, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender:         sender,
		queue:          make(chan domain.Event, size),
		logger:         logger,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     5 * time.Second,
		stopping:       make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.run()
	return d
}

// Publish queues event for delivery without waiting for the broker. When the
// buffer is full it waits for room until ctx ends or Close is called.
func (d *Dispatcher) Publish(ctx context.Context, event domain.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		return nil
	case <-ctx.Done():
		d.metrics.EventPublished(string(event.Type), "dropped")
		return ctx.Err()
	case <-d.stopping:
		d.metrics.EventPublished(string(event.Type), "dropped")
		return ErrClosed
	}
}

// Close stops accepting events and waits for the queue to drain. If ctx ends
// first, pending events are dropped and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	// Wake publishers waiting for room so the write lock can be taken.
	d.stopOnce.Do(func() { close(d.stopping) })

	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event domain.Event) {
	start := time.Now()
	backoff := d.initialBackoff

	for attempt := 1; ; attempt++ {
		err := d.sender.Send(d.ctx, event)
		if err == nil {
			d.metrics.EventPublished(string(event.Type), "ok")
			d.metrics.EventDelivered(string(event.Type), start)
			return
		}

		if d.ctx.Err() != nil {
			d.drop(event, err)
			return
		}

		d.logger.Warn("event delivery failed, retrying",
			"event_id", event.ID,
			"event_type", event.Type,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		d.metrics.EventPublished(string(event.Type), "retry")

		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.drop(event, err)
			return
		}
		backoff = min(backoff*2, d.maxBackoff)
	}
}

func (d *Dispatcher) drop(event domain.Event, err error) {
	d.logger.Error("event dropped at shutdown",
		"event_id", event.ID,
		"event_type", event.Type,
		"dedup_key", event.DedupKey(),
		"error", err,
	)
	d.metrics.EventPublished(string(event.Type), "dropped")
}

// LogSender writes events to the log instead of a broker. Used when no
// broker is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a new LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs event.
func (s *LogSender) Send(ctx context.Context, event domain.Event) error {
	s.logger.Info("event",
		"event_id", event.ID,
		"event_type", event.Type,
		"occurred_at", event.OccurredAt,
		"payload", string(event.Payload),
	)
	return nil
}

var (
	_ service.EventPublisher = (*Dispatcher)(nil)
	_ Sender                 = (*Broker)(nil)
	_ Sender                 = (*LogSender)(nil)
)
