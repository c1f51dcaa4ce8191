package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"ridecore/internal/domain"
	"ridecore/internal/service"
)

// Assigner binds a driver to a trip.
type Assigner interface {
	Assign(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error)
}

// Deduper remembers handled messages. FirstSeen reports whether key is new.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type outcome int

const (
	ack outcome = iota
	requeue
	reject
)

// AssignmentConsumer applies driver.assigned events from the matcher.
type AssignmentConsumer struct {
	assigner Assigner
	dedupe   Deduper
	logger   *slog.Logger
}

// NewAssignmentConsumer creates a new AssignmentConsumer. dedupe may be nil.
func NewAssignmentConsumer(assigner Assigner, dedupe Deduper, logger *slog.Logger) *AssignmentConsumer {
	return &AssignmentConsumer{assigner: assigner, dedupe: dedupe, logger: logger}
}

// Run handles deliveries until the channel closes or ctx is done.
func (c *AssignmentConsumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("assignment deliveries channel closed")
			}
			var err error
			switch c.handle(ctx, d.Body) {
			case ack:
				err = d.Ack(false)
			case requeue:
				err = d.Nack(false, true)
			case reject:
				err = d.Nack(false, false)
			}
			if err != nil {
				c.logger.Error("failed to settle delivery", "message_id", d.MessageId, "error", err)
			}
		}
	}
}

// handle applies one message and decides how to settle it. Failures that a
// retry cannot fix are acknowledged; collaborator outages are requeued.
func (c *AssignmentConsumer) handle(ctx context.Context, body []byte) outcome {
	var event domain.Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("malformed event", "error", err)
		return reject
	}
	if event.Type != domain.EventDriverAssigned {
		c.logger.Warn("unexpected event type", "event_type", event.Type, "event_id", event.ID)
		return reject
	}

	var payload domain.DriverAssigned
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		c.logger.Error("malformed driver.assigned payload", "event_id", event.ID, "error", err)
		return reject
	}

	key := event.DedupKey()
	logger := c.logger.With("trip_id", payload.TripID, "driver_id", payload.DriverID, "event_id", event.ID)

	if c.dedupe != nil {
		first, err := c.dedupe.FirstSeen(ctx, key)
		if err != nil {
			logger.Warn("dedupe check failed, processing anyway", "error", err)
		} else if !first {
			logger.Debug("duplicate assignment skipped")
			return ack
		}
	}

	_, err := c.assigner.Assign(ctx, payload.DriverID, payload.TripID)
	switch {
	case err == nil:
		logger.Info("driver assigned")
		return ack
	case errors.Is(err, service.ErrEventNotPublished):
		logger.Warn("driver assigned, event not queued", "error", err)
		return ack
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrPermission):
		logger.Warn("assignment rejected", "error", err)
		return ack
	default:
		logger.Error("assignment failed, requeueing", "error", err)
		if c.dedupe != nil {
			if ferr := c.dedupe.Forget(ctx, key); ferr != nil {
				logger.Warn("failed to clear dedupe key", "error", ferr)
			}
		}
		return requeue
	}
}
