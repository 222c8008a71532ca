package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-groupbuy-orders/internal/kafka"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/metrics"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

const eventVersion = 1

type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header) bool
}

type traceKey struct{}

// WithTrace attaches a trace id that ends up on every envelope emitted under ctx.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func traceFrom(ctx context.Context) string {
	s, _ := ctx.Value(traceKey{}).(string)
	return s
}

// Emitter wraps domain events in the v1 envelope and routes them by event type. The
// correlation id doubles as the partition key.
type Emitter struct {
	Pub      Publisher
	Producer string
	Log      *logger.Logger
	Now      func() time.Time
}

var _ orders.Emitter = (*Emitter)(nil)

func New(pub Publisher, producer string, log *logger.Logger) *Emitter {
	return &Emitter{Pub: pub, Producer: producer, Log: log, Now: time.Now}
}

func (e *Emitter) Envelope(ctx context.Context, eventType, correlationID string, payload any) (orders.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return orders.Envelope{}, err
	}
	return orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    e.Now().UTC(),
		Producer:      e.Producer,
		TraceID:       traceFrom(ctx),
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

func (e *Emitter) Emit(ctx context.Context, eventType, correlationID string, payload any) {
	env, err := e.Envelope(ctx, eventType, correlationID, payload)
	if err != nil {
		e.Log.Error("encode event failed", "event_type", eventType, "correlation_id", correlationID, "error", err)
		metrics.RecordEvent(eventType, false)
		return
	}
	ok := e.Pub.Publish(orders.TopicFor(eventType), orders.PartitionKey(correlationID),
		kafkax.MustMarshal(env), kafkax.EnvelopeHeaders(env)...)
	if !ok {
		e.Log.Warn("event dropped, producer closed", "event_type", eventType, "correlation_id", correlationID)
	}
	metrics.RecordEvent(eventType, ok)
}
