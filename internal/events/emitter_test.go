package events

import (
	"context"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-groupbuy-orders/internal/kafka"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

type published struct {
	topic   string
	key     string
	value   []byte
	headers []kafkago.Header
}

type fakePublisher struct {
	out    []published
	closed bool
}

func (f *fakePublisher) Publish(topic string, key, value []byte, headers ...kafkago.Header) bool {
	if f.closed {
		return false
	}
	f.out = append(f.out, published{topic: topic, key: string(key), value: value, headers: headers})
	return true
}

func TestEmitRoutesByEventType(t *testing.T) {
	pub := &fakePublisher{}
	e := New(pub, "groupbuy-engine", logger.Nop())
	e.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("EAT", 3*3600)) }

	ctx := WithTrace(context.Background(), "trace-1")
	e.Emit(ctx, orders.EventBatchReached, "batch-1", orders.BatchPayload{BatchID: "batch-1", Status: orders.BatchReached})
	e.Emit(ctx, orders.EventPaymentReviewed, "order-9", orders.PaymentPayload{PaymentID: "p1"})

	if len(pub.out) != 2 {
		t.Fatalf("published %d", len(pub.out))
	}
	first := pub.out[0]
	if first.topic != orders.TopicBatches || first.key != "batch-1" {
		t.Fatalf("first = %s/%s", first.topic, first.key)
	}
	if pub.out[1].topic != orders.TopicPayments || pub.out[1].key != "order-9" {
		t.Fatalf("second = %s/%s", pub.out[1].topic, pub.out[1].key)
	}

	env, err := kafkax.UnmarshalEnvelope(first.value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.EventType != orders.EventBatchReached || env.EventVersion != 1 || env.Producer != "groupbuy-engine" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.TraceID != "trace-1" || env.CorrelationID != "batch-1" || env.EventID == "" {
		t.Fatalf("envelope ids = %+v", env)
	}
	if env.OccurredAt.Location() != time.UTC || env.OccurredAt.Hour() != 9 {
		t.Fatalf("occurred_at = %v", env.OccurredAt)
	}
	p, err := kafkax.UnwrapPayload[orders.BatchPayload](env.Payload)
	if err != nil || p.Status != orders.BatchReached {
		t.Fatalf("payload = %+v, %v", p, err)
	}
	if string(first.headers[0].Value) != orders.EventBatchReached {
		t.Fatalf("headers = %v", first.headers)
	}
}

func TestEmitAfterCloseDoesNotPanic(t *testing.T) {
	pub := &fakePublisher{closed: true}
	New(pub, "svc", logger.Nop()).Emit(context.Background(), orders.EventOrderPlaced, "o1", struct{}{})
	if len(pub.out) != 0 {
		t.Fatal("published after close")
	}
}
