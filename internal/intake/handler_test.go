package intake_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-groupbuy-orders/internal/enginetest"
	"github.com/ariefcatur/go-groupbuy-orders/internal/intake"
	kafkax "github.com/ariefcatur/go-groupbuy-orders/internal/kafka"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

type memDedup struct {
	mu      sync.Mutex
	seen    map[string]bool
	seenErr error
}

func (d *memDedup) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seenErr != nil {
		return false, d.seenErr
	}
	return d.seen[id], nil
}

func (d *memDedup) Mark(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = true
	return nil
}

func message(t *testing.T, eventID, eventType string, payload any) kafkago.Message {
	t.Helper()
	env := orders.Envelope{
		EventID:      eventID,
		EventType:    eventType,
		EventVersion: 1,
		Payload:      kafkax.MustMarshal(payload),
	}
	return kafkago.Message{Topic: orders.TopicFor(eventType), Value: kafkax.MustMarshal(env)}
}

func setup(t *testing.T) (*enginetest.Env, *intake.Handler, *memDedup, *orders.Order) {
	t.Helper()
	env := enginetest.New(orders.Product{ID: "p1", MinimumOrderQuantity: 5})
	res := env.Place(t, "+254700000001", enginetest.Item("p1", 1, "500"))
	d := &memDedup{seen: map[string]bool{}}
	h := &intake.Handler{Payments: env.Payments, Orders: env.Ledger, Batches: env.Closer, Dedup: d, Log: logger.Nop()}
	return env, h, d, res.Order
}

func TestSubmittedThenDecisionPaysOrder(t *testing.T) {
	env, h, d, o := setup(t)
	ctx := context.Background()

	sub := message(t, "evt-1", orders.EventPaymentSubmitted, orders.PaymentSubmittedPayload{
		OrderID: o.ID, Amount: enginetest.Dec("500"), Type: orders.PaymentProduct, Reference: "QK12", Method: "MPESA",
	})
	if err := h.Handle(ctx, sub); err != nil {
		t.Fatalf("submitted: %v", err)
	}
	// redelivery is a no-op
	if err := h.Handle(ctx, sub); err != nil {
		t.Fatalf("redelivered: %v", err)
	}
	pays := env.Store.Payments(o.ID)
	if len(pays) != 1 {
		t.Fatalf("payments = %d, want 1", len(pays))
	}
	if !d.seen["evt-1"] {
		t.Fatal("event not marked")
	}

	dec := message(t, "evt-2", orders.EventPaymentDecision, orders.PaymentDecisionPayload{
		PaymentID: pays[0].ID, Status: orders.PaymentVerified,
	})
	if err := h.Handle(ctx, dec); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if got := env.Order(t, o.ID); got.ProductPaymentStatus != orders.Paid {
		t.Fatalf("product payment = %s", got.ProductPaymentStatus)
	}
}

func TestBusinessRejectionsAreCommitted(t *testing.T) {
	_, h, d, o := setup(t)
	ctx := context.Background()

	bad := message(t, "evt-bad", orders.EventPaymentSubmitted, orders.PaymentSubmittedPayload{
		OrderID: o.ID, Amount: enginetest.Dec("-1"), Type: orders.PaymentProduct, Reference: "X",
	})
	if err := h.Handle(ctx, bad); err != nil {
		t.Fatalf("invalid input should be committed, got %v", err)
	}
	unknown := message(t, "evt-missing", orders.EventPaymentDecision, orders.PaymentDecisionPayload{
		PaymentID: "nope", Status: orders.PaymentVerified,
	})
	if err := h.Handle(ctx, unknown); err != nil {
		t.Fatalf("unknown payment should be committed, got %v", err)
	}
	if !d.seen["evt-bad"] || !d.seen["evt-missing"] {
		t.Fatalf("rejected events not marked: %v", d.seen)
	}
}

func TestMalformedAndForeignEventsAreSkipped(t *testing.T) {
	_, h, d, _ := setup(t)
	ctx := context.Background()

	if err := h.Handle(ctx, kafkago.Message{Value: []byte("{")}); err != nil {
		t.Fatalf("malformed: %v", err)
	}
	if err := h.Handle(ctx, message(t, "evt-x", orders.EventOrderPlaced, struct{}{})); err != nil {
		t.Fatalf("foreign: %v", err)
	}
	if d.seen["evt-x"] {
		t.Fatal("foreign event should not be marked")
	}
}

func TestDedupOutageStillProcesses(t *testing.T) {
	env, h, d, o := setup(t)
	d.seenErr = errors.New("redis down")

	sub := message(t, "evt-1", orders.EventPaymentSubmitted, orders.PaymentSubmittedPayload{
		OrderID: o.ID, Amount: enginetest.Dec("100"), Type: orders.PaymentProduct, Reference: "R1",
	})
	if err := h.Handle(context.Background(), sub); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := len(env.Store.Payments(o.ID)); n != 1 {
		t.Fatalf("payments = %d", n)
	}
}

func TestOperatorCommandsDriveBatchLifecycle(t *testing.T) {
	env, h, _, first := setup(t)
	ctx := context.Background()

	place := message(t, "cmd-1", orders.EventOrderRequested, orders.OrderRequestedPayload{
		CustomerName:  "Wanjiku",
		CustomerPhone: "+254700000002",
		Items:         []orders.LineItem{enginetest.Item("p1", 2, "500")},
		Deposit:       &orders.DepositPayload{Amount: enginetest.Dec("300"), Reference: "DEP1"},
	})
	if err := h.Handle(ctx, place); err != nil {
		t.Fatalf("place: %v", err)
	}
	if env.Store.OrderCount() != 2 {
		t.Fatalf("orders = %d", env.Store.OrderCount())
	}
	batches := env.Store.Batches("p1")
	if len(batches) != 1 || batches[0].OrdersCollected != 3 {
		t.Fatalf("batches = %+v", batches)
	}
	b := batches[0]

	// the second order is unpaid, so the close is rejected and committed
	closeCmd := message(t, "cmd-2", orders.EventBatchCloseRequested, orders.BatchCloseRequestedPayload{BatchID: b.ID})
	if err := h.Handle(ctx, closeCmd); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got, _ := env.Store.Batch(b.ID); !got.MOQStatus.Open() {
		t.Fatalf("batch closed with unpaid orders: %s", got.MOQStatus)
	}

	env.Pay(t, first.ID, orders.PaymentProduct, enginetest.Dec("500"))
	for _, o := range b.OrderIDs.Sorted() {
		if o != first.ID {
			env.Pay(t, o, orders.PaymentProduct, enginetest.Dec("1000"))
		}
	}
	closeCmd = message(t, "cmd-3", orders.EventBatchCloseRequested, orders.BatchCloseRequestedPayload{BatchID: b.ID})
	if err := h.Handle(ctx, closeCmd); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got, _ := env.Store.Batch(b.ID); got.MOQStatus != orders.BatchAwaitingShippingFee {
		t.Fatalf("batch = %s after close", got.MOQStatus)
	}

	collect := message(t, "cmd-4", orders.EventShippingCollectionCloseRequested, orders.BatchCommandPayload{BatchID: b.ID})
	if err := h.Handle(ctx, collect); err != nil {
		t.Fatalf("close collection: %v", err)
	}
	if got, _ := env.Store.Batch(b.ID); got.MOQStatus != orders.BatchShippingFeePaid {
		t.Fatalf("batch = %s, want free shipping collected", got.MOQStatus)
	}

	ship := message(t, "cmd-5", orders.EventBatchAdvanceRequested, orders.BatchCommandPayload{
		BatchID: b.ID, Status: orders.BatchShipped, Message: "On the way",
	})
	if err := h.Handle(ctx, ship); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := env.Order(t, first.ID); got.Status != orders.StatusShipped {
		t.Fatalf("order = %s", got.Status)
	}
}
