package intake

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-groupbuy-orders/internal/batch"
	"github.com/ariefcatur/go-groupbuy-orders/internal/events"
	kafkax "github.com/ariefcatur/go-groupbuy-orders/internal/kafka"
	"github.com/ariefcatur/go-groupbuy-orders/internal/ledger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
	"github.com/ariefcatur/go-groupbuy-orders/internal/payment"
)

// Topics the intake consumer subscribes to.
var Topics = []string{orders.TopicPaymentSubmitted, orders.TopicPaymentDecision, orders.TopicCommands}

type Payments interface {
	RecordPayment(ctx context.Context, in payment.RecordInput) (*orders.Payment, error)
	SetPaymentStatus(ctx context.Context, paymentID string, status orders.PaymentStatus, method string) (payment.Review, error)
}

type Orders interface {
	Place(ctx context.Context, in ledger.PlaceInput) (ledger.PlaceResult, error)
	SetStatus(ctx context.Context, orderID string, status orders.OrderStatus, message string) (*orders.Order, error)
}

type Batches interface {
	Close(ctx context.Context, batchID string, pricePerOrder decimal.Decimal) (*orders.Batch, error)
	CloseShippingCollection(ctx context.Context, batchID string) (*orders.Batch, error)
	AdvanceStatus(ctx context.Context, batchID string, status orders.BatchStatus, message string) (batch.AdvanceResult, error)
}

// Deduper remembers handled event ids. redisx.Deduper implements it.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Handler feeds gateway payment events and operator commands into the engine.
type Handler struct {
	Payments Payments
	Orders   Orders
	Batches  Batches
	Dedup    Deduper
	Log      *logger.Logger
}

// Handle is a kafka.Handler. Rejected business input is logged and committed; only
// transient failures are returned so the offset stays put.
func (h *Handler) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		h.Log.Warn("dropping malformed event", "topic", m.Topic, "offset", m.Offset, "error", err)
		return nil
	}
	log := h.Log.With("event_id", env.EventID, "event_type", env.EventType)

	if h.Dedup != nil && env.EventID != "" {
		seen, err := h.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			log.Warn("dedup lookup failed, processing anyway", "error", err)
		} else if seen {
			log.Debug("duplicate event skipped")
			return nil
		}
	}

	ctx = events.WithTrace(ctx, env.TraceID)
	switch env.EventType {
	case orders.EventPaymentSubmitted:
		err = h.submitted(ctx, env)
	case orders.EventPaymentDecision:
		err = h.decision(ctx, env)
	case orders.EventOrderRequested:
		err = h.orderRequested(ctx, env)
	case orders.EventOrderStatusRequested:
		err = h.orderStatus(ctx, env)
	case orders.EventBatchCloseRequested:
		err = h.batchClose(ctx, env)
	case orders.EventShippingCollectionCloseRequested:
		err = h.shippingCollectionClose(ctx, env)
	case orders.EventBatchAdvanceRequested:
		err = h.batchAdvance(ctx, env)
	default:
		return nil
	}

	if err != nil {
		switch orders.KindOf(err) {
		case orders.KindInvalidInput, orders.KindConflict, orders.KindNotFound:
			log.Warn("event rejected", "error", err)
		default:
			return err
		}
	}

	if h.Dedup != nil && env.EventID != "" {
		if err := h.Dedup.Mark(ctx, env.EventID); err != nil {
			log.Warn("dedup mark failed", "error", err)
		}
	}
	return nil
}

func (h *Handler) submitted(ctx context.Context, env orders.Envelope) error {
	p, err := kafkax.UnwrapPayload[orders.PaymentSubmittedPayload](env.Payload)
	if err != nil {
		return orders.InvalidInput("%v", err)
	}
	rec, err := h.Payments.RecordPayment(ctx, payment.RecordInput{
		OrderID:   p.OrderID,
		Amount:    p.Amount,
		Type:      p.Type,
		Reference: p.Reference,
		Method:    p.Method,
		Phone:     p.Phone,
	})
	if err != nil {
		return err
	}
	h.Log.Info("payment recorded", "payment_id", rec.ID, "order_id", rec.OrderID, "amount", rec.Amount.String())
	return nil
}

func (h *Handler) decision(ctx context.Context, env orders.Envelope) error {
	p, err := kafkax.UnwrapPayload[orders.PaymentDecisionPayload](env.Payload)
	if err != nil {
		return orders.InvalidInput("%v", err)
	}
	rv, err := h.Payments.SetPaymentStatus(ctx, p.PaymentID, p.Status, p.Method)
	if err != nil {
		return err
	}
	h.Log.Info("payment reviewed", "payment_id", p.PaymentID, "status", string(p.Status),
		"product_paid", rv.ProductPaid, "shipping_paid", rv.ShippingPaid)
	return nil
}

func (h *Handler) orderRequested(ctx context.Context, env orders.Envelope) error {
	if h.Orders == nil {
		return orders.InvalidInput("order commands are not served here")
	}
	p, err := kafkax.UnwrapPayload[orders.OrderRequestedPayload](env.Payload)
	if err != nil {
		return orders.InvalidInput("%v", err)
	}
	in := ledger.PlaceInput{CreateInput: ledger.CreateInput{
		CustomerName:     p.CustomerName,
		CustomerEmail:    p.CustomerEmail,
		CustomerPhone:    p.CustomerPhone,
		IsAnonymous:      p.IsAnonymous,
		Items:            p.Items,
		ServiceFee:       p.ServiceFee,
		ShippingEstimate: p.ShippingEstimate,
	}}
	if d := p.Deposit; d != nil {
		in.Payment = &ledger.InitialPayment{Amount: d.Amount, Reference: d.Reference, Method: d.Method, Phone: d.Phone}
	}
	res, err := h.Orders.Place(ctx, in)
	if err != nil {
		return err
	}
	h.Log.Info("order placed", "order_id", res.Order.ID, "order_number", res.Order.OrderNumber,
		"batches", len(res.Assignments))
	return nil
}

func (h *Handler) orderStatus(ctx context.Context, env orders.Envelope) error {
	if h.Orders == nil {
		return orders.InvalidInput("order commands are not served here")
	}
	p, err := kafkax.UnwrapPayload[orders.OrderStatusRequestedPayload](env.Payload)
	if err != nil {
		return orders.InvalidInput("%v", err)
	}
	_, err = h.Orders.SetStatus(ctx, p.OrderID, p.Status, p.Message)
	return err
}

func (h *Handler) batchClose(ctx context.Context, env orders.Envelope) error {
	if h.Batches == nil {
		return orders.InvalidInput("batch commands are not served here")
	}
	p, err := kafkax.UnwrapPayload[orders.BatchCloseRequestedPayload](env.Payload)
	if err != nil {
		return orders.InvalidInput("%v", err)
	}
	b, err := h.Batches.Close(ctx, p.BatchID, p.ShippingPerOrder)
	if err != nil {
		return err
	}
	h.Log.Info("batch closed", "batch_id", b.ID, "orders", b.OrdersCollected, "shipping_fee", b.ShippingFee.String())
	return nil
}

func (h *Handler) shippingCollectionClose(ctx context.Context, env orders.Envelope) error {
	if h.Batches == nil {
		return orders.InvalidInput("batch commands are not served here")
	}
	p, err := kafkax.UnwrapPayload[orders.BatchCommandPayload](env.Payload)
	if err != nil {
		return orders.InvalidInput("%v", err)
	}
	_, err = h.Batches.CloseShippingCollection(ctx, p.BatchID)
	return err
}

func (h *Handler) batchAdvance(ctx context.Context, env orders.Envelope) error {
	if h.Batches == nil {
		return orders.InvalidInput("batch commands are not served here")
	}
	p, err := kafkax.UnwrapPayload[orders.BatchCommandPayload](env.Payload)
	if err != nil {
		return orders.InvalidInput("%v", err)
	}
	res, err := h.Batches.AdvanceStatus(ctx, p.BatchID, p.Status, p.Message)
	if err != nil {
		return err
	}
	if len(res.Skipped) > 0 {
		h.Log.Warn("batch advance skipped orders", "batch_id", p.BatchID, "status", string(p.Status), "skipped", res.Skipped)
	}
	return nil
}
