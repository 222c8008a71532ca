package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-groupbuy-orders/internal/lock"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/metrics"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

// StatusAppender records an order status change inside tx.
type StatusAppender interface {
	AppendStatus(ctx context.Context, tx orders.Tx, o *orders.Order, status orders.OrderStatus, message string) error
}

type Reconciler struct {
	Store  orders.Store
	Locker lock.Locker
	Ledger StatusAppender
	Events orders.Emitter
	Log    *logger.Logger
	Now    func() time.Time
}

type RecordInput struct {
	OrderID   string
	Amount    decimal.Decimal
	Type      orders.PaymentType
	Reference string
	Method    string
	Phone     string
}

// Review is the outcome of a payment decision.
type Review struct {
	Payment *orders.Payment
	Order   *orders.Order
	// ProductPaid and ShippingPaid report a flag flipped by this decision.
	ProductPaid  bool
	ShippingPaid bool
}

// RecordPayment stores a customer-reported payment awaiting review and keeps its reference
// on the order.
func (r *Reconciler) RecordPayment(ctx context.Context, in RecordInput) (p *orders.Payment, err error) {
	defer func(start time.Time) { metrics.RecordOperation("payment_record", start, err) }(time.Now())

	if in.OrderID == "" {
		return nil, orders.InvalidInput("order id is required")
	}
	if !in.Amount.IsPositive() {
		return nil, orders.InvalidInput("payment amount must be positive, got %s", in.Amount)
	}
	if strings.TrimSpace(in.Reference) == "" {
		return nil, orders.InvalidInput("payment reference is required")
	}
	if !in.Type.Valid() {
		return nil, orders.InvalidInput("unknown payment type %q", in.Type)
	}

	unlock, err := r.Locker.Lock(ctx, lock.OrderKey(in.OrderID))
	if err != nil {
		return nil, orders.Transient("lock order", err)
	}
	defer unlock()

	err = r.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrder(ctx, in.OrderID, true)
		if err != nil {
			return err
		}
		now := r.Now()
		phone := in.Phone
		if phone == "" {
			phone = o.CustomerPhone
		}
		p = &orders.Payment{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			Method:      in.Method,
			PhoneNumber: phone,
			Amount:      in.Amount,
			Status:      orders.PaymentUnverified,
			Type:        in.Type,
			UniqueRef:   uuid.NewString(),
			MerchantRef: in.Reference,
			History: []orders.StatusEntry{{
				Status:  string(orders.PaymentUnverified),
				At:      now,
				Message: "Payment received, awaiting confirmation of the payment reference",
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		o.AppendReceipt(in.Type, in.Reference)
		o.UpdatedAt = now
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	r.Log.Info("payment recorded", "payment_id", p.ID, "order_id", p.OrderID, "type", string(p.Type), "amount", p.Amount.String())
	r.Events.Emit(ctx, orders.EventPaymentRecorded, p.OrderID, orders.PaymentPayload{
		PaymentID: p.ID, OrderID: p.OrderID, Type: p.Type, Amount: p.Amount, Status: p.Status,
	})
	return p, nil
}

// SetPaymentStatus verifies or rejects a pending payment. A verification re-sums every
// verified payment of the same type for the order and flips the matching paid flag once
// the threshold is met.
func (r *Reconciler) SetPaymentStatus(ctx context.Context, paymentID string, status orders.PaymentStatus, method string) (rv Review, err error) {
	defer func(start time.Time) { metrics.RecordOperation("payment_review", start, err) }(time.Now())

	if !status.Terminal() {
		return Review{}, orders.InvalidInput("payment status must be %s or %s, got %q", orders.PaymentVerified, orders.PaymentRejected, status)
	}

	// the owning order never changes, so it can be read before taking its lock
	var orderID string
	err = r.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		p, err := tx.GetPayment(ctx, paymentID, false)
		if err != nil {
			return err
		}
		orderID = p.OrderID
		return nil
	})
	if err != nil {
		return Review{}, err
	}

	unlock, err := r.Locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return Review{}, orders.Transient("lock order", err)
	}
	defer unlock()

	err = r.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		rv = Review{}
		p, err := tx.GetPayment(ctx, paymentID, true)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return orders.Conflict(orders.ErrPaymentFinalized.Code, "payment %s is already %s", p.ID, p.Status)
		}
		now := r.Now()
		p.Status = status
		if method != "" {
			p.Method = method
		}
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		e := orders.StatusEntry{Status: string(status), At: now, Message: reviewMessage(status)}
		if err := tx.AppendPaymentHistory(ctx, p.ID, e); err != nil {
			return err
		}
		p.History = append(p.History, e)
		rv.Payment = p

		o, err := tx.GetOrder(ctx, p.OrderID, true)
		if err != nil {
			return err
		}
		rv.Order = o
		if status != orders.PaymentVerified {
			return nil
		}
		return r.reconcile(ctx, tx, p.Type, &rv)
	})
	if err != nil {
		return Review{}, err
	}

	r.Log.Info("payment reviewed", "payment_id", paymentID, "order_id", orderID, "status", string(status),
		"product_paid", rv.ProductPaid, "shipping_paid", rv.ShippingPaid)
	r.Events.Emit(ctx, orders.EventPaymentReviewed, orderID, orders.PaymentPayload{
		PaymentID: rv.Payment.ID, OrderID: orderID, Type: rv.Payment.Type, Amount: rv.Payment.Amount, Status: rv.Payment.Status,
	})
	if rv.ProductPaid || rv.ShippingPaid {
		r.Events.Emit(ctx, orders.EventOrderStatusChanged, orderID, orders.OrderStatusPayload{
			OrderID: orderID, OrderNumber: rv.Order.OrderNumber, Status: rv.Order.Status,
		})
	}
	return rv, nil
}

func reviewMessage(s orders.PaymentStatus) string {
	if s == orders.PaymentVerified {
		return "Payment verified"
	}
	return "Payment rejected"
}

// reconcile compares the verified total of one payment type with what the order owes.
func (r *Reconciler) reconcile(ctx context.Context, tx orders.Tx, pt orders.PaymentType, rv *Review) error {
	o := rv.Order
	sum, err := tx.SumVerified(ctx, o.ID, pt)
	if err != nil {
		return err
	}
	now := r.Now()

	switch pt {
	case orders.PaymentShippingFee:
		if o.ShippingPaymentStatus == orders.Paid || !o.ShippingFee.IsPositive() || sum.LessThan(o.ShippingFee) {
			return nil
		}
		o.ShippingPaymentStatus = orders.Paid
		o.ShippingVerificationStatus = orders.Verified
		o.UpdatedAt = now
		rv.ShippingPaid = true
		if err := r.moveOrder(ctx, tx, o, orders.StatusShippingFeePaid,
			fmt.Sprintf("Shipping fee of %s paid in full", o.ShippingFee.StringFixed(2))); err != nil {
			return err
		}
		s, err := tx.ScheduleByOrder(ctx, o.ID)
		if err != nil || s == nil {
			return err
		}
		s.ShippingPaid = true
		s.ShippingReceipt = o.ShippingPaymentReceipt
		s.UpdatedAt = now
		return tx.UpdateSchedule(ctx, s)

	case orders.PaymentProduct:
		if o.ProductPaymentStatus == orders.Paid || sum.LessThan(o.Total) {
			return nil
		}
		o.ProductPaymentStatus = orders.Paid
		o.UpdatedAt = now
		rv.ProductPaid = true
		if err := r.moveOrder(ctx, tx, o, orders.StatusAwaitingShippingFee,
			fmt.Sprintf("Order total of %s paid in full", o.Total.StringFixed(2))); err != nil {
			return err
		}
		s, err := tx.ScheduleByOrder(ctx, o.ID)
		if err != nil || s == nil {
			return err
		}
		s.DepositPaid = true
		s.BalancePaid = true
		s.DepositReceipt = o.PaymentReceipt
		s.BalanceReceipt = o.PaymentReceipt
		s.UpdatedAt = now
		return tx.UpdateSchedule(ctx, s)
	}
	return nil
}

// moveOrder persists o and appends status if the lifecycle allows it from where the
// order stands. The paid flag is kept either way.
func (r *Reconciler) moveOrder(ctx context.Context, tx orders.Tx, o *orders.Order, status orders.OrderStatus, message string) error {
	if o.Status != status && orders.CanTransition(o.Status, status) {
		return r.Ledger.AppendStatus(ctx, tx, o, status, message)
	}
	if o.Status != status {
		r.Log.Warn("order status left unchanged", "order_id", o.ID, "from", string(o.Status), "to", string(status))
	}
	return tx.UpdateOrder(ctx, o)
}
