package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-groupbuy-orders/internal/lock"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/metrics"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

const (
	FreeShippingReceipt = "FREE SHIPPING"
	closeMessage        = "We have closed the MOQ for this order"
	freeShippingMessage = "Shipping for this order is free"

	maxLockAttempts = 3
)

// StatusAppender records an order status change inside tx.
type StatusAppender interface {
	AppendStatus(ctx context.Context, tx orders.Tx, o *orders.Order, status orders.OrderStatus, message string) error
}

type Closer struct {
	Store    orders.Store
	Locker   lock.Locker
	Ledger   StatusAppender
	Notifier orders.Notifier
	Events   orders.Emitter
	Settings orders.Settings
	Log      *logger.Logger
	Now      func() time.Time
}

// AdvanceResult reports the member orders the cascade left alone.
type AdvanceResult struct {
	Batch   *orders.Batch
	Skipped []string
}

var errMembersChanged = errors.New("batch membership changed while acquiring locks")

type notice struct{ phone, message string }

// withBatchLocks locks the batch's product and every member order, then runs fn in one
// transaction with the batch re-read for update. Membership cannot change once the product
// lock is held, so a mismatch with the pre-lock read only means an order joined in between.
func (c *Closer) withBatchLocks(ctx context.Context, batchID string, fn func(ctx context.Context, tx orders.Tx, b *orders.Batch) error) error {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		var snap *orders.Batch
		err := c.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			var err error
			snap, err = tx.GetBatch(ctx, batchID, false)
			return err
		})
		if err != nil {
			return err
		}

		keys := []string{lock.ProductKey(snap.ProductID)}
		for _, id := range snap.OrderIDs.Sorted() {
			keys = append(keys, lock.OrderKey(id))
		}
		unlock, err := c.Locker.Lock(ctx, keys...)
		if err != nil {
			return orders.Transient("lock batch", err)
		}
		err = c.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			b, err := tx.GetBatch(ctx, batchID, true)
			if err != nil {
				return err
			}
			if !sameMembers(b.OrderIDs, snap.OrderIDs) {
				return errMembersChanged
			}
			return fn(ctx, tx, b)
		})
		unlock()
		if errors.Is(err, errMembersChanged) {
			c.Log.Debug("batch membership moved, retrying", "batch_id", batchID, "attempt", attempt+1)
			continue
		}
		return err
	}
	return orders.Transient("lock batch", errMembersChanged)
}

func sameMembers(a, b orders.IDSet) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b.Has(id) {
			return false
		}
	}
	return true
}

// Close ends order collection for a batch and bills shipping. A zero price marks every
// member's shipping as paid; a positive price is charged to each member order and the
// customers are told by SMS once the change is committed.
func (c *Closer) Close(ctx context.Context, batchID string, pricePerOrder decimal.Decimal) (b *orders.Batch, err error) {
	defer func(start time.Time) { metrics.RecordOperation("batch_close", start, err) }(time.Now())

	if pricePerOrder.IsNegative() {
		return nil, orders.InvalidInput("shipping price must not be negative, got %s", pricePerOrder)
	}

	var (
		notices []notice
		closed  *orders.Batch
	)
	err = c.withBatchLocks(ctx, batchID, func(ctx context.Context, tx orders.Tx, b *orders.Batch) error {
		notices = notices[:0]
		if !b.MOQStatus.Open() {
			return orders.Conflict(orders.ErrBatchClosed.Code, "batch %s is already %s", b.ID, b.MOQStatus)
		}
		members, err := tx.GetOrders(ctx, b.OrderIDs.Sorted())
		if err != nil {
			return err
		}
		var unpaid []string
		for _, o := range members {
			if o.ProductPaymentStatus != orders.Paid {
				unpaid = append(unpaid, o.OrderNumber)
			}
		}
		if len(unpaid) > 0 {
			return &orders.Error{
				Kind:    orders.KindConflict,
				Code:    orders.ErrOrdersUnpaid.Code,
				Msg:     fmt.Sprintf("%d orders in batch %s have not paid for the product", len(unpaid), b.ID),
				Details: unpaid,
			}
		}

		now := c.Now()
		b.MOQStatus = orders.BatchAwaitingShippingFee
		b.UpdatedAt = now
		free := pricePerOrder.IsZero()
		if free {
			b.ShippingFee = decimal.Zero
		} else {
			b.ShippingFee = pricePerOrder.Mul(decimal.NewFromInt(int64(len(members))))
		}

		for _, o := range members {
			if free {
				err = c.applyFreeShipping(ctx, tx, o, now)
			} else {
				var settled bool
				settled, err = c.applyShippingFee(ctx, tx, o, pricePerOrder, now)
				if err == nil && !settled {
					notices = append(notices, notice{
						phone:   o.CustomerPhone,
						message: fmt.Sprintf("Kindly pay a shipping fee of %s for your order with order number %s", pricePerOrder.StringFixed(2), o.OrderNumber),
					})
				}
			}
			if err != nil {
				return err
			}
		}
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}
		closed = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordBatchStatus(closed.MOQStatus)
	c.Log.Info("batch closed", "batch_id", closed.ID, "product_id", closed.ProductID,
		"orders", len(closed.OrderIDs), "shipping_per_order", pricePerOrder.String())
	for _, n := range notices {
		c.Notifier.Notify(ctx, n.phone, n.message)
	}
	c.Events.Emit(ctx, orders.EventBatchClosed, closed.ID, orders.BatchClosedPayload{
		BatchID:          closed.ID,
		ShippingPerOrder: pricePerOrder,
		ShippingFee:      closed.ShippingFee,
		FreeShipping:     pricePerOrder.IsZero(),
		OrderIDs:         closed.OrderIDs.Sorted(),
	})
	return closed, nil
}

func (c *Closer) applyFreeShipping(ctx context.Context, tx orders.Tx, o *orders.Order, now time.Time) error {
	o.ShippingPaymentStatus = orders.Paid
	o.ShippingVerificationStatus = orders.Verified
	o.ShippingPaymentReceipt = FreeShippingReceipt
	o.UpdatedAt = now
	if err := c.moveOrder(ctx, tx, o, orders.StatusShippingFeePaid, freeShippingMessage); err != nil {
		return err
	}
	s, err := tx.ScheduleByOrder(ctx, o.ID)
	if err != nil || s == nil {
		return err
	}
	s.ShippingAmount = decimal.Zero
	s.ShippingPaid = true
	s.ShippingReceipt = FreeShippingReceipt
	s.UpdatedAt = now
	return tx.UpdateSchedule(ctx, s)
}

// applyShippingFee bills price to o. Shipping payments verified before the fee existed
// are counted against it, and settled reports whether they already cover it.
func (c *Closer) applyShippingFee(ctx context.Context, tx orders.Tx, o *orders.Order, price decimal.Decimal, now time.Time) (settled bool, err error) {
	o.TotalWithShipping = o.TotalWithShipping.Sub(o.ShippingFee).Add(price)
	o.ShippingFee = price
	o.UpdatedAt = now
	if err := c.moveOrder(ctx, tx, o, orders.StatusMOQAchieved, closeMessage); err != nil {
		return false, err
	}

	sum, err := tx.SumVerified(ctx, o.ID, orders.PaymentShippingFee)
	if err != nil {
		return false, err
	}
	settled = o.ShippingPaymentStatus != orders.Paid && !sum.LessThan(price)
	if settled {
		o.ShippingPaymentStatus = orders.Paid
		o.ShippingVerificationStatus = orders.Verified
		if err := c.moveOrder(ctx, tx, o, orders.StatusShippingFeePaid,
			fmt.Sprintf("Shipping fee of %s paid in full", price.StringFixed(2))); err != nil {
			return false, err
		}
	}

	s, err := tx.ScheduleByOrder(ctx, o.ID)
	if err != nil || s == nil {
		return settled, err
	}
	due := now.AddDate(0, 0, c.Settings.ShippingDaysDue)
	s.ShippingAmount = price
	s.ShippingDueDate = &due
	if settled {
		s.ShippingPaid = true
		s.ShippingReceipt = o.ShippingPaymentReceipt
	}
	s.UpdatedAt = now
	return settled, tx.UpdateSchedule(ctx, s)
}

// moveOrder appends status when the order's lifecycle allows it and otherwise only
// persists the field changes already made to o.
func (c *Closer) moveOrder(ctx context.Context, tx orders.Tx, o *orders.Order, status orders.OrderStatus, message string) error {
	if o.Status == status || !orders.CanTransition(o.Status, status) {
		if o.Status != status {
			c.Log.Warn("order status left unchanged", "order_id", o.ID, "from", string(o.Status), "to", string(status))
		}
		return tx.UpdateOrder(ctx, o)
	}
	return c.Ledger.AppendStatus(ctx, tx, o, status, message)
}

// CloseShippingCollection marks a batch's shipping as fully collected.
func (c *Closer) CloseShippingCollection(ctx context.Context, batchID string) (b *orders.Batch, err error) {
	defer func(start time.Time) { metrics.RecordOperation("batch_close_shipping", start, err) }(time.Now())

	var out *orders.Batch
	err = c.withBatchLocks(ctx, batchID, func(ctx context.Context, tx orders.Tx, b *orders.Batch) error {
		if b.MOQStatus != orders.BatchAwaitingShippingFee {
			return orders.Conflict("invalid_transition", "batch %s is %s, not %s", b.ID, b.MOQStatus, orders.BatchAwaitingShippingFee)
		}
		members, err := tx.GetOrders(ctx, b.OrderIDs.Sorted())
		if err != nil {
			return err
		}
		var unpaid []string
		for _, o := range members {
			if o.ShippingPaymentStatus != orders.Paid {
				unpaid = append(unpaid, o.OrderNumber)
			}
		}
		if len(unpaid) > 0 {
			return &orders.Error{
				Kind:    orders.KindConflict,
				Code:    orders.ErrOrdersUnpaid.Code,
				Msg:     fmt.Sprintf("%d orders in batch %s have not paid the shipping fee", len(unpaid), b.ID),
				Details: unpaid,
			}
		}
		b.MOQStatus = orders.BatchShippingFeePaid
		b.ShippingFeeStatus = orders.ShippingFeeProcessed
		b.UpdatedAt = c.Now()
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordBatchStatus(out.MOQStatus)
	c.Log.Info("batch shipping collected", "batch_id", out.ID)
	c.Events.Emit(ctx, orders.EventBatchStatusChanged, out.ID, orders.BatchPayloadOf(out))
	return out, nil
}

// AdvanceStatus moves a batch along its shipping path and copies the status and message
// onto every member order. Orders whose own lifecycle forbids the step are skipped.
func (c *Closer) AdvanceStatus(ctx context.Context, batchID string, status orders.BatchStatus, message string) (res AdvanceResult, err error) {
	defer func(start time.Time) { metrics.RecordOperation("batch_advance", start, err) }(time.Now())

	if !orders.AdvanceTargets[status] {
		return AdvanceResult{}, orders.InvalidInput("batch status %q cannot be set directly", status)
	}
	target := orders.OrderStatus(status)

	var out AdvanceResult
	err = c.withBatchLocks(ctx, batchID, func(ctx context.Context, tx orders.Tx, b *orders.Batch) error {
		out = AdvanceResult{}
		if !orders.CanAdvanceBatch(b.MOQStatus, status) {
			return orders.Conflict("invalid_transition", "batch %s cannot move from %s to %s", b.ID, b.MOQStatus, status)
		}
		b.MOQStatus = status
		b.UpdatedAt = c.Now()
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}
		members, err := tx.GetOrders(ctx, b.OrderIDs.Sorted())
		if err != nil {
			return err
		}
		for _, o := range members {
			if o.Status == target || !orders.CanTransition(o.Status, target) {
				out.Skipped = append(out.Skipped, o.OrderNumber)
				continue
			}
			if err := c.Ledger.AppendStatus(ctx, tx, o, target, message); err != nil {
				return err
			}
		}
		out.Batch = b
		return nil
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	metrics.RecordBatchStatus(status)
	if len(out.Skipped) > 0 {
		c.Log.Warn("batch advance skipped orders", "batch_id", batchID, "status", string(status), "orders", out.Skipped)
	}
	c.Log.Info("batch advanced", "batch_id", batchID, "status", string(status))
	c.Events.Emit(ctx, orders.EventBatchStatusChanged, batchID, orders.BatchPayloadOf(out.Batch))
	return out, nil
}

// Stats summarises batches and orders created in [from, to], widened to whole days. A zero
// bound defaults to the last month.
func (c *Closer) Stats(ctx context.Context, from, to time.Time) (orders.BatchStats, error) {
	now := c.Now()
	if from.IsZero() || to.IsZero() {
		from, to = now.AddDate(0, -1, 0), now
	}
	from = startOfDay(from)
	to = startOfDay(to).Add(24*time.Hour - time.Nanosecond)
	if to.Before(from) {
		return orders.BatchStats{}, orders.InvalidInput("stats window ends before it starts")
	}

	var st orders.BatchStats
	err := c.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		st, err = tx.BatchStats(ctx, from, to)
		return err
	})
	return st, err
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
