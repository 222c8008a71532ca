package batch_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-groupbuy-orders/internal/batch"
	"github.com/ariefcatur/go-groupbuy-orders/internal/enginetest"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

// paidBatch places n single-unit orders for a product with MOQ n and pays each in full.
func paidBatch(t *testing.T, n int) (*enginetest.Env, string, []string) {
	t.Helper()
	env := enginetest.New(orders.Product{ID: "p1", MinimumOrderQuantity: n})
	var ids []string
	batchID := ""
	for i := 0; i < n; i++ {
		res := env.Place(t, "+2547000000"+string(rune('0'+i)), enginetest.Item("p1", 1, "100"))
		ids = append(ids, res.Order.ID)
		batchID = res.Assignments[0].Batch.ID
		env.Pay(t, res.Order.ID, orders.PaymentProduct, enginetest.Dec("100"))
	}
	return env, batchID, ids
}

func TestCloseFreeShipping(t *testing.T) {
	env, batchID, ids := paidBatch(t, 2)
	before := len(env.Store.Payments(ids[0])) + len(env.Store.Payments(ids[1]))

	b, err := env.Closer.Close(context.Background(), batchID, decimal.Zero)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.MOQStatus != orders.BatchAwaitingShippingFee || !b.ShippingFee.IsZero() {
		t.Fatalf("batch = %s fee %s", b.MOQStatus, b.ShippingFee)
	}
	for _, id := range ids {
		o := env.Order(t, id)
		if o.ShippingPaymentStatus != orders.Paid || o.ShippingPaymentReceipt != batch.FreeShippingReceipt {
			t.Fatalf("order %s shipping = %s %q", o.OrderNumber, o.ShippingPaymentStatus, o.ShippingPaymentReceipt)
		}
		if o.Status != orders.StatusShippingFeePaid {
			t.Fatalf("order status = %s", o.Status)
		}
		s, _ := env.Store.Schedule(id)
		if !s.ShippingPaid || !s.ShippingAmount.IsZero() {
			t.Fatalf("schedule shipping = %v %s", s.ShippingPaid, s.ShippingAmount)
		}
	}
	after := len(env.Store.Payments(ids[0])) + len(env.Store.Payments(ids[1]))
	if after != before {
		t.Fatalf("payments %d -> %d, free shipping must not create payments", before, after)
	}
	if n := len(env.SMS.Sent()); n != 0 {
		t.Fatalf("sms sent = %d, want 0", n)
	}
}

func TestCloseWithShippingFeeThroughDelivery(t *testing.T) {
	env, batchID, ids := paidBatch(t, 2)
	ctx := context.Background()

	b, err := env.Closer.Close(ctx, batchID, enginetest.Dec("50"))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !b.ShippingFee.Equal(enginetest.Dec("100")) {
		t.Fatalf("batch shipping fee = %s, want 100", b.ShippingFee)
	}
	for _, id := range ids {
		o := env.Order(t, id)
		if !o.ShippingFee.Equal(enginetest.Dec("50")) || !o.TotalWithShipping.Equal(enginetest.Dec("150")) {
			t.Fatalf("order fee %s total %s", o.ShippingFee, o.TotalWithShipping)
		}
		last := o.History[len(o.History)-1]
		if o.Status != orders.StatusMOQAchieved || last.Status != string(orders.StatusMOQAchieved) {
			t.Fatalf("order status %s last history %s", o.Status, last.Status)
		}
		s, _ := env.Store.Schedule(id)
		if !s.ShippingAmount.Equal(enginetest.Dec("50")) || s.ShippingDueDate == nil {
			t.Fatalf("schedule shipping = %s due %v", s.ShippingAmount, s.ShippingDueDate)
		}
	}
	sent := env.SMS.Sent()
	if len(sent) != 2 {
		t.Fatalf("sms sent = %d, want 2", len(sent))
	}
	o0 := env.Order(t, ids[0])
	want := "Kindly pay a shipping fee of 50.00 for your order with order number " + o0.OrderNumber
	found := false
	for _, s := range sent {
		found = found || (s.Message == want && s.Phone == o0.CustomerPhone)
	}
	if !found {
		t.Fatalf("no sms %q in %+v", want, sent)
	}

	if _, err := env.Closer.CloseShippingCollection(ctx, batchID); !errors.Is(err, orders.ErrOrdersUnpaid) {
		t.Fatalf("collection before payment: err = %v, want orders unpaid", err)
	}

	for _, id := range ids {
		rv := env.Pay(t, id, orders.PaymentShippingFee, enginetest.Dec("50"))
		if !rv.ShippingPaid || rv.Order.Status != orders.StatusShippingFeePaid {
			t.Fatalf("shipping review = %+v", rv)
		}
	}

	b, err = env.Closer.CloseShippingCollection(ctx, batchID)
	if err != nil {
		t.Fatalf("CloseShippingCollection: %v", err)
	}
	if b.MOQStatus != orders.BatchShippingFeePaid || b.ShippingFeeStatus != orders.ShippingFeeProcessed {
		t.Fatalf("batch = %s/%s", b.MOQStatus, b.ShippingFeeStatus)
	}

	res, err := env.Closer.AdvanceStatus(ctx, batchID, orders.BatchShipped, "On the truck")
	if err != nil {
		t.Fatalf("AdvanceStatus(SHIPPED): %v", err)
	}
	if len(res.Skipped) != 0 {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	for _, id := range ids {
		o := env.Order(t, id)
		last := o.History[len(o.History)-1]
		if o.Status != orders.StatusShipped || last.Message != "On the truck" {
			t.Fatalf("order %s = %s %q", o.OrderNumber, o.Status, last.Message)
		}
	}
	if _, err := env.Closer.AdvanceStatus(ctx, batchID, orders.BatchDelivered, "Delivered"); err != nil {
		t.Fatalf("AdvanceStatus(DELIVERED): %v", err)
	}
	if o := env.Order(t, ids[1]); o.Status != orders.StatusDelivered {
		t.Fatalf("order status = %s", o.Status)
	}
	if env.Events.Count(orders.EventBatchStatusChanged) != 3 {
		t.Fatalf("batch status events = %d, want 3", env.Events.Count(orders.EventBatchStatusChanged))
	}
}

func TestCloseRejectsUnpaidOrders(t *testing.T) {
	env := enginetest.New(orders.Product{ID: "p1", MinimumOrderQuantity: 2})
	paid := env.Place(t, "+254700000001", enginetest.Item("p1", 1, "100"))
	unpaid := env.Place(t, "+254700000002", enginetest.Item("p1", 1, "100"))
	env.Pay(t, paid.Order.ID, orders.PaymentProduct, enginetest.Dec("100"))
	batchID := paid.Assignments[0].Batch.ID

	_, err := env.Closer.Close(context.Background(), batchID, enginetest.Dec("10"))
	if !errors.Is(err, orders.ErrOrdersUnpaid) {
		t.Fatalf("err = %v, want orders unpaid", err)
	}
	var e *orders.Error
	if !errors.As(err, &e) || len(e.Details) != 1 || e.Details[0] != unpaid.Order.OrderNumber {
		t.Fatalf("details = %v, want [%s]", e.Details, unpaid.Order.OrderNumber)
	}
	if !strings.Contains(err.Error(), unpaid.Order.OrderNumber) {
		t.Fatalf("message %q should name the order", err.Error())
	}
	b, _ := env.Store.Batch(batchID)
	if b.MOQStatus != orders.BatchReached {
		t.Fatalf("batch status = %s, want unchanged REACHED", b.MOQStatus)
	}
	if o := env.Order(t, paid.Order.ID); !o.ShippingFee.IsZero() {
		t.Fatalf("paid order touched: fee %s", o.ShippingFee)
	}
}

func TestCloseTwiceConflicts(t *testing.T) {
	env, batchID, _ := paidBatch(t, 1)
	if _, err := env.Closer.Close(context.Background(), batchID, decimal.Zero); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := env.Closer.Close(context.Background(), batchID, decimal.Zero)
	if !errors.Is(err, orders.ErrBatchClosed) {
		t.Fatalf("err = %v, want batch closed", err)
	}
}

func TestCloseValidation(t *testing.T) {
	env, batchID, _ := paidBatch(t, 1)
	ctx := context.Background()
	if _, err := env.Closer.Close(ctx, batchID, enginetest.Dec("-1")); !errors.Is(err, orders.ErrInvalidInput) {
		t.Fatalf("negative price: err = %v", err)
	}
	if _, err := env.Closer.Close(ctx, "missing", decimal.Zero); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("missing batch: err = %v", err)
	}
}

func TestClosedBatchTakesNoNewOrders(t *testing.T) {
	env := enginetest.New(orders.Product{ID: "p1", MinimumOrderQuantity: 10})
	first := env.Place(t, "+254700000001", enginetest.Item("p1", 2, "100"))
	env.Pay(t, first.Order.ID, orders.PaymentProduct, enginetest.Dec("200"))
	if _, err := env.Closer.Close(context.Background(), first.Assignments[0].Batch.ID, decimal.Zero); err != nil {
		t.Fatalf("Close: %v", err)
	}

	next := env.Place(t, "+254700000002", enginetest.Item("p1", 1, "100"))
	b := next.Assignments[0].Batch
	if b.BatchNumber != 2 || !next.Assignments[0].Opened {
		t.Fatalf("order joined batch #%d, want new batch #2", b.BatchNumber)
	}
}

func TestAdvanceStatusRules(t *testing.T) {
	env, batchID, _ := paidBatch(t, 1)
	ctx := context.Background()

	if _, err := env.Closer.AdvanceStatus(ctx, batchID, orders.BatchPending, "x"); !errors.Is(err, orders.ErrInvalidInput) {
		t.Fatalf("PENDING target: err = %v, want invalid input", err)
	}
	if _, err := env.Closer.AdvanceStatus(ctx, batchID, orders.BatchShipped, "x"); !errors.Is(err, orders.ErrConflict) {
		t.Fatalf("SHIPPED from REACHED: err = %v, want conflict", err)
	}
	if _, err := env.Closer.AdvanceStatus(ctx, batchID, orders.BatchCancelled, "x"); !errors.Is(err, orders.ErrConflict) {
		t.Fatalf("CANCELLED from REACHED: err = %v, want conflict", err)
	}
	b, _ := env.Store.Batch(batchID)
	if b.MOQStatus != orders.BatchReached {
		t.Fatalf("batch status = %s", b.MOQStatus)
	}
}

func TestAdvanceCancelSkipsFinishedOrders(t *testing.T) {
	env, batchID, ids := paidBatch(t, 2)
	ctx := context.Background()
	if _, err := env.Closer.Close(ctx, batchID, decimal.Zero); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Closer.CloseShippingCollection(ctx, batchID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ledger.SetStatus(ctx, ids[0], orders.StatusCancelled, "customer withdrew"); err != nil {
		t.Fatal(err)
	}

	res, err := env.Closer.AdvanceStatus(ctx, batchID, orders.BatchCancelled, "supplier failed")
	if err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}
	cancelled := env.Order(t, ids[0])
	if len(res.Skipped) != 1 || res.Skipped[0] != cancelled.OrderNumber {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	if o := env.Order(t, ids[1]); o.Status != orders.StatusCancelled {
		t.Fatalf("order status = %s", o.Status)
	}
	if last := cancelled.History[len(cancelled.History)-1]; last.Message != "customer withdrew" {
		t.Fatalf("cancelled order got a second entry: %+v", last)
	}
}

func TestStats(t *testing.T) {
	env := enginetest.New(
		orders.Product{ID: "p1", MinimumOrderQuantity: 5},
		orders.Product{ID: "p2", MinimumOrderQuantity: 1},
	)
	env.Place(t, "+254700000001", enginetest.Item("p1", 1, "10"))
	done := env.Place(t, "+254700000002", enginetest.Item("p2", 1, "10"))
	env.Pay(t, done.Order.ID, orders.PaymentProduct, enginetest.Dec("10"))
	ctx := context.Background()
	if _, err := env.Closer.Close(ctx, done.Assignments[0].Batch.ID, enginetest.Dec("4")); err != nil {
		t.Fatal(err)
	}
	env.Pay(t, done.Order.ID, orders.PaymentShippingFee, enginetest.Dec("4"))
	if _, err := env.Closer.CloseShippingCollection(ctx, done.Assignments[0].Batch.ID); err != nil {
		t.Fatal(err)
	}

	now := env.Clock.Now()
	st, err := env.Closer.Stats(ctx, now.Add(-48*time.Hour), now)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.BatchesBelowMOQ != 1 || st.BatchesCompleted != 1 || st.BatchesAwaitingConfirmation != 0 {
		t.Fatalf("batch counts = %+v", st)
	}
	if !st.TotalShippingFeesCollected.Equal(enginetest.Dec("4")) {
		t.Fatalf("shipping collected = %s", st.TotalShippingFeesCollected)
	}
	if st.OrdersAwaitingShippingPayment != 1 || st.OrdersBlockedFromDelivery != 1 {
		t.Fatalf("order counts = %+v", st)
	}

	empty, err := env.Closer.Stats(ctx, now.AddDate(0, 0, 5), now.AddDate(0, 0, 6))
	if err != nil {
		t.Fatal(err)
	}
	if empty.BatchesBelowMOQ != 0 || empty.OrdersAwaitingShippingPayment != 0 {
		t.Fatalf("future window = %+v", empty)
	}
}

func TestCloseCountsShippingPaidBeforeFee(t *testing.T) {
	env, batchID, ids := paidBatch(t, 2)
	ctx := context.Background()
	env.Pay(t, ids[0], orders.PaymentShippingFee, enginetest.Dec("20"))

	if _, err := env.Closer.Close(ctx, batchID, enginetest.Dec("20")); err != nil {
		t.Fatalf("Close: %v", err)
	}
	early := env.Order(t, ids[0])
	if early.ShippingPaymentStatus != orders.Paid || early.ShippingVerificationStatus != orders.Verified ||
		early.Status != orders.StatusShippingFeePaid {
		t.Fatalf("prepaid order = %s/%s/%s", early.ShippingPaymentStatus, early.ShippingVerificationStatus, early.Status)
	}
	if s, _ := env.Store.Schedule(ids[0]); !s.ShippingPaid || !s.ShippingAmount.Equal(enginetest.Dec("20")) {
		t.Fatalf("prepaid schedule = %v %s", s.ShippingPaid, s.ShippingAmount)
	}
	if late := env.Order(t, ids[1]); late.ShippingPaymentStatus != orders.Unpaid || late.Status != orders.StatusMOQAchieved {
		t.Fatalf("unpaid order = %s/%s", late.ShippingPaymentStatus, late.Status)
	}
	sent := env.SMS.Sent()
	if len(sent) != 1 || sent[0].Phone != env.Order(t, ids[1]).CustomerPhone {
		t.Fatalf("sms = %+v, want one reminder for the unpaid order", sent)
	}

	env.Pay(t, ids[1], orders.PaymentShippingFee, enginetest.Dec("20"))
	b, err := env.Closer.CloseShippingCollection(ctx, batchID)
	if err != nil {
		t.Fatalf("CloseShippingCollection: %v", err)
	}
	if b.MOQStatus != orders.BatchShippingFeePaid {
		t.Fatalf("batch = %s", b.MOQStatus)
	}
}
