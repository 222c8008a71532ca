package ledger_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/ariefcatur/go-groupbuy-orders/internal/enginetest"
	"github.com/ariefcatur/go-groupbuy-orders/internal/ledger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

var orderNumberRE = regexp.MustCompile(`^ORD-[A-Z0-9]{10}$`)

func TestCreate(t *testing.T) {
	env := enginetest.New()
	var o *orders.Order
	err := env.Store.InTx(context.Background(), func(ctx context.Context, tx orders.Tx) error {
		var err error
		o, err = env.Ledger.Create(ctx, tx, ledger.CreateInput{
			CustomerPhone: "+254700000001",
			Items:         []orders.LineItem{enginetest.Item("p1", 3, "250.50"), enginetest.Item("p2", 1, "99.99")},
			ServiceFee:    enginetest.Dec("20"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !orderNumberRE.MatchString(o.OrderNumber) {
		t.Fatalf("order number %q", o.OrderNumber)
	}
	if want := enginetest.Dec("871.49"); !o.Total.Equal(want) || !o.TotalWithShipping.Equal(want) {
		t.Fatalf("total = %s / %s, want %s", o.Total, o.TotalWithShipping, want)
	}
	if !o.ShippingFee.IsZero() {
		t.Fatalf("shipping fee = %s", o.ShippingFee)
	}
	if o.Status != orders.StatusAwaitingBalance || o.MOQStatus != orders.StatusAwaitingConfirmation {
		t.Fatalf("status = %s moq = %s", o.Status, o.MOQStatus)
	}
	if o.ProductPaymentStatus != orders.Unpaid || o.ShippingPaymentStatus != orders.Unpaid || o.ShippingVerificationStatus != orders.Unverified {
		t.Fatalf("flags = %s %s %s", o.ProductPaymentStatus, o.ShippingPaymentStatus, o.ShippingVerificationStatus)
	}
	if len(o.History) != 1 || o.History[0].Message != "Order created" {
		t.Fatalf("history = %+v", o.History)
	}
	stored := env.Order(t, o.ID)
	if stored.OrderNumber != o.OrderNumber || len(stored.Items) != 2 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestCreateValidation(t *testing.T) {
	cases := map[string]ledger.CreateInput{
		"no phone":       {Items: []orders.LineItem{enginetest.Item("p1", 1, "1")}},
		"no items":       {CustomerPhone: "+254700000001"},
		"zero quantity":  {CustomerPhone: "+254700000001", Items: []orders.LineItem{enginetest.Item("p1", 0, "1")}},
		"negative price": {CustomerPhone: "+254700000001", Items: []orders.LineItem{enginetest.Item("p1", 1, "-1")}},
		"no product":     {CustomerPhone: "+254700000001", Items: []orders.LineItem{enginetest.Item("", 1, "1")}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			env := enginetest.New()
			err := env.Store.InTx(context.Background(), func(ctx context.Context, tx orders.Tx) error {
				_, err := env.Ledger.Create(ctx, tx, in)
				return err
			})
			if !errors.Is(err, orders.ErrInvalidInput) {
				t.Fatalf("err = %v, want invalid input", err)
			}
			if env.Store.OrderCount() != 0 {
				t.Fatal("order stored")
			}
		})
	}
}

func TestAppendStatus(t *testing.T) {
	env := enginetest.New(orders.Product{ID: "p1", MinimumOrderQuantity: 5})
	res := env.Place(t, "+254700000001", enginetest.Item("p1", 1, "10"))
	ctx := context.Background()

	o, err := env.Ledger.SetStatus(ctx, res.Order.ID, orders.StatusAwaitingConfirmation, "waiting")
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if o.Status != orders.StatusAwaitingConfirmation || len(o.History) != 2 {
		t.Fatalf("order = %s with %d entries", o.Status, len(o.History))
	}

	_, err = env.Ledger.SetStatus(ctx, res.Order.ID, orders.StatusAwaitingConfirmation, "again")
	if !errors.Is(err, orders.ErrDuplicateStatus) {
		t.Fatalf("err = %v, want duplicate status", err)
	}
	_, err = env.Ledger.SetStatus(ctx, res.Order.ID, orders.StatusDelivered, "skip ahead")
	if !errors.Is(err, orders.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	_, err = env.Ledger.SetStatus(ctx, res.Order.ID, orders.OrderStatus("LOST"), "")
	if !errors.Is(err, orders.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}

	stored := env.Order(t, res.Order.ID)
	if len(stored.History) != 2 || stored.History[0].Status != string(orders.StatusAwaitingBalance) ||
		stored.History[1].Message != "waiting" {
		t.Fatalf("history = %+v", stored.History)
	}
	if !stored.History[0].At.Before(stored.History[1].At) {
		t.Fatal("history out of order")
	}
}

func TestPlaceAssignsEveryProduct(t *testing.T) {
	env := enginetest.New(
		orders.Product{ID: "p1", MinimumOrderQuantity: 10},
		orders.Product{ID: "p2", MinimumOrderQuantity: 2},
	)
	res, err := env.Ledger.Place(context.Background(), ledger.PlaceInput{
		CreateInput: ledger.CreateInput{
			CustomerPhone:    "+254700000001",
			Items:            []orders.LineItem{enginetest.Item("p1", 2, "100"), enginetest.Item("p2", 2, "50"), enginetest.Item("p1", 3, "100")},
			ServiceFee:       enginetest.Dec("30"),
			ShippingEstimate: enginetest.Dec("15"),
		},
		Payment: &ledger.InitialPayment{Amount: enginetest.Dec("300"), Reference: "QWE123"},
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(res.Assignments) != 2 {
		t.Fatalf("assignments = %d, want 2", len(res.Assignments))
	}
	byProduct := map[string]*orders.Batch{}
	for _, a := range res.Assignments {
		byProduct[a.Batch.ProductID] = a.Batch
	}
	if b := byProduct["p1"]; b.OrdersCollected != 5 || b.MOQStatus != orders.BatchPending {
		t.Fatalf("p1 batch = %s/%d, want PENDING/5", b.MOQStatus, b.OrdersCollected)
	}
	if b := byProduct["p2"]; b.OrdersCollected != 2 || b.MOQStatus != orders.BatchReached {
		t.Fatalf("p2 batch = %s/%d, want REACHED/2", b.MOQStatus, b.OrdersCollected)
	}

	o := env.Order(t, res.Order.ID)
	if !o.Total.Equal(enginetest.Dec("630")) {
		t.Fatalf("total = %s, want 630", o.Total)
	}
	if o.PaymentReceipt != "QWE123" {
		t.Fatalf("receipt = %q", o.PaymentReceipt)
	}

	pays := env.Store.Payments(o.ID)
	if len(pays) != 1 || pays[0].Status != orders.PaymentUnverified || pays[0].Type != orders.PaymentProduct ||
		pays[0].MerchantRef != "QWE123" || pays[0].Method != "MPESA" || len(pays[0].History) != 1 {
		t.Fatalf("payments = %+v", pays)
	}

	s, ok := env.Store.Schedule(o.ID)
	if !ok {
		t.Fatal("no schedule")
	}
	if !s.DepositAmount.Equal(enginetest.Dec("300")) || !s.BalanceAmount.Equal(enginetest.Dec("330")) ||
		!s.ShippingAmount.Equal(enginetest.Dec("15")) || !s.ServiceFee.Equal(enginetest.Dec("30")) {
		t.Fatalf("schedule amounts = %+v", s)
	}
	if d := s.BalanceDueDate.Sub(s.DepositDueDate).Hours(); d < 19*24 || d > 21*24 {
		t.Fatalf("balance due %v after deposit due, want 20 days", d)
	}

	if env.Events.Count(orders.EventOrderPlaced) != 1 || env.Events.Count(orders.EventBatchOpened) != 2 ||
		env.Events.Count(orders.EventBatchReached) != 1 || env.Events.Count(orders.EventPaymentRecorded) != 1 {
		t.Fatal("unexpected event counts")
	}
}

func TestPlaceRollsBackOnUnknownProduct(t *testing.T) {
	env := enginetest.New(orders.Product{ID: "p1", MinimumOrderQuantity: 10})
	_, err := env.Ledger.Place(context.Background(), ledger.PlaceInput{
		CreateInput: ledger.CreateInput{
			CustomerPhone: "+254700000001",
			Items:         []orders.LineItem{enginetest.Item("p1", 2, "100"), enginetest.Item("zz-missing", 1, "5")},
		},
		Payment: &ledger.InitialPayment{Amount: enginetest.Dec("10"), Reference: "R1"},
	})
	if !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if env.Store.OrderCount() != 0 {
		t.Fatal("order survived rollback")
	}
	if n := len(env.Store.Batches("p1")); n != 0 {
		t.Fatalf("p1 batches = %d, want 0", n)
	}
	if env.Events.Count(orders.EventOrderPlaced) != 0 {
		t.Fatal("event emitted for rolled back order")
	}
}

func TestPlaceRejectsBadDeposit(t *testing.T) {
	env := enginetest.New(orders.Product{ID: "p1", MinimumOrderQuantity: 10})
	_, err := env.Ledger.Place(context.Background(), ledger.PlaceInput{
		CreateInput: ledger.CreateInput{CustomerPhone: "+254700000001", Items: []orders.LineItem{enginetest.Item("p1", 1, "1")}},
		Payment:     &ledger.InitialPayment{Amount: enginetest.Dec("5")},
	})
	if !errors.Is(err, orders.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
}

func TestGetMissingOrder(t *testing.T) {
	env := enginetest.New()
	if _, err := env.Ledger.Get(context.Background(), "nope"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestGetAndSchedule(t *testing.T) {
	env := enginetest.New(orders.Product{ID: "p1", MinimumOrderQuantity: 5})
	res := env.Place(t, "+254700000001", enginetest.Item("p1", 2, "40"))
	ctx := context.Background()

	o, err := env.Ledger.Get(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.OrderNumber != res.Order.OrderNumber {
		t.Fatalf("order number = %s, want %s", o.OrderNumber, res.Order.OrderNumber)
	}
	s, err := env.Ledger.Schedule(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if s.OrderID != res.Order.ID || !s.BalanceAmount.Equal(enginetest.Dec("80")) {
		t.Fatalf("schedule = %+v", s)
	}
	if _, err := env.Ledger.Schedule(ctx, "nope"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
