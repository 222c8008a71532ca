// Package enginetest wires the engine against the in-memory store for package tests.
package enginetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-groupbuy-orders/internal/batch"
	"github.com/ariefcatur/go-groupbuy-orders/internal/engine"
	"github.com/ariefcatur/go-groupbuy-orders/internal/ledger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/lock"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders/memstore"
	"github.com/ariefcatur/go-groupbuy-orders/internal/payment"
)

type Env struct {
	Store    *memstore.Store
	Locker   *lock.KeyedMutex
	Assigner *batch.Assigner
	Ledger   *ledger.Ledger
	Payments *payment.Reconciler
	Closer   *batch.Closer
	SMS      *Notifier
	Events   *Emitter
	Clock    *Clock
}

var Settings = orders.Settings{DepositDaysDue: 10, BalanceDaysDue: 30, ShippingDaysDue: 7}

func New(products ...orders.Product) *Env {
	clock := &Clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memstore.New(products...)
	locker := lock.NewKeyedMutex()
	sms := &Notifier{}
	events := &Emitter{}

	eng := engine.New(engine.Deps{
		Store:    store,
		Catalog:  store,
		Locker:   locker,
		Notifier: sms,
		Events:   events,
		Settings: Settings,
		Log:      logger.Nop(),
		Now:      clock.Now,
	})
	return &Env{
		Store:    store,
		Locker:   locker,
		Assigner: eng.Assigner,
		Ledger:   eng.Ledger,
		Payments: eng.Payments,
		Closer:   eng.Closer,
		SMS:      sms,
		Events:   events,
		Clock:    clock,
	}
}

func Item(productID string, qty int, price string) orders.LineItem {
	return orders.LineItem{ProductID: productID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func Dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Place places an order for phone with the given items and fails the test on error.
func (e *Env) Place(t testing.TB, phone string, items ...orders.LineItem) ledger.PlaceResult {
	t.Helper()
	res, err := e.Ledger.Place(context.Background(), ledger.PlaceInput{
		CreateInput: ledger.CreateInput{CustomerName: "Test Customer", CustomerPhone: phone, Items: items},
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	return res
}

// Pay records and verifies one payment of the given type and amount.
func (e *Env) Pay(t testing.TB, orderID string, pt orders.PaymentType, amount decimal.Decimal) payment.Review {
	t.Helper()
	ctx := context.Background()
	p, err := e.Payments.RecordPayment(ctx, payment.RecordInput{
		OrderID: orderID, Amount: amount, Type: pt, Reference: "REF" + amount.String(), Method: "MPESA",
	})
	if err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	rv, err := e.Payments.SetPaymentStatus(ctx, p.ID, orders.PaymentVerified, "")
	if err != nil {
		t.Fatalf("SetPaymentStatus: %v", err)
	}
	return rv
}

// Order reads an order back from the store.
func (e *Env) Order(t testing.TB, id string) *orders.Order {
	t.Helper()
	o, ok := e.Store.Order(id)
	if !ok {
		t.Fatalf("order %s not found", id)
	}
	return o
}

type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type SMS struct{ Phone, Message string }

type Notifier struct {
	mu   sync.Mutex
	sent []SMS
}

func (n *Notifier) Notify(_ context.Context, phone, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, SMS{Phone: phone, Message: message})
}

func (n *Notifier) Sent() []SMS {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SMS(nil), n.sent...)
}

type Event struct {
	Type          string
	CorrelationID string
	Payload       any
}

type Emitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *Emitter) Emit(_ context.Context, eventType, correlationID string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Event{Type: eventType, CorrelationID: correlationID, Payload: payload})
}

func (e *Emitter) Count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}
