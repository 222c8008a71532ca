// Package engine wires the batch, ledger and payment components over one store.
package engine

import (
	"time"

	"github.com/ariefcatur/go-groupbuy-orders/internal/batch"
	"github.com/ariefcatur/go-groupbuy-orders/internal/ledger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/lock"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
	"github.com/ariefcatur/go-groupbuy-orders/internal/payment"
)

type Deps struct {
	Store       orders.Store
	Catalog     orders.Catalog
	Locker      lock.Locker
	Notifier    orders.Notifier
	Events      orders.Emitter
	Settings    orders.Settings
	OrderPrefix string
	Log         *logger.Logger
	// Now defaults to UTC wall time.
	Now func() time.Time
}

type Engine struct {
	Assigner *batch.Assigner
	Ledger   *ledger.Ledger
	Payments *payment.Reconciler
	Closer   *batch.Closer
}

func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Notifier == nil {
		d.Notifier = orders.NopNotifier{}
	}
	if d.Events == nil {
		d.Events = orders.NopEmitter{}
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}

	assigner := batch.NewAssigner(d.Catalog, d.Log.With("component", "assigner"))
	assigner.Now = d.Now

	l := &ledger.Ledger{
		Store:       d.Store,
		Locker:      d.Locker,
		Assigner:    assigner,
		Events:      d.Events,
		Settings:    d.Settings,
		OrderPrefix: d.OrderPrefix,
		Log:         d.Log.With("component", "ledger"),
		Now:         d.Now,
	}
	return &Engine{
		Assigner: assigner,
		Ledger:   l,
		Payments: &payment.Reconciler{
			Store:  d.Store,
			Locker: d.Locker,
			Ledger: l,
			Events: d.Events,
			Log:    d.Log.With("component", "payments"),
			Now:    d.Now,
		},
		Closer: &batch.Closer{
			Store:    d.Store,
			Locker:   d.Locker,
			Ledger:   l,
			Notifier: d.Notifier,
			Events:   d.Events,
			Settings: d.Settings,
			Log:      d.Log.With("component", "closer"),
			Now:      d.Now,
		},
	}
}
