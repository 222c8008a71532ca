// Package memstore is an in-memory orders.Store. Transactions run one at a time against a
// copy of the data that replaces the live copy on commit, so a failed fn leaves no trace.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

type Store struct {
	mu    sync.Mutex
	state *state

	pmu      sync.RWMutex
	products map[string]orders.Product
}

type state struct {
	batches   map[string]*orders.Batch
	members   map[string]map[string]int // batch id -> order id -> quantity
	orders    map[string]*orders.Order
	numbers   map[string]string
	payments  map[string]*orders.Payment
	refs      map[string]string
	schedules map[string]*orders.PaymentSchedule
}

func newState() *state {
	return &state{
		batches:   map[string]*orders.Batch{},
		members:   map[string]map[string]int{},
		orders:    map[string]*orders.Order{},
		numbers:   map[string]string{},
		payments:  map[string]*orders.Payment{},
		refs:      map[string]string{},
		schedules: map[string]*orders.PaymentSchedule{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.batches {
		c.batches[k] = v.Clone()
	}
	for k, m := range s.members {
		mm := make(map[string]int, len(m))
		for o, q := range m {
			mm[o] = q
		}
		c.members[k] = mm
	}
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.numbers {
		c.numbers[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v.Clone()
	}
	for k, v := range s.refs {
		c.refs[k] = v
	}
	for k, v := range s.schedules {
		c.schedules[k] = v.Clone()
	}
	return c
}

func New(products ...orders.Product) *Store {
	s := &Store{state: newState(), products: map[string]orders.Product{}}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) PutProduct(p orders.Product) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.products[p.ID] = p
}

// Product implements orders.Catalog.
func (s *Store) Product(_ context.Context, productID string) (orders.Product, error) {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return orders.Product{}, orders.NotFound("product %s not found", productID)
	}
	return p, nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return orders.Transient("begin tx", err)
	}
	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// ---- read helpers for tests and the memory driver ----

func (s *Store) Order(id string) (*orders.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (s *Store) Batch(id string) (*orders.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.batches[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// Batches returns the batches of productID by batch number.
func (s *Store) Batches(productID string) []*orders.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state.productBatches(productID)
	for i, b := range out {
		out[i] = b.Clone()
	}
	return out
}

// MemberQuantity returns the quantity orderID contributed to batchID.
func (s *Store) MemberQuantity(batchID, orderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.members[batchID][orderID]
}

func (s *Store) Payments(orderID string) []*orders.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*orders.Payment
	for _, p := range s.state.payments {
		if p.OrderID == orderID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Schedule(orderID string) (*orders.PaymentSchedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.state.schedules[orderID]
	if !ok {
		return nil, false
	}
	return sc.Clone(), true
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.orders)
}

func (st *state) productBatches(productID string) []*orders.Batch {
	var out []*orders.Batch
	for _, b := range st.batches {
		if b.ProductID == productID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out
}

// ---- orders.Tx ----

type tx struct{ st *state }

func (t *tx) LockProduct(context.Context, string) error { return nil }

func (t *tx) LatestBatch(_ context.Context, productID string) (*orders.Batch, error) {
	bs := t.st.productBatches(productID)
	if len(bs) == 0 {
		return nil, nil
	}
	return bs[len(bs)-1].Clone(), nil
}

func (t *tx) BatchForMember(_ context.Context, productID, orderID string) (*orders.Batch, error) {
	for _, b := range t.st.productBatches(productID) {
		if b.OrderIDs.Has(orderID) {
			return b.Clone(), nil
		}
	}
	return nil, nil
}

func (t *tx) GetBatch(_ context.Context, batchID string, _ bool) (*orders.Batch, error) {
	b, ok := t.st.batches[batchID]
	if !ok {
		return nil, orders.NotFound("batch %s not found", batchID)
	}
	return b.Clone(), nil
}

func (t *tx) InsertBatch(_ context.Context, b *orders.Batch) error {
	if _, ok := t.st.batches[b.ID]; ok {
		return orders.Conflict("duplicate", "batch %s already exists", b.ID)
	}
	for _, ex := range t.st.productBatches(b.ProductID) {
		if ex.BatchNumber == b.BatchNumber {
			return orders.Conflict("duplicate", "batch %d of product %s already exists", b.BatchNumber, b.ProductID)
		}
	}
	c := b.Clone()
	c.OrderIDs = orders.NewIDSet()
	t.st.batches[b.ID] = c
	t.st.members[b.ID] = map[string]int{}
	return nil
}

func (t *tx) UpdateBatch(_ context.Context, b *orders.Batch) error {
	cur, ok := t.st.batches[b.ID]
	if !ok {
		return orders.NotFound("batch %s not found", b.ID)
	}
	c := b.Clone()
	c.OrderIDs = cur.OrderIDs
	t.st.batches[b.ID] = c
	return nil
}

func (t *tx) AddBatchMember(_ context.Context, batchID, orderID string, quantity int) (bool, error) {
	b, ok := t.st.batches[batchID]
	if !ok {
		return false, orders.NotFound("batch %s not found", batchID)
	}
	if !b.OrderIDs.Add(orderID) {
		return false, nil
	}
	t.st.members[batchID][orderID] = quantity
	return true, nil
}

func (t *tx) OrderNumberExists(_ context.Context, number string) (bool, error) {
	_, ok := t.st.numbers[number]
	return ok, nil
}

func (t *tx) InsertOrder(_ context.Context, o *orders.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return orders.Conflict("duplicate", "order %s already exists", o.ID)
	}
	if _, ok := t.st.numbers[o.OrderNumber]; ok {
		return orders.Conflict("duplicate", "order number %s already exists", o.OrderNumber)
	}
	t.st.orders[o.ID] = o.Clone()
	t.st.numbers[o.OrderNumber] = o.ID
	return nil
}

func (t *tx) GetOrder(_ context.Context, orderID string, _ bool) (*orders.Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return nil, orders.NotFound("order %s not found", orderID)
	}
	return o.Clone(), nil
}

func (t *tx) GetOrders(ctx context.Context, orderIDs []string) ([]*orders.Order, error) {
	ids := append([]string(nil), orderIDs...)
	sort.Strings(ids)
	out := make([]*orders.Order, 0, len(ids))
	for _, id := range ids {
		o, err := t.GetOrder(ctx, id, true)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// UpdateOrder writes the mutable columns. History only grows through AppendOrderHistory.
func (t *tx) UpdateOrder(_ context.Context, o *orders.Order) error {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return orders.NotFound("order %s not found", o.ID)
	}
	c := o.Clone()
	c.History = cur.History
	c.Items = cur.Items
	t.st.orders[o.ID] = c
	return nil
}

func (t *tx) AppendOrderHistory(_ context.Context, orderID string, e orders.StatusEntry) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return orders.NotFound("order %s not found", orderID)
	}
	o.History = append(o.History, e)
	return nil
}

func (t *tx) InsertPayment(_ context.Context, p *orders.Payment) error {
	if _, ok := t.st.payments[p.ID]; ok {
		return orders.Conflict("duplicate", "payment %s already exists", p.ID)
	}
	if _, ok := t.st.refs[p.UniqueRef]; ok {
		return orders.Conflict("duplicate", "payment ref %s already exists", p.UniqueRef)
	}
	t.st.payments[p.ID] = p.Clone()
	t.st.refs[p.UniqueRef] = p.ID
	return nil
}

func (t *tx) GetPayment(_ context.Context, paymentID string, _ bool) (*orders.Payment, error) {
	p, ok := t.st.payments[paymentID]
	if !ok {
		return nil, orders.NotFound("payment %s not found", paymentID)
	}
	return p.Clone(), nil
}

func (t *tx) UpdatePayment(_ context.Context, p *orders.Payment) error {
	cur, ok := t.st.payments[p.ID]
	if !ok {
		return orders.NotFound("payment %s not found", p.ID)
	}
	c := p.Clone()
	c.History = cur.History
	t.st.payments[p.ID] = c
	return nil
}

func (t *tx) AppendPaymentHistory(_ context.Context, paymentID string, e orders.StatusEntry) error {
	p, ok := t.st.payments[paymentID]
	if !ok {
		return orders.NotFound("payment %s not found", paymentID)
	}
	p.History = append(p.History, e)
	return nil
}

func (t *tx) SumVerified(_ context.Context, orderID string, pt orders.PaymentType) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range t.st.payments {
		if p.OrderID == orderID && p.Type == pt && p.Status == orders.PaymentVerified {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (t *tx) InsertSchedule(_ context.Context, s *orders.PaymentSchedule) error {
	if _, ok := t.st.schedules[s.OrderID]; ok {
		return orders.Conflict("duplicate", "schedule for order %s already exists", s.OrderID)
	}
	t.st.schedules[s.OrderID] = s.Clone()
	return nil
}

func (t *tx) ScheduleByOrder(_ context.Context, orderID string) (*orders.PaymentSchedule, error) {
	s, ok := t.st.schedules[orderID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (t *tx) UpdateSchedule(_ context.Context, s *orders.PaymentSchedule) error {
	if _, ok := t.st.schedules[s.OrderID]; !ok {
		return orders.NotFound("schedule for order %s not found", s.OrderID)
	}
	t.st.schedules[s.OrderID] = s.Clone()
	return nil
}

func (t *tx) BatchStats(_ context.Context, from, to time.Time) (orders.BatchStats, error) {
	in := func(ts time.Time) bool { return !ts.Before(from) && !ts.After(to) }
	st := orders.BatchStats{TotalShippingFeesCollected: decimal.Zero}
	for _, b := range t.st.batches {
		if !in(b.CreatedAt) {
			continue
		}
		switch b.MOQStatus {
		case orders.BatchPending:
			st.BatchesBelowMOQ++
		case orders.BatchReached:
			st.BatchesAwaitingConfirmation++
		}
		if b.ShippingFeeStatus == orders.ShippingFeeProcessed {
			st.BatchesCompleted++
		}
	}
	for _, o := range t.st.orders {
		if !in(o.CreatedAt) {
			continue
		}
		switch o.ShippingPaymentStatus {
		case orders.Paid:
			st.TotalShippingFeesCollected = st.TotalShippingFeesCollected.Add(o.ShippingFee)
		case orders.Unpaid:
			st.OrdersAwaitingShippingPayment++
			if o.ShippingVerificationStatus == orders.Unverified {
				st.OrdersBlockedFromDelivery++
			}
		}
	}
	return st, nil
}
