package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-groupbuy-orders/internal/batch"
	"github.com/ariefcatur/go-groupbuy-orders/internal/lock"
	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/metrics"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

const (
	maxOrderNumberAttempts = 5
	defaultPaymentMethod   = "MPESA"
)

// Assigner places one product's quantity of an order into a batch.
type Assigner interface {
	Assign(ctx context.Context, tx orders.Tx, productID string, quantity int, orderID string) (batch.Assignment, error)
}

type Ledger struct {
	Store       orders.Store
	Locker      lock.Locker
	Assigner    Assigner
	Events      orders.Emitter
	Settings    orders.Settings
	OrderPrefix string
	Log         *logger.Logger
	Now         func() time.Time
}

type CreateInput struct {
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	IsAnonymous   bool
	Items         []orders.LineItem
	ServiceFee    decimal.Decimal
	// ShippingEstimate seeds the schedule's shipping amount until the batch is closed.
	ShippingEstimate decimal.Decimal
}

// InitialPayment is the deposit a customer reports while placing the order.
type InitialPayment struct {
	Amount    decimal.Decimal
	Reference string
	Method    string
	Phone     string
}

type PlaceInput struct {
	CreateInput
	Payment *InitialPayment
}

type PlaceResult struct {
	Order       *orders.Order
	Schedule    *orders.PaymentSchedule
	Payment     *orders.Payment
	Assignments []batch.Assignment
}

func (in CreateInput) validate() error {
	var problems []string
	if strings.TrimSpace(in.CustomerPhone) == "" {
		problems = append(problems, "customer phone is required")
	}
	if len(in.Items) == 0 {
		problems = append(problems, "at least one line item is required")
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			problems = append(problems, fmt.Sprintf("item %d: product id is required", i))
		}
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("item %d: quantity must be positive", i))
		}
		if it.UnitPrice.IsNegative() {
			problems = append(problems, fmt.Sprintf("item %d: unit price must not be negative", i))
		}
	}
	if in.ServiceFee.IsNegative() {
		problems = append(problems, "service fee must not be negative")
	}
	if in.ShippingEstimate.IsNegative() {
		problems = append(problems, "shipping estimate must not be negative")
	}
	if len(problems) > 0 {
		return &orders.Error{Kind: orders.KindInvalidInput, Code: "invalid_input", Msg: "invalid order", Details: problems}
	}
	return nil
}

func (p *InitialPayment) validate() error {
	if p == nil {
		return nil
	}
	if !p.Amount.IsPositive() {
		return orders.InvalidInput("deposit amount must be positive, got %s", p.Amount)
	}
	if strings.TrimSpace(p.Reference) == "" {
		return orders.InvalidInput("deposit payment reference is required")
	}
	return nil
}

// Create inserts a new order in tx. The order starts AWAITING_BALANCE with nothing paid.
func (l *Ledger) Create(ctx context.Context, tx orders.Tx, in CreateInput) (*orders.Order, error) {
	return l.create(ctx, tx, in, "Order created")
}

func (l *Ledger) create(ctx context.Context, tx orders.Tx, in CreateInput, message string) (*orders.Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	number, err := l.newOrderNumber(ctx, tx)
	if err != nil {
		return nil, err
	}

	total := in.ServiceFee
	for _, it := range in.Items {
		total = total.Add(it.Subtotal())
	}
	now := l.Now()
	o := &orders.Order{
		ID:                         uuid.NewString(),
		OrderNumber:                number,
		CustomerName:               in.CustomerName,
		CustomerEmail:              in.CustomerEmail,
		CustomerPhone:              strings.TrimSpace(in.CustomerPhone),
		IsAnonymous:                in.IsAnonymous,
		Items:                      append([]orders.LineItem(nil), in.Items...),
		Total:                      total,
		ShippingFee:                decimal.Zero,
		TotalWithShipping:          total,
		Status:                     orders.StatusAwaitingBalance,
		History:                    []orders.StatusEntry{{Status: string(orders.StatusAwaitingBalance), At: now, Message: message}},
		ProductPaymentStatus:       orders.Unpaid,
		ShippingPaymentStatus:      orders.Unpaid,
		ShippingVerificationStatus: orders.Unverified,
		MOQStatus:                  orders.StatusAwaitingConfirmation,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (l *Ledger) newOrderNumber(ctx context.Context, tx orders.Tx) (string, error) {
	prefix := l.OrderPrefix
	if prefix == "" {
		prefix = orders.DefaultOrderPrefix
	}
	for i := 0; i < maxOrderNumberAttempts; i++ {
		n, err := orders.NewOrderNumber(prefix)
		if err != nil {
			return "", orders.Transient("generate order number", err)
		}
		taken, err := tx.OrderNumberExists(ctx, n)
		if err != nil {
			return "", err
		}
		if !taken {
			return n, nil
		}
	}
	return "", orders.Transient("generate order number", fmt.Errorf("%d collisions in a row", maxOrderNumberAttempts))
}

// AppendStatus moves o to status and records it in the order history.
func (l *Ledger) AppendStatus(ctx context.Context, tx orders.Tx, o *orders.Order, status orders.OrderStatus, message string) error {
	if !status.Valid() {
		return orders.InvalidInput("unknown order status %q", status)
	}
	if o.Status == status {
		return orders.Conflict(orders.ErrDuplicateStatus.Code, "order %s already has status %s", o.OrderNumber, status)
	}
	if !orders.CanTransition(o.Status, status) {
		return orders.Conflict("invalid_transition", "order %s cannot move from %s to %s", o.OrderNumber, o.Status, status)
	}
	now := l.Now()
	e := orders.StatusEntry{Status: string(status), At: now, Message: message}
	if err := tx.AppendOrderHistory(ctx, o.ID, e); err != nil {
		return err
	}
	o.History = append(o.History, e)
	o.Status = status
	o.UpdatedAt = now
	return tx.UpdateOrder(ctx, o)
}

// Place creates the order, its payment schedule, the optional deposit payment and every
// batch assignment in one transaction under the locks of all products involved.
func (l *Ledger) Place(ctx context.Context, in PlaceInput) (res PlaceResult, err error) {
	defer func(start time.Time) { metrics.RecordOperation("order_place", start, err) }(time.Now())

	if err := in.CreateInput.validate(); err != nil {
		return PlaceResult{}, err
	}
	if err := in.Payment.validate(); err != nil {
		return PlaceResult{}, err
	}

	qty := orders.Quantities(in.Items)
	products := make([]string, 0, len(qty))
	keys := make([]string, 0, len(qty))
	for id := range qty {
		products = append(products, id)
		keys = append(keys, lock.ProductKey(id))
	}
	sort.Strings(products)

	unlock, err := l.Locker.Lock(ctx, keys...)
	if err != nil {
		return PlaceResult{}, orders.Transient("lock products", err)
	}
	defer unlock()

	err = l.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		res = PlaceResult{}
		msg := "Order created"
		if in.Payment != nil {
			msg = fmt.Sprintf("Deposit of %s received, awaiting confirmation", in.Payment.Amount.StringFixed(2))
		}
		o, err := l.create(ctx, tx, in.CreateInput, msg)
		if err != nil {
			return err
		}
		res.Order = o

		deposit := decimal.Zero
		if in.Payment != nil {
			deposit = in.Payment.Amount
		}
		if res.Schedule, err = l.insertSchedule(ctx, tx, o, deposit, in.ServiceFee, in.ShippingEstimate); err != nil {
			return err
		}
		if in.Payment != nil {
			if res.Payment, err = l.insertDeposit(ctx, tx, o, in.Payment); err != nil {
				return err
			}
		}
		for _, pid := range products {
			a, err := l.Assigner.Assign(ctx, tx, pid, qty[pid], o.ID)
			if err != nil {
				return fmt.Errorf("assign product %s: %w", pid, err)
			}
			res.Assignments = append(res.Assignments, a)
		}
		return nil
	})
	if err != nil {
		l.Log.Warn("order placement rolled back", "phone", in.CustomerPhone, "error", err.Error())
		return PlaceResult{}, err
	}

	l.Log.Info("order placed", "order_id", res.Order.ID, "order_number", res.Order.OrderNumber,
		"total", res.Order.Total.String(), "batches", len(res.Assignments))
	l.emitPlaced(ctx, res)
	return res, nil
}

func (l *Ledger) insertSchedule(ctx context.Context, tx orders.Tx, o *orders.Order, deposit, serviceFee, shipping decimal.Decimal) (*orders.PaymentSchedule, error) {
	now := l.Now()
	balanceDue := now.AddDate(0, 0, l.Settings.BalanceDaysDue)
	balance := o.Total.Sub(deposit)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	s := &orders.PaymentSchedule{
		ID:             uuid.NewString(),
		OrderID:        o.ID,
		DepositAmount:  deposit,
		DepositDueDate: now.AddDate(0, 0, l.Settings.DepositDaysDue),
		BalanceAmount:  balance,
		BalanceDueDate: &balanceDue,
		ShippingAmount: shipping,
		ServiceFee:     serviceFee,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.InsertSchedule(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (l *Ledger) insertDeposit(ctx context.Context, tx orders.Tx, o *orders.Order, in *InitialPayment) (*orders.Payment, error) {
	now := l.Now()
	method := in.Method
	if method == "" {
		method = defaultPaymentMethod
	}
	phone := in.Phone
	if phone == "" {
		phone = o.CustomerPhone
	}
	p := &orders.Payment{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Method:      method,
		PhoneNumber: phone,
		Amount:      in.Amount,
		Status:      orders.PaymentUnverified,
		Type:        orders.PaymentProduct,
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
		return nil, err
	}
	o.AppendReceipt(orders.PaymentProduct, in.Reference)
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	return p, nil
}

func (l *Ledger) emitPlaced(ctx context.Context, res PlaceResult) {
	batchIDs := make([]string, 0, len(res.Assignments))
	for _, a := range res.Assignments {
		batchIDs = append(batchIDs, a.Batch.ID)
		if a.Opened {
			l.Events.Emit(ctx, orders.EventBatchOpened, a.Batch.ID, orders.BatchPayloadOf(a.Batch))
		}
		for _, b := range a.Reached {
			l.Events.Emit(ctx, orders.EventBatchReached, b.ID, orders.BatchPayloadOf(b))
		}
	}
	l.Events.Emit(ctx, orders.EventOrderPlaced, res.Order.ID, orders.OrderPlacedPayload{
		OrderID:     res.Order.ID,
		OrderNumber: res.Order.OrderNumber,
		Items:       res.Order.Items,
		Total:       res.Order.Total,
		BatchIDs:    batchIDs,
	})
	if res.Payment != nil {
		l.Events.Emit(ctx, orders.EventPaymentRecorded, res.Order.ID, orders.PaymentPayload{
			PaymentID: res.Payment.ID,
			OrderID:   res.Order.ID,
			Type:      res.Payment.Type,
			Amount:    res.Payment.Amount,
			Status:    res.Payment.Status,
		})
	}
}

// SetStatus is the operator's manual status change.
func (l *Ledger) SetStatus(ctx context.Context, orderID string, status orders.OrderStatus, message string) (o *orders.Order, err error) {
	defer func(start time.Time) { metrics.RecordOperation("order_set_status", start, err) }(time.Now())

	unlock, err := l.Locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return nil, orders.Transient("lock order", err)
	}
	defer unlock()

	err = l.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		if o, err = tx.GetOrder(ctx, orderID, true); err != nil {
			return err
		}
		return l.AppendStatus(ctx, tx, o, status, message)
	})
	if err != nil {
		return nil, err
	}
	l.Log.Info("order status set", "order_id", o.ID, "status", string(status))
	l.Events.Emit(ctx, orders.EventOrderStatusChanged, o.ID, orders.OrderStatusPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Status:      o.Status,
		Message:     message,
	})
	return o, nil
}

func (l *Ledger) Get(ctx context.Context, orderID string) (*orders.Order, error) {
	var o *orders.Order
	err := l.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID, false)
		return err
	})
	return o, err
}

func (l *Ledger) Schedule(ctx context.Context, orderID string) (*orders.PaymentSchedule, error) {
	var s *orders.PaymentSchedule
	err := l.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		if s, err = tx.ScheduleByOrder(ctx, orderID); err != nil {
			return err
		}
		if s == nil {
			return orders.NotFound("payment schedule for order %s not found", orderID)
		}
		return nil
	})
	return s, err
}
