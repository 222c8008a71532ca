package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store runs fn in one transaction. Any error returned by fn rolls back every write made
// through tx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the persistence surface the engine works against. Getters return a NotFound error
// for missing rows except where noted. forUpdate asks the store to hold a row lock until
// the transaction ends.
type Tx interface {
	// LockProduct serialises batch assignment for one product until the transaction ends.
	LockProduct(ctx context.Context, productID string) error
	// LatestBatch returns the batch with the highest number for productID, or nil.
	LatestBatch(ctx context.Context, productID string) (*Batch, error)
	// BatchForMember returns the batch of productID that already holds orderID, or nil.
	BatchForMember(ctx context.Context, productID, orderID string) (*Batch, error)
	GetBatch(ctx context.Context, batchID string, forUpdate bool) (*Batch, error)
	// InsertBatch writes the batch row only. Members go through AddBatchMember.
	InsertBatch(ctx context.Context, b *Batch) error
	UpdateBatch(ctx context.Context, b *Batch) error
	// AddBatchMember merges orderID into the batch's member set and reports whether it was new.
	AddBatchMember(ctx context.Context, batchID, orderID string, quantity int) (bool, error)

	OrderNumberExists(ctx context.Context, number string) (bool, error)
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, orderID string, forUpdate bool) (*Order, error)
	// GetOrders loads the given orders locked for update, in id order.
	GetOrders(ctx context.Context, orderIDs []string) ([]*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	AppendOrderHistory(ctx context.Context, orderID string, e StatusEntry) error

	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, paymentID string, forUpdate bool) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	AppendPaymentHistory(ctx context.Context, paymentID string, e StatusEntry) error
	SumVerified(ctx context.Context, orderID string, t PaymentType) (decimal.Decimal, error)

	InsertSchedule(ctx context.Context, s *PaymentSchedule) error
	// ScheduleByOrder returns the order's payment schedule, or nil.
	ScheduleByOrder(ctx context.Context, orderID string) (*PaymentSchedule, error)
	UpdateSchedule(ctx context.Context, s *PaymentSchedule) error

	BatchStats(ctx context.Context, from, to time.Time) (BatchStats, error)
}

// Catalog is the read-only product collaborator.
type Catalog interface {
	Product(ctx context.Context, productID string) (Product, error)
}

// Notifier delivers a customer alert. It must not block on delivery and reports failures
// through its own logging.
type Notifier interface {
	Notify(ctx context.Context, phone, message string)
}

// Emitter publishes a domain event after the state change that caused it has committed.
type Emitter interface {
	Emit(ctx context.Context, eventType, correlationID string, payload any)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) {}

type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, string, string, any) {}
