package orders

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID                   string `yaml:"id"`
	Name                 string `yaml:"name"`
	MinimumOrderQuantity int    `yaml:"minimum_order_quantity"`
}

// LineItem is the snapshot of one product taken when the order was placed.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// StatusEntry is one row of an append-only audit trail.
type StatusEntry struct {
	Status  string    `json:"status"`
	At      time.Time `json:"date"`
	Message string    `json:"message"`
}

// IDSet is an unordered set of order ids.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add merges id into the set and reports whether it was new.
func (s IDSet) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in a stable order, for lock acquisition and output.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type Batch struct {
	ID                string
	ProductID         string
	BatchNumber       int
	MOQValue          int
	OrdersCollected   int
	OrderIDs          IDSet
	MOQStatus         BatchStatus
	ShippingFee       decimal.Decimal
	ShippingFeeStatus ShippingFeeStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Full reports whether the batch has met its MOQ and must not take more line items.
func (b *Batch) Full() bool {
	return b.OrdersCollected >= b.MOQValue
}

func (b *Batch) Clone() *Batch {
	c := *b
	c.OrderIDs = NewIDSet(b.OrderIDs.Sorted()...)
	return &c
}

type Order struct {
	ID                         string
	OrderNumber                string
	CustomerName               string
	CustomerEmail              string
	CustomerPhone              string
	IsAnonymous                bool
	Items                      []LineItem
	Total                      decimal.Decimal
	ShippingFee                decimal.Decimal
	TotalWithShipping          decimal.Decimal
	Status                     OrderStatus
	History                    []StatusEntry
	ProductPaymentStatus       PaidStatus
	ShippingPaymentStatus      PaidStatus
	ShippingVerificationStatus VerificationStatus
	PaymentReceipt             string
	ShippingPaymentReceipt     string
	MOQStatus                  OrderStatus
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	c.History = append([]StatusEntry(nil), o.History...)
	return &c
}

// AppendReceipt adds ref to the receipt list kept for the given payment type.
func (o *Order) AppendReceipt(t PaymentType, ref string) {
	field := &o.PaymentReceipt
	if t == PaymentShippingFee {
		field = &o.ShippingPaymentReceipt
	}
	if *field == "" {
		*field = ref
		return
	}
	*field += "," + ref
}

// Quantities sums line item quantities per product.
func Quantities(items []LineItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.ProductID] += it.Quantity
	}
	return out
}

type Payment struct {
	ID          string
	OrderID     string
	Method      string
	PhoneNumber string
	Amount      decimal.Decimal
	Status      PaymentStatus
	Type        PaymentType
	UniqueRef   string
	MerchantRef string
	History     []StatusEntry
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p *Payment) Clone() *Payment {
	c := *p
	c.History = append([]StatusEntry(nil), p.History...)
	return &c
}

// PaymentSchedule is the reminder ledger derived from an order's amounts.
type PaymentSchedule struct {
	ID              string
	OrderID         string
	DepositAmount   decimal.Decimal
	DepositPaid     bool
	DepositDueDate  time.Time
	DepositReceipt  string
	BalanceAmount   decimal.Decimal
	BalancePaid     bool
	BalanceDueDate  *time.Time
	BalanceReceipt  string
	ShippingAmount  decimal.Decimal
	ShippingPaid    bool
	ShippingDueDate *time.Time
	ShippingReceipt string
	ServiceFee      decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *PaymentSchedule) Clone() *PaymentSchedule {
	c := *s
	return &c
}

// Settings are the store-wide knobs that feed payment schedules.
type Settings struct {
	DepositDaysDue  int `yaml:"deposit_days_due"`
	BalanceDaysDue  int `yaml:"balance_days_due"`
	ShippingDaysDue int `yaml:"shipping_days_due"`
}

// BatchStats summarises MOQ progress over a creation window.
type BatchStats struct {
	BatchesBelowMOQ               int             `json:"products_below_moq"`
	BatchesAwaitingConfirmation   int             `json:"products_awaiting_confirmation"`
	BatchesCompleted              int             `json:"batches_completed"`
	TotalShippingFeesCollected    decimal.Decimal `json:"total_shipping_fees_collected"`
	OrdersAwaitingShippingPayment int             `json:"orders_awaiting_shipping_payment"`
	OrdersBlockedFromDelivery     int             `json:"orders_blocked_from_delivery"`
}
