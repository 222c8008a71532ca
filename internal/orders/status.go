package orders

// OrderStatus is the lifecycle tag of an order.
type OrderStatus string

const (
	StatusAwaitingBalance      OrderStatus = "AWAITING_BALANCE"
	StatusAwaitingConfirmation OrderStatus = "AWAITING_CONFIRMATION"
	StatusMOQAchieved          OrderStatus = "MOQ_ACHIEVED"
	StatusAwaitingShippingFee  OrderStatus = "AWAITING_SHIPPING_FEE"
	StatusShippingFeePaid      OrderStatus = "SHIPPING_FEE_PAID"
	StatusShipped              OrderStatus = "SHIPPED"
	StatusDelivered            OrderStatus = "DELIVERED"
	StatusCancelled            OrderStatus = "CANCELLED"
)

// The intended path is linear, but product payment and batch close can land in either
// order, so the middle states reach each other.
var validNextOrder = map[OrderStatus]map[OrderStatus]bool{
	StatusAwaitingBalance: {
		StatusAwaitingConfirmation: true,
		StatusMOQAchieved:          true,
		StatusAwaitingShippingFee:  true,
		StatusCancelled:            true,
	},
	StatusAwaitingConfirmation: {
		StatusMOQAchieved:         true,
		StatusAwaitingShippingFee: true,
		StatusCancelled:           true,
	},
	StatusMOQAchieved: {
		StatusAwaitingShippingFee: true,
		StatusShippingFeePaid:     true,
		StatusCancelled:           true,
	},
	StatusAwaitingShippingFee: {
		StatusMOQAchieved:     true,
		StatusShippingFeePaid: true,
		StatusCancelled:       true,
	},
	StatusShippingFeePaid: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:         {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:       {},
	StatusCancelled:       {},
}

func (s OrderStatus) Valid() bool {
	_, ok := validNextOrder[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(validNextOrder[s]) == 0
}

func CanTransition(from, to OrderStatus) bool {
	return validNextOrder[from][to]
}

// BatchStatus doubles as the batch's MOQ status.
type BatchStatus string

const (
	BatchPending             BatchStatus = "PENDING"
	BatchReached             BatchStatus = "REACHED"
	BatchAwaitingShippingFee BatchStatus = "AWAITING_SHIPPING_FEE"
	BatchShippingFeePaid     BatchStatus = "SHIPPING_FEE_PAID"
	BatchShipped             BatchStatus = "SHIPPED"
	BatchDelivered           BatchStatus = "DELIVERED"
	BatchCancelled           BatchStatus = "CANCELLED"
)

var validNextBatch = map[BatchStatus]map[BatchStatus]bool{
	BatchPending:             {BatchReached: true, BatchAwaitingShippingFee: true, BatchCancelled: true},
	BatchReached:             {BatchAwaitingShippingFee: true, BatchCancelled: true},
	BatchAwaitingShippingFee: {BatchShippingFeePaid: true, BatchCancelled: true},
	BatchShippingFeePaid:     {BatchShipped: true, BatchCancelled: true},
	BatchShipped:             {BatchDelivered: true},
	BatchDelivered:           {},
	BatchCancelled:           {},
}

// AdvanceTargets are the statuses an operator may push a batch to directly.
var AdvanceTargets = map[BatchStatus]bool{
	BatchShipped:         true,
	BatchDelivered:       true,
	BatchCancelled:       true,
	BatchShippingFeePaid: true,
}

// advancePriors are the statuses a batch must already be in before an operator advance.
var advancePriors = map[BatchStatus]bool{
	BatchShippingFeePaid: true,
	BatchShipped:         true,
}

func (s BatchStatus) Valid() bool {
	_, ok := validNextBatch[s]
	return ok
}

// Open reports whether the batch still accepts line items or a close.
func (s BatchStatus) Open() bool {
	return s == BatchPending || s == BatchReached
}

func CanTransitionBatch(from, to BatchStatus) bool {
	return validNextBatch[from][to]
}

func CanAdvanceBatch(from, to BatchStatus) bool {
	return AdvanceTargets[to] && advancePriors[from] && CanTransitionBatch(from, to)
}

type ShippingFeeStatus string

const (
	ShippingFeePending   ShippingFeeStatus = "PENDING"
	ShippingFeeProcessed ShippingFeeStatus = "PROCESSED"
)

type PaidStatus string

const (
	Unpaid PaidStatus = "UNPAID"
	Paid   PaidStatus = "PAID"
)

type VerificationStatus string

const (
	Unverified VerificationStatus = "UNVERIFIED"
	Verified   VerificationStatus = "VERIFIED"
)

type PaymentStatus string

const (
	PaymentUnverified PaymentStatus = "UNVERIFIED"
	PaymentVerified   PaymentStatus = "VERIFIED"
	PaymentRejected   PaymentStatus = "REJECTED"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentVerified || s == PaymentRejected
}

type PaymentType string

const (
	PaymentProduct     PaymentType = "PRODUCT"
	PaymentShippingFee PaymentType = "SHIPPING_FEE"
)

func (t PaymentType) Valid() bool {
	return t == PaymentProduct || t == PaymentShippingFee
}
