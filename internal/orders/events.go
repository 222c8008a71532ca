package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderPlaced        = "OrderPlaced"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventBatchOpened        = "BatchOpened"
	EventBatchReached       = "BatchReached"
	EventBatchClosed        = "BatchClosed"
	EventBatchStatusChanged = "BatchStatusChanged"
	EventPaymentRecorded    = "PaymentRecorded"
	EventPaymentReviewed    = "PaymentReviewed"

	// inbound, published by the payment gateway and the admin console
	EventPaymentSubmitted = "PaymentSubmitted"
	EventPaymentDecision  = "PaymentDecision"

	// operator and storefront commands
	EventOrderRequested                   = "OrderRequested"
	EventOrderStatusRequested             = "OrderStatusRequested"
	EventBatchCloseRequested              = "BatchCloseRequested"
	EventShippingCollectionCloseRequested = "ShippingCollectionCloseRequested"
	EventBatchAdvanceRequested            = "BatchAdvanceRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderPlacedPayload struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Items       []LineItem      `json:"items"`
	Total       decimal.Decimal `json:"total"`
	BatchIDs    []string        `json:"batch_ids"`
}

type OrderStatusPayload struct {
	OrderID     string      `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	Status      OrderStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
}

type BatchPayload struct {
	BatchID         string      `json:"batch_id"`
	ProductID       string      `json:"product_id"`
	BatchNumber     int         `json:"batch_number"`
	MOQValue        int         `json:"moq_value"`
	OrdersCollected int         `json:"orders_collected"`
	Status          BatchStatus `json:"status"`
}

type BatchClosedPayload struct {
	BatchID          string          `json:"batch_id"`
	ShippingPerOrder decimal.Decimal `json:"shipping_per_order"`
	ShippingFee      decimal.Decimal `json:"shipping_fee"`
	FreeShipping     bool            `json:"free_shipping"`
	OrderIDs         []string        `json:"order_ids"`
}

type PaymentPayload struct {
	PaymentID string          `json:"payment_id"`
	OrderID   string          `json:"order_id"`
	Type      PaymentType     `json:"payment_type"`
	Amount    decimal.Decimal `json:"amount"`
	Status    PaymentStatus   `json:"status"`
}

type PaymentSubmittedPayload struct {
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      PaymentType     `json:"payment_type"`
	Reference string          `json:"payment_reference"`
	Method    string          `json:"payment_method"`
	Phone     string          `json:"phone_number"`
}

type PaymentDecisionPayload struct {
	PaymentID string        `json:"payment_id"`
	Status    PaymentStatus `json:"status"`
	Method    string        `json:"payment_method,omitempty"`
}

type DepositPayload struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"payment_reference"`
	Method    string          `json:"payment_method,omitempty"`
	Phone     string          `json:"phone_number,omitempty"`
}

type OrderRequestedPayload struct {
	CustomerName     string          `json:"customer_name"`
	CustomerEmail    string          `json:"customer_email,omitempty"`
	CustomerPhone    string          `json:"customer_phone"`
	IsAnonymous      bool            `json:"is_anonymous"`
	Items            []LineItem      `json:"items"`
	ServiceFee       decimal.Decimal `json:"service_fee"`
	ShippingEstimate decimal.Decimal `json:"shipping_estimate"`
	Deposit          *DepositPayload `json:"deposit,omitempty"`
}

type OrderStatusRequestedPayload struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

type BatchCloseRequestedPayload struct {
	BatchID          string          `json:"batch_id"`
	ShippingPerOrder decimal.Decimal `json:"shipping_per_order"`
}

// BatchCommandPayload serves shipping-collection close and batch advance.
type BatchCommandPayload struct {
	BatchID string      `json:"batch_id"`
	Status  BatchStatus `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
}

func BatchPayloadOf(b *Batch) BatchPayload {
	return BatchPayload{
		BatchID:         b.ID,
		ProductID:       b.ProductID,
		BatchNumber:     b.BatchNumber,
		MOQValue:        b.MOQValue,
		OrdersCollected: b.OrdersCollected,
		Status:          b.MOQStatus,
	}
}
