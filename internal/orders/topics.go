package orders

const (
	TopicOrders   = "groupbuy.orders"
	TopicBatches  = "groupbuy.batches"
	TopicPayments = "groupbuy.payments"

	TopicPaymentSubmitted = "groupbuy.payment.submitted"
	TopicPaymentDecision  = "groupbuy.payment.decision"
	TopicCommands         = "groupbuy.commands"
)

var eventTopics = map[string]string{
	EventOrderPlaced:        TopicOrders,
	EventOrderStatusChanged: TopicOrders,
	EventBatchOpened:        TopicBatches,
	EventBatchReached:       TopicBatches,
	EventBatchClosed:        TopicBatches,
	EventBatchStatusChanged: TopicBatches,
	EventPaymentRecorded:    TopicPayments,
	EventPaymentReviewed:    TopicPayments,
	EventPaymentSubmitted:   TopicPaymentSubmitted,
	EventPaymentDecision:    TopicPaymentDecision,

	EventOrderRequested:                   TopicCommands,
	EventOrderStatusRequested:             TopicCommands,
	EventBatchCloseRequested:              TopicCommands,
	EventShippingCollectionCloseRequested: TopicCommands,
	EventBatchAdvanceRequested:            TopicCommands,
}

// TopicFor maps an event type to its topic; unknown types land on the orders topic.
func TopicFor(eventType string) string {
	if t, ok := eventTopics[eventType]; ok {
		return t
	}
	return TopicOrders
}

// Partition key = aggregate id, so events of one order or batch stay in order.
func PartitionKey(id string) []byte { return []byte(id) }
