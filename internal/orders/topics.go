package orders

const (
	TopicOrderPlaced      = "order.placed"
	TopicPaymentInitiated = "order.payment.initiated"
	TopicPaymentConfirmed = "order.payment.confirmed"
	TopicPaymentFailed    = "order.payment.failed"
	TopicPaymentPending   = "order.payment.pending"
	TopicPaymentRejected  = "order.payment.rejected"
	TopicOrderCancelled   = "order.cancelled"
	TopicOrderShipped     = "order.shipped"
	TopicOrderDelivered   = "order.delivered"
)

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
