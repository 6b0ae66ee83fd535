package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeOrderPlaced      = "OrderPlaced"
	EventTypePaymentInitiated = "PaymentInitiated"
	EventTypePaymentConfirmed = "PaymentConfirmed"
	EventTypePaymentFailed    = "PaymentFailed"
	EventTypePaymentPending   = "PaymentPending"
	EventTypePaymentRejected  = "PaymentRejected"
	EventTypeOrderCancelled   = "OrderCancelled"
	EventTypeOrderShipped     = "OrderShipped"
	EventTypeOrderDelivered   = "OrderDelivered"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads per event ----

type LineQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderPlacedPayload struct {
	OrderID    string    `json:"order_id"`
	BuyerID    string    `json:"buyer_id"`
	Lines      []LineQty `json:"lines"`
	TotalMinor int64     `json:"total_minor"`
	Currency   string    `json:"currency"`
}

type PaymentPayload struct {
	OrderID       string        `json:"order_id"`
	Reference     string        `json:"reference"`
	Attempt       int           `json:"attempt,omitempty"`
	AmountMinor   int64         `json:"amount_minor,omitempty"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Reason        string        `json:"reason,omitempty"`
}

type OrderStatePayload struct {
	OrderID        string        `json:"order_id"`
	Status         Status        `json:"status"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	TrackingNumber string        `json:"tracking_number,omitempty"`
	Restocked      []LineQty     `json:"restocked,omitempty"`
}

// NewEnvelope wraps payload as a version 1 event correlated to orderID.
func NewEnvelope(eventType, producer, orderID string, occurredAt time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    occurredAt.UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}
