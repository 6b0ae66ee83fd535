package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the normalised outcome of a gateway verification.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

var (
	// ErrGatewayTimeout marks a single call that timed out or could not reach the gateway.
	ErrGatewayTimeout = errors.New("payment: gateway timeout")
	// ErrPaymentUnavailable is returned once retryable failures exhausted the attempt budget.
	ErrPaymentUnavailable = errors.New("payment: gateway unavailable")
	// ErrGatewayRejected is returned when the gateway answered and refused the request.
	ErrGatewayRejected = errors.New("payment: gateway rejected request")
	// ErrMalformedResponse is returned when the gateway answer cannot be trusted.
	ErrMalformedResponse = errors.New("payment: malformed gateway response")
)

type InitiateRequest struct {
	OrderID     string
	AmountMinor int64
	Currency    string
	Email       string
	Reference   string
	CallbackURL string
}

type Redirect struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

type Verification struct {
	Reference     string
	Status        Status
	AmountMinor   int64
	Currency      string
	GatewayStatus string
	PaidAt        *time.Time
}

// Gateway is the initiate/verify contract of the external payment gateway.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (Redirect, error)
	Verify(ctx context.Context, reference string) (Verification, error)
}

// NewReference builds the gateway reference of the attempt-th payment of an order.
func NewReference(prefix, orderID string, attempt int) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "MKT"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, orderID, attempt)
}

// normaliseStatus maps gateway transaction states onto Status. Unknown
// states are rejected rather than guessed.
func normaliseStatus(gatewayStatus string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(gatewayStatus)) {
	case "success":
		return StatusSuccess, true
	case "failed", "reversed":
		return StatusFailed, true
	case "pending", "ongoing", "processing", "queued", "abandoned":
		return StatusPending, true
	default:
		return "", false
	}
}
