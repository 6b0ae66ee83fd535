package orders

import "time"

type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

type Product struct {
	ID            string
	VendorID      string
	Name          string
	PriceMinor    int64
	StockQuantity int
	Status        ProductStatus
	UpdatedAt     time.Time
}

// CartLine is one row of a buyer's cart. The cart itself is owned by the
// external cart service; checkout only reads it and clears it on payment.
type CartLine struct {
	BuyerID   string
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

// CartItem is a cart line joined with the product snapshot read at the same time.
type CartItem struct {
	CartLine
	Product Product
}

type Address struct {
	FullName   string `json:"full_name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
	PostalCode string `json:"postal_code,omitempty"`
}

func (a Address) IsZero() bool { return a == Address{} }

// BuyerContext identifies the caller of every buyer-facing operation.
type BuyerContext struct {
	BuyerID string
	Email   string
}

type Order struct {
	ID              string
	BuyerID         string
	Status          Status
	PaymentStatus   PaymentStatus
	Currency        string
	ShippingMinor   int64
	TaxMinor        int64
	TotalMinor      int64
	ShippingAddress Address
	BillingAddress  Address
	TrackingNumber  string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Lines []OrderLine // populated by read paths only
}

// Subtotal sums the captured line totals.
func (o Order) Subtotal() int64 {
	var sum int64
	for _, l := range o.Lines {
		sum += l.TotalPriceMinor
	}
	return sum
}

type OrderLine struct {
	OrderID         string
	ProductID       string
	VendorID        string
	Quantity        int
	UnitPriceMinor  int64
	TotalPriceMinor int64
}

type AttemptStatus string

const (
	AttemptInitiated      AttemptStatus = "initiated"
	AttemptPending        AttemptStatus = "pending"
	AttemptSuccess        AttemptStatus = "success"
	AttemptFailed         AttemptStatus = "failed"
	AttemptAmountMismatch AttemptStatus = "amount_mismatch"
	// AttemptUnapplied marks a captured payment that arrived after the order
	// could no longer be confirmed. It needs a manual refund.
	AttemptUnapplied AttemptStatus = "unapplied"
	// AttemptSuperseded closes an attempt that never resolved before its
	// order stopped awaiting payment.
	AttemptSuperseded AttemptStatus = "superseded"
)

// PaymentAttempt records one gateway transaction for an order. AppliedAt is
// set exactly once, when the attempt's verified result has been applied.
type PaymentAttempt struct {
	Reference      string
	OrderID        string
	Attempt        int
	AmountMinor    int64
	Currency       string
	Status         AttemptStatus
	VerifyCount    int
	InitiatedAt    time.Time
	LastVerifiedAt *time.Time
	AppliedAt      *time.Time
}

func (a PaymentAttempt) Applied() bool { return a.AppliedAt != nil }
