package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound is returned when the order does not exist or is not visible to the caller.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrAttemptNotFound is returned by stores when no payment attempt carries the reference.
	ErrAttemptNotFound = errors.New("orders: payment attempt not found")
	// ErrInvalidState indicates the order's current state forbids the requested transition.
	ErrInvalidState = errors.New("orders: invalid state")
	// ErrInvalidReference indicates a payment reference unknown to, or not owned by, the order.
	ErrInvalidReference = errors.New("orders: invalid payment reference")
	// ErrAmountMismatch indicates the gateway verified a different amount or currency than the order total.
	ErrAmountMismatch = errors.New("orders: verified amount does not match order total")
	// ErrEmptyCart is returned when checkout is attempted with no cart lines.
	ErrEmptyCart = errors.New("orders: cart is empty")
	// ErrUnavailable indicates a required dependency was not configured.
	ErrUnavailable = errors.New("orders: service unavailable")
)

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s, available: %d", e.ProductID, e.Available)
}

type ProductUnavailableError struct {
	ProductID string
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %s is not available", e.ProductID)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateError describes a rejected transition. It matches ErrInvalidState with errors.Is.
type StateError struct {
	Status        Status
	PaymentStatus PaymentStatus
	Event         Event
}

func newStateError(o Order, ev Event) *StateError {
	return &StateError{Status: o.Status, PaymentStatus: o.PaymentStatus, Event: ev}
}

func (e *StateError) Error() string {
	return fmt.Sprintf("orders: cannot %s order in status %s/%s", e.Event, e.Status, e.PaymentStatus)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
