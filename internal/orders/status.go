package orders

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Event is something that happens to an order and may move it along either axis.
type Event string

const (
	EventPaymentSucceeded Event = "payment_succeeded"
	EventPaymentFailed    Event = "payment_failed"
	EventPaymentRetried   Event = "payment_retried"
	EventCancel           Event = "cancel"
	EventShip             Event = "ship"
	EventDeliver          Event = "deliver"
	EventRefund           Event = "refund"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:   {StatusDelivered: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

var validNextPayment = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:  {PaymentPaid: true, PaymentFailed: true},
	PaymentFailed:   {PaymentPending: true, PaymentPaid: true},
	PaymentPaid:     {PaymentRefunded: true},
	PaymentRefunded: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validNextPayment[from][to]
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

// Apply returns o moved by ev, or a *StateError when the event is not legal
// from the order's current state. o itself is never modified.
func Apply(o Order, ev Event) (Order, error) {
	next := o
	switch ev {
	case EventPaymentSucceeded:
		if o.Status != StatusPending || !CanTransitionPayment(o.PaymentStatus, PaymentPaid) {
			return o, newStateError(o, ev)
		}
		next.Status = StatusConfirmed
		next.PaymentStatus = PaymentPaid
	case EventPaymentFailed:
		if o.Status != StatusPending || !CanTransitionPayment(o.PaymentStatus, PaymentFailed) {
			return o, newStateError(o, ev)
		}
		next.PaymentStatus = PaymentFailed
	case EventPaymentRetried:
		if o.Status != StatusPending {
			return o, newStateError(o, ev)
		}
		switch o.PaymentStatus {
		case PaymentPending:
		case PaymentFailed:
			next.PaymentStatus = PaymentPending
		default:
			return o, newStateError(o, ev)
		}
	case EventCancel:
		if !CanTransition(o.Status, StatusCancelled) {
			return o, newStateError(o, ev)
		}
		next.Status = StatusCancelled
		if o.PaymentStatus == PaymentPaid {
			next.PaymentStatus = PaymentRefunded
		}
	case EventShip:
		if !CanTransition(o.Status, StatusShipped) || o.PaymentStatus != PaymentPaid {
			return o, newStateError(o, ev)
		}
		next.Status = StatusShipped
	case EventDeliver:
		if !CanTransition(o.Status, StatusDelivered) {
			return o, newStateError(o, ev)
		}
		next.Status = StatusDelivered
	case EventRefund:
		if !CanTransitionPayment(o.PaymentStatus, PaymentRefunded) {
			return o, newStateError(o, ev)
		}
		next.PaymentStatus = PaymentRefunded
	default:
		return o, fmt.Errorf("orders: unknown event %q", ev)
	}
	return next, nil
}
