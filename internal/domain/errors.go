package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDuplicateWebhook = errors.New("webhook already received")

	// ErrInvalidTransition means the event type is not recognized anywhere
	// in the transition table, or the payment is already terminal.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrOutOfOrderEvent means the event type is valid somewhere in the
	// table but its prerequisite transition has not happened yet. Callers
	// defer the event instead of rejecting it.
	ErrOutOfOrderEvent = errors.New("event out of order for current status")
)
