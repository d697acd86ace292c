package domain

import "fmt"

// transitions maps (current status, event type) to the next status.
// Terminal statuses have no entry. Built once; never mutated.
var transitions = map[PaymentStatus]map[EventType]PaymentStatus{
	PaymentStatusPending: {
		EventTypeAuthorized: PaymentStatusAuthorized,
		EventTypeDeclined:   PaymentStatusDeclined,
	},
	PaymentStatusAuthorized: {
		EventTypeCaptured: PaymentStatusCaptured,
		EventTypeDeclined: PaymentStatusDeclined,
	},
	PaymentStatusCaptured: {
		EventTypeSettled:  PaymentStatusSettled,
		EventTypeRefunded: PaymentStatusRefunded,
	},
	PaymentStatusSettled: {
		EventTypeRefunded:   PaymentStatusRefunded,
		EventTypeChargeback: PaymentStatusChargebacked,
	},
}

var knownEvents = func() map[EventType]struct{} {
	m := make(map[EventType]struct{})
	for _, next := range transitions {
		for evt := range next {
			m[evt] = struct{}{}
		}
	}
	return m
}()

// NextStatus applies one webhook event to the current payment status.
//
// It returns ErrInvalidTransition when the event type is not valid in any
// state (or the current status is terminal), and ErrOutOfOrderEvent when
// the event type is valid globally but premature for the current status.
// The distinction matters: out-of-order events are deferred and replayed
// later, invalid ones are rejected for good.
func NextStatus(current PaymentStatus, eventType EventType) (PaymentStatus, error) {
	if _, ok := knownEvents[eventType]; !ok {
		return "", fmt.Errorf("event type %q is not valid in any state: %w", eventType, ErrInvalidTransition)
	}

	next, ok := transitions[current]
	if !ok {
		return "", fmt.Errorf("status %q is terminal: %w", current, ErrInvalidTransition)
	}
	if status, ok := next[eventType]; ok {
		return status, nil
	}
	return "", fmt.Errorf("event %q cannot apply to status %q: %w", eventType, current, ErrOutOfOrderEvent)
}
