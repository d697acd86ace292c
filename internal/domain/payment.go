package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusPending      PaymentStatus = "pending"
	PaymentStatusAuthorized   PaymentStatus = "authorized"
	PaymentStatusCaptured     PaymentStatus = "captured"
	PaymentStatusSettled      PaymentStatus = "settled"
	PaymentStatusDeclined     PaymentStatus = "declined"
	PaymentStatusRefunded     PaymentStatus = "refunded"
	PaymentStatusChargebacked PaymentStatus = "chargebacked"
)

// IsTerminal reports whether no further transitions are defined from s.
func (s PaymentStatus) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Payment is the aggregate this service mutates. The id is assigned by
// the payment processor, not by us. Amount is in minor currency units.
type Payment struct {
	ID         string
	MerchantID string
	Amount     int64
	Currency   string
	Status     PaymentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
