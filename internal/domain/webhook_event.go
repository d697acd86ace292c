package domain

import (
	"encoding/json"
	"time"
)

type ProcessingStatus string

const (
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusProcessed  ProcessingStatus = "processed"
	ProcessingStatusDeferred   ProcessingStatus = "deferred"
)

type EventType string

const (
	EventTypeAuthorized EventType = "payment.authorized"
	EventTypeCaptured   EventType = "payment.captured"
	EventTypeSettled    EventType = "payment.settled"
	EventTypeDeclined   EventType = "payment.declined"
	EventTypeRefunded   EventType = "payment.refunded"
	EventTypeChargeback EventType = "payment.chargeback"
)

// WebhookEvent is one notification from the processor. WebhookID is the
// processor-assigned idempotency key; the unique constraint on it is the
// only concurrency-control mechanism in the system. Payload is stored
// verbatim for audit.
type WebhookEvent struct {
	ID          int64
	WebhookID   string
	PaymentID   string
	EventType   EventType
	Payload     json.RawMessage
	Status      ProcessingStatus
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}
