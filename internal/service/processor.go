package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fulfillhub/webhook-receiver/internal/domain"
)

type paymentRepo interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.Payment, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id string, status domain.PaymentStatus, updatedAt time.Time) error
}

type eventRepo interface {
	Claim(ctx context.Context, tx *sql.Tx, event *domain.WebhookEvent) error
	MarkProcessed(ctx context.Context, tx *sql.Tx, id int64, processedAt time.Time) error
	MarkDeferred(ctx context.Context, tx *sql.Tx, id int64) error
	ListDeferred(ctx context.Context, paymentID string) ([]domain.WebhookEvent, error)
}

// Outcome is the result of processing one webhook, as the HTTP layer
// needs to see it.
type Outcome string

const (
	// OutcomeAccepted: the transition was applied and committed.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeIdempotent: this webhook id was already claimed earlier;
	// nothing was changed.
	OutcomeIdempotent Outcome = "idempotent"
	// OutcomeDeferred: the event is valid but premature; it was stored
	// for a later replay.
	OutcomeDeferred Outcome = "deferred"
	// OutcomePaymentNotFound: no payment row with the given id exists.
	OutcomePaymentNotFound Outcome = "payment_not_found"
	// OutcomeRejected: the event type can never apply (unknown type or
	// terminal payment).
	OutcomeRejected Outcome = "rejected"
)

type ProcessRequest struct {
	WebhookID string
	PaymentID string
	EventType domain.EventType
	Payload   json.RawMessage
}

// Processor drives one webhook through claim, transition, persist and
// replay. All cross-request coordination happens in Postgres: the unique
// constraint on webhook_id and row locks on the payment. The processor
// itself holds no locks and is safe to run in many processes at once.
type Processor struct {
	payments    paymentRepo
	events      eventRepo
	db          *sql.DB
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration
	now         func() time.Time
}

func NewProcessor(payments paymentRepo, events eventRepo, db *sql.DB, logger *slog.Logger, maxAttempts int, backoffBase time.Duration) *Processor {
	return &Processor{
		payments:    payments,
		events:      events,
		db:          db,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		now:         time.Now,
	}
}

// Process applies one webhook exactly once. The claim-through-commit
// sequence runs under a bounded retry loop to absorb write-write
// conflicts on the payment row.
func (p *Processor) Process(ctx context.Context, req ProcessRequest) (Outcome, error) {
	outcome, err := runWithRetry(ctx, p.logger, p.maxAttempts, p.backoffBase, func() (Outcome, error) {
		return p.attempt(ctx, req)
	})
	if err != nil {
		if !errors.Is(err, errRetriesExhausted) {
			return "", fmt.Errorf("Process: %w", err)
		}
		// Exhausted retries on contention. Acknowledge anyway: the
		// processor redelivers on non-2xx and the idempotency gate makes
		// redelivery safe, so degrading here avoids a retry storm while
		// the log line flags the failure.
		p.logger.ErrorContext(ctx, "webhook processing failed after retries, acknowledging and relying on redelivery",
			"webhook_id", req.WebhookID,
			"payment_id", req.PaymentID,
			"event_type", req.EventType,
			"error", err,
		)
		return OutcomeAccepted, nil
	}

	// Replay runs after the primary commit and is best-effort: its
	// failure must never undo the transition that just landed.
	if outcome == OutcomeAccepted {
		p.replayDeferred(ctx, req.PaymentID)
	}

	return outcome, nil
}

// attempt is one full transactional pass: claim the event, load the
// payment under a row lock, run the state machine, persist. Terminal
// outcomes that need no write (duplicate, unknown payment, invalid
// transition) roll back via the deferred Rollback.
func (p *Processor) attempt(ctx context.Context, req ProcessRequest) (Outcome, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("attempt: begin tx: %w", err)
	}
	defer tx.Rollback()

	event := &domain.WebhookEvent{
		WebhookID:  req.WebhookID,
		PaymentID:  req.PaymentID,
		EventType:  req.EventType,
		Payload:    req.Payload,
		ReceivedAt: p.now().UTC(),
	}
	if err := p.events.Claim(ctx, tx, event); err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateWebhook):
			return OutcomeIdempotent, nil
		case errors.Is(err, domain.ErrPaymentNotFound):
			return OutcomePaymentNotFound, nil
		}
		return "", fmt.Errorf("attempt: %w", err)
	}

	payment, err := p.payments.GetForUpdate(ctx, tx, req.PaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return OutcomePaymentNotFound, nil
		}
		return "", fmt.Errorf("attempt: %w", err)
	}

	next, err := domain.NextStatus(payment.Status, req.EventType)
	switch {
	case errors.Is(err, domain.ErrOutOfOrderEvent):
		if err := p.events.MarkDeferred(ctx, tx, event.ID); err != nil {
			return "", fmt.Errorf("attempt: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("attempt: commit deferred: %w", err)
		}
		p.logger.InfoContext(ctx, "webhook deferred",
			"webhook_id", req.WebhookID,
			"payment_id", req.PaymentID,
			"event_type", req.EventType,
			"payment_status", payment.Status,
		)
		return OutcomeDeferred, nil
	case errors.Is(err, domain.ErrInvalidTransition):
		return OutcomeRejected, nil
	case err != nil:
		return "", fmt.Errorf("attempt: %w", err)
	}

	now := p.now().UTC()
	if err := p.payments.UpdateStatus(ctx, tx, payment.ID, next, now); err != nil {
		return "", fmt.Errorf("attempt: %w", err)
	}
	if err := p.events.MarkProcessed(ctx, tx, event.ID, now); err != nil {
		return "", fmt.Errorf("attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("attempt: commit: %w", err)
	}

	p.logger.InfoContext(ctx, "webhook applied",
		"webhook_id", req.WebhookID,
		"payment_id", req.PaymentID,
		"event_type", req.EventType,
		"old_status", payment.Status,
		"new_status", next,
	)
	return OutcomeAccepted, nil
}
