package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulfillhub/webhook-receiver/internal/domain"
)

// replayDeferred re-attempts the payment's deferred events after a
// successful transition, looping until a full pass applies nothing.
// Each applied event commits on its own, so a failure on one event is
// skipped without losing the others. With N deferred events the loop
// converges within N passes: every pass either moves the payment
// forward or terminates the loop.
func (p *Processor) replayDeferred(ctx context.Context, paymentID string) {
	for {
		deferred, err := p.events.ListDeferred(ctx, paymentID)
		if err != nil {
			p.logger.ErrorContext(ctx, "replay: listing deferred events failed",
				"payment_id", paymentID, "error", err)
			return
		}
		if len(deferred) == 0 {
			return
		}

		progressed := false
		for _, event := range deferred {
			applied, err := p.replayOne(ctx, event)
			if err != nil {
				p.logger.WarnContext(ctx, "replay: event attempt failed, skipping",
					"webhook_id", event.WebhookID,
					"payment_id", paymentID,
					"event_type", event.EventType,
					"error", err,
				)
				continue
			}
			if applied {
				progressed = true
				p.logger.InfoContext(ctx, "replay: deferred webhook applied",
					"webhook_id", event.WebhookID,
					"payment_id", paymentID,
					"event_type", event.EventType,
				)
			}
		}

		if !progressed {
			return
		}
	}
}

// replayOne re-reads the payment under a row lock and applies a single
// deferred event if it has become valid. Reported as (applied, error);
// a still-premature or now-invalid event is (false, nil) and stays
// deferred.
func (p *Processor) replayOne(ctx context.Context, event domain.WebhookEvent) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("replayOne: begin tx: %w", err)
	}
	defer tx.Rollback()

	payment, err := p.payments.GetForUpdate(ctx, tx, event.PaymentID)
	if err != nil {
		return false, fmt.Errorf("replayOne: %w", err)
	}

	next, err := domain.NextStatus(payment.Status, event.EventType)
	if err != nil {
		if errors.Is(err, domain.ErrOutOfOrderEvent) || errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		return false, fmt.Errorf("replayOne: %w", err)
	}

	now := p.now().UTC()
	if err := p.payments.UpdateStatus(ctx, tx, payment.ID, next, now); err != nil {
		return false, fmt.Errorf("replayOne: %w", err)
	}
	if err := p.events.MarkProcessed(ctx, tx, event.ID, now); err != nil {
		return false, fmt.Errorf("replayOne: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("replayOne: commit: %w", err)
	}
	return true, nil
}
