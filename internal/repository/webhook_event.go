package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fulfillhub/webhook-receiver/internal/domain"
)

const webhookEventColumns = `id, webhook_id, payment_id, event_type, payload,
	processing_status, received_at, processed_at`

type WebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Claim inserts the event in `processing` status inside tx. The unique
// constraint on webhook_id arbitrates concurrent duplicates: exactly one
// caller wins, every other insert fails with domain.ErrDuplicateWebhook
// and must roll the transaction back. No application-level lock backs
// this up; the constraint is the whole mechanism.
func (r *WebhookEventRepository) Claim(ctx context.Context, tx *sql.Tx, event *domain.WebhookEvent) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO webhook_events (webhook_id, payment_id, event_type, payload, processing_status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		event.WebhookID, event.PaymentID, event.EventType, string(event.Payload),
		domain.ProcessingStatusProcessing, event.ReceivedAt,
	).Scan(&event.ID)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("Claim: %w", domain.ErrDuplicateWebhook)
		}
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("Claim: %w", domain.ErrPaymentNotFound)
		}
		return fmt.Errorf("Claim: %w", err)
	}
	event.Status = domain.ProcessingStatusProcessing
	return nil
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, tx *sql.Tx, id int64, processedAt time.Time) error {
	return r.setStatus(ctx, tx, id, domain.ProcessingStatusProcessed, &processedAt)
}

func (r *WebhookEventRepository) MarkDeferred(ctx context.Context, tx *sql.Tx, id int64) error {
	return r.setStatus(ctx, tx, id, domain.ProcessingStatusDeferred, nil)
}

func (r *WebhookEventRepository) setStatus(ctx context.Context, tx *sql.Tx, id int64, status domain.ProcessingStatus, processedAt *time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE webhook_events SET processing_status = $1, processed_at = $2 WHERE id = $3`,
		status, processedAt, id,
	)
	if err != nil {
		return fmt.Errorf("setStatus: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("setStatus: %w", domain.ErrNotFound)
	}
	return nil
}

// ListDeferred returns the payment's deferred events oldest-first.
// Replay relies on this arrival-order tie-break.
func (r *WebhookEventRepository) ListDeferred(ctx context.Context, paymentID string) ([]domain.WebhookEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE payment_id = $1 AND processing_status = $2
		ORDER BY id`,
		paymentID, domain.ProcessingStatusDeferred,
	)
	if err != nil {
		return nil, fmt.Errorf("ListDeferred: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListDeferred: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListDeferred: rows: %w", err)
	}
	return events, nil
}

func (r *WebhookEventRepository) GetByWebhookID(ctx context.Context, webhookID string) (*domain.WebhookEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE webhook_id = $1`, webhookID,
	)
	e, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByWebhookID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByWebhookID: %w", err)
	}
	return e, nil
}

func scanWebhookEvent(s scanner) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var payload string
	err := s.Scan(
		&e.ID, &e.WebhookID, &e.PaymentID, &e.EventType, &payload,
		&e.Status, &e.ReceivedAt, &e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}
