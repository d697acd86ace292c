package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulfillhub/webhook-receiver/internal/domain"
	"github.com/fulfillhub/webhook-receiver/internal/repository"
	"github.com/fulfillhub/webhook-receiver/internal/testutil"
)

func claimInTx(t *testing.T, db *sql.DB, repo *repository.WebhookEventRepository, event *domain.WebhookEvent) error {
	t.Helper()
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	if err := repo.Claim(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func TestWebhookEventRepository_Claim(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewWebhookEventRepository(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	newEvent := func(webhookID string) *domain.WebhookEvent {
		return &domain.WebhookEvent{
			WebhookID:  webhookID,
			PaymentID:  "pay_001",
			EventType:  domain.EventTypeAuthorized,
			Payload:    []byte(`{"webhook_id":"` + webhookID + `"}`),
			ReceivedAt: time.Now().UTC(),
		}
	}

	t.Run("first claim wins", func(t *testing.T) {
		event := newEvent("wh_claim_1")
		require.NoError(t, claimInTx(t, db, repo, event))
		assert.NotZero(t, event.ID)
		assert.Equal(t, domain.ProcessingStatusProcessing, event.Status)
	})

	t.Run("second claim on same webhook id is a duplicate", func(t *testing.T) {
		require.NoError(t, claimInTx(t, db, repo, newEvent("wh_claim_2")))

		err := claimInTx(t, db, repo, newEvent("wh_claim_2"))
		assert.ErrorIs(t, err, domain.ErrDuplicateWebhook)
	})

	t.Run("claim for unknown payment reports payment not found", func(t *testing.T) {
		event := newEvent("wh_claim_3")
		event.PaymentID = "pay_missing"
		err := claimInTx(t, db, repo, event)
		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	})
}

func TestWebhookEventRepository_ListDeferredOrder(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	repo := repository.NewWebhookEventRepository(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	// Defer three events in a known arrival order; ListDeferred must
	// return them oldest-first, because replay's tie-break is arrival
	// order rather than event-type priority.
	order := []string{"wh_a", "wh_b", "wh_c"}
	for _, webhookID := range order {
		event := &domain.WebhookEvent{
			WebhookID:  webhookID,
			PaymentID:  "pay_001",
			EventType:  domain.EventTypeSettled,
			Payload:    []byte(`{}`),
			ReceivedAt: time.Now().UTC(),
		}
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, repo.Claim(ctx, tx, event))
		require.NoError(t, repo.MarkDeferred(ctx, tx, event.ID))
		require.NoError(t, tx.Commit())
	}

	deferred, err := repo.ListDeferred(ctx, "pay_001")
	require.NoError(t, err)
	require.Len(t, deferred, 3)
	for i, webhookID := range order {
		assert.Equal(t, webhookID, deferred[i].WebhookID)
		assert.Equal(t, domain.ProcessingStatusDeferred, deferred[i].Status)
	}
}
