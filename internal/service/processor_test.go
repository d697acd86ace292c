package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulfillhub/webhook-receiver/internal/domain"
	"github.com/fulfillhub/webhook-receiver/internal/repository"
	"github.com/fulfillhub/webhook-receiver/internal/testutil"
)

func newTestProcessor(db *sql.DB) *Processor {
	return NewProcessor(
		repository.NewPaymentRepository(db),
		repository.NewWebhookEventRepository(db),
		db,
		slog.Default(),
		12,
		5*time.Millisecond,
	)
}

func request(paymentID string, eventType domain.EventType) ProcessRequest {
	body, _ := json.Marshal(map[string]any{
		"webhook_id": uuid.NewString(),
		"event_type": eventType,
		"data": map[string]any{
			"payment_id":  paymentID,
			"merchant_id": "merchant_test",
			"amount":      12500,
			"currency":    "BRL",
		},
	})
	return ProcessRequest{
		WebhookID: uuid.NewString(),
		PaymentID: paymentID,
		EventType: eventType,
		Payload:   body,
	}
}

func TestProcessor_AppliesTransition(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	req := request("pay_001", domain.EventTypeAuthorized)
	outcome, err := p.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	payment, err := repository.NewPaymentRepository(db).GetByID(ctx, "pay_001")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusAuthorized, payment.Status)

	event, err := repository.NewWebhookEventRepository(db).GetByWebhookID(ctx, req.WebhookID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingStatusProcessed, event.Status)
	require.NotNil(t, event.ProcessedAt)
	assert.Equal(t, req.Payload, event.Payload)
}

func TestProcessor_IdempotentDuplicate(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	req := request("pay_001", domain.EventTypeAuthorized)

	outcome, err := p.Process(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	outcome, err = p.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdempotent, outcome)

	assert.Equal(t, 1, testutil.CountEvents(t, db, req.WebhookID))
	assert.Equal(t, domain.PaymentStatusAuthorized, testutil.GetPaymentStatus(t, db, "pay_001"))
}

func TestProcessor_ConcurrentDuplicates(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	req := request("pay_001", domain.EventTypeAuthorized)

	const workers = 10
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := p.Process(ctx, req)
			assert.NoError(t, err)
			outcomes[i] = outcome
		}()
	}
	wg.Wait()

	var accepted, idempotent int
	for _, o := range outcomes {
		switch o {
		case OutcomeAccepted:
			accepted++
		case OutcomeIdempotent:
			idempotent++
		default:
			t.Fatalf("unexpected outcome %q", o)
		}
	}

	// The unique constraint arbitrates: exactly one claim wins.
	assert.Equal(t, 1, accepted)
	assert.Equal(t, workers-1, idempotent)
	assert.Equal(t, 1, testutil.CountEvents(t, db, req.WebhookID))
	assert.Equal(t, domain.PaymentStatusAuthorized, testutil.GetPaymentStatus(t, db, "pay_001"))
}

func TestProcessor_DefersOutOfOrder(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	req := request("pay_001", domain.EventTypeSettled)
	outcome, err := p.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	assert.Equal(t, domain.PaymentStatusPending, testutil.GetPaymentStatus(t, db, "pay_001"))

	event, err := repository.NewWebhookEventRepository(db).GetByWebhookID(ctx, req.WebhookID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingStatusDeferred, event.Status)
	assert.Nil(t, event.ProcessedAt)
}

func TestProcessor_ReverseOrderDeliveryConverges(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	outcome, err := p.Process(ctx, request("pay_001", domain.EventTypeSettled))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	outcome, err = p.Process(ctx, request("pay_001", domain.EventTypeCaptured))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	// The prerequisite arrives; replay drains both deferred events in the
	// same call.
	outcome, err = p.Process(ctx, request("pay_001", domain.EventTypeAuthorized))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	assert.Equal(t, domain.PaymentStatusSettled, testutil.GetPaymentStatus(t, db, "pay_001"))
	assert.Equal(t, 0, testutil.CountDeferred(t, db, "pay_001"))
}

func TestProcessor_ReplayConvergence_AllPermutations(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	lifecycle := []domain.EventType{
		domain.EventTypeAuthorized,
		domain.EventTypeCaptured,
		domain.EventTypeSettled,
	}

	for i, perm := range permutations(lifecycle) {
		paymentID := fmt.Sprintf("pay_perm_%d", i)
		testutil.SeedPayment(t, db, paymentID, domain.PaymentStatusPending)

		for _, eventType := range perm {
			_, err := p.Process(ctx, request(paymentID, eventType))
			require.NoError(t, err)
		}

		assert.Equal(t, domain.PaymentStatusSettled, testutil.GetPaymentStatus(t, db, paymentID),
			"permutation %v", perm)
		assert.Equal(t, 0, testutil.CountDeferred(t, db, paymentID),
			"permutation %v", perm)
	}
}

func permutations(events []domain.EventType) [][]domain.EventType {
	if len(events) <= 1 {
		return [][]domain.EventType{append([]domain.EventType(nil), events...)}
	}
	var out [][]domain.EventType
	for i := range events {
		rest := make([]domain.EventType, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, sub := range permutations(rest) {
			out = append(out, append([]domain.EventType{events[i]}, sub...))
		}
	}
	return out
}

func TestProcessor_RejectsInvalidTransition(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	t.Run("terminal payment", func(t *testing.T) {
		testutil.SeedPayment(t, db, "pay_declined", domain.PaymentStatusDeclined)

		req := request("pay_declined", domain.EventTypeAuthorized)
		outcome, err := p.Process(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, outcome)

		// The rejecting transaction rolls back, so no event row survives.
		assert.Equal(t, 0, testutil.CountEvents(t, db, req.WebhookID))
		assert.Equal(t, domain.PaymentStatusDeclined, testutil.GetPaymentStatus(t, db, "pay_declined"))
	})

	t.Run("unknown event type", func(t *testing.T) {
		testutil.SeedPayment(t, db, "pay_unknown_evt", domain.PaymentStatusPending)

		req := request("pay_unknown_evt", domain.EventType("payment.teleported"))
		outcome, err := p.Process(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, outcome)
		assert.Equal(t, 0, testutil.CountEvents(t, db, req.WebhookID))
	})
}

func TestProcessor_TerminalClosure(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	outcome, err := p.Process(ctx, request("pay_001", domain.EventTypeDeclined))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)
	require.Equal(t, domain.PaymentStatusDeclined, testutil.GetPaymentStatus(t, db, "pay_001"))

	for _, eventType := range []domain.EventType{
		domain.EventTypeAuthorized,
		domain.EventTypeCaptured,
		domain.EventTypeSettled,
		domain.EventTypeRefunded,
	} {
		outcome, err := p.Process(ctx, request("pay_001", eventType))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, outcome, "event %s", eventType)
	}

	assert.Equal(t, domain.PaymentStatusDeclined, testutil.GetPaymentStatus(t, db, "pay_001"))
}

func TestProcessor_PaymentNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	req := request("pay_missing", domain.EventTypeAuthorized)
	outcome, err := p.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaymentNotFound, outcome)

	// Rolled back claim leaves nothing behind, so a redelivery after the
	// payment is provisioned will be accepted.
	assert.Equal(t, 0, testutil.CountEvents(t, db, req.WebhookID))

	testutil.SeedPayment(t, db, "pay_missing", domain.PaymentStatusPending)
	outcome, err = p.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
}

func TestProcessor_ConcurrentDistinctEvents(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newTestProcessor(db)

	testutil.SeedPayment(t, db, "pay_001", domain.PaymentStatusPending)

	// Distinct webhook ids racing on the same payment: every event must
	// end up processed or deferred, never lost, and the payment must
	// converge to settled regardless of interleaving.
	events := []domain.EventType{
		domain.EventTypeAuthorized,
		domain.EventTypeCaptured,
		domain.EventTypeSettled,
	}

	var wg sync.WaitGroup
	for _, eventType := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(ctx, request("pay_001", eventType))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// A final replay pass settles any event that lost its race window.
	p.replayDeferred(ctx, "pay_001")

	assert.Equal(t, domain.PaymentStatusSettled, testutil.GetPaymentStatus(t, db, "pay_001"))
	assert.Equal(t, 0, testutil.CountDeferred(t, db, "pay_001"))
}

type stubEventRepo struct {
	claimErr error
	calls    int
}

func (s *stubEventRepo) Claim(_ context.Context, _ *sql.Tx, _ *domain.WebhookEvent) error {
	s.calls++
	return s.claimErr
}

func (s *stubEventRepo) MarkProcessed(_ context.Context, _ *sql.Tx, _ int64, _ time.Time) error {
	return nil
}

func (s *stubEventRepo) MarkDeferred(_ context.Context, _ *sql.Tx, _ int64) error {
	return nil
}

func (s *stubEventRepo) ListDeferred(_ context.Context, _ string) ([]domain.WebhookEvent, error) {
	return nil, nil
}

type stubPaymentRepo struct{}

func (stubPaymentRepo) GetForUpdate(_ context.Context, _ *sql.Tx, _ string) (*domain.Payment, error) {
	return nil, domain.ErrPaymentNotFound
}

func (stubPaymentRepo) UpdateStatus(_ context.Context, _ *sql.Tx, _ string, _ domain.PaymentStatus, _ time.Time) error {
	return nil
}

func TestProcessor_StorageFailureHandling(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	t.Run("exhausted conflicts degrade to accepted", func(t *testing.T) {
		// Every claim hits a serialization conflict. After the bounded
		// retries the webhook is still acknowledged: the processor
		// redelivers on non-2xx and the idempotency gate makes that safe.
		events := &stubEventRepo{claimErr: fmt.Errorf("Claim: %w", &pq.Error{Code: "40001"})}
		p := NewProcessor(stubPaymentRepo{}, events, db, slog.Default(), 3, time.Millisecond)

		outcome, err := p.Process(ctx, request("pay_001", domain.EventTypeAuthorized))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
		assert.Equal(t, 3, events.calls)
	})

	t.Run("hard storage failure surfaces as an error", func(t *testing.T) {
		events := &stubEventRepo{claimErr: fmt.Errorf("Claim: %w", errors.New("connection reset"))}
		p := NewProcessor(stubPaymentRepo{}, events, db, slog.Default(), 3, time.Millisecond)

		outcome, err := p.Process(ctx, request("pay_001", domain.EventTypeAuthorized))
		require.Error(t, err)
		assert.Empty(t, outcome)
		assert.Equal(t, 1, events.calls, "hard failures must not be retried")
	})
}
