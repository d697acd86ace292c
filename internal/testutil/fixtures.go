package testutil

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"github.com/fulfillhub/webhook-receiver/internal/domain"
	"github.com/fulfillhub/webhook-receiver/internal/repository"
	"github.com/fulfillhub/webhook-receiver/internal/signature"
)

// SeedPayment inserts a payment in the given status, standing in for the
// external system that provisions payments before webhooks arrive.
func SeedPayment(t *testing.T, db *sql.DB, id string, status domain.PaymentStatus) *domain.Payment {
	t.Helper()

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:         id,
		MerchantID: "merchant_test",
		Amount:     12500,
		Currency:   "BRL",
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := repository.NewPaymentRepository(db).Create(context.Background(), p); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

func GetPaymentStatus(t *testing.T, db *sql.DB, id string) domain.PaymentStatus {
	t.Helper()
	var status domain.PaymentStatus
	if err := db.QueryRow(`SELECT status FROM payments WHERE id = $1`, id).Scan(&status); err != nil {
		t.Fatalf("get payment status: %v", err)
	}
	return status
}

func CountEvents(t *testing.T, db *sql.DB, webhookID string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM webhook_events WHERE webhook_id = $1`, webhookID).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func CountDeferred(t *testing.T, db *sql.DB, paymentID string) int {
	t.Helper()
	var n int
	err := db.QueryRow(
		`SELECT count(*) FROM webhook_events WHERE payment_id = $1 AND processing_status = 'deferred'`,
		paymentID,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count deferred: %v", err)
	}
	return n
}

// SignedHeaders returns the signature and timestamp header values for a
// body signed now with the given secret.
func SignedHeaders(secret string, body []byte) (sig, ts string) {
	now := time.Now().Unix()
	return signature.Compute(secret, now, body), strconv.FormatInt(now, 10)
}
