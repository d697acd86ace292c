package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fulfillhub/webhook-receiver/internal/domain"
	"github.com/fulfillhub/webhook-receiver/internal/logging"
	"github.com/fulfillhub/webhook-receiver/internal/service"
	"github.com/fulfillhub/webhook-receiver/internal/signature"
)

// MaxBodySize caps inbound webhook bodies at 5 MiB.
const MaxBodySize = 5 << 20

type webhookProcessor interface {
	Process(ctx context.Context, req service.ProcessRequest) (service.Outcome, error)
}

type WebhookHandler struct {
	processor webhookProcessor
	verifier  *signature.Verifier
}

func NewWebhookHandler(processor webhookProcessor, verifier *signature.Verifier) *WebhookHandler {
	return &WebhookHandler{processor: processor, verifier: verifier}
}

// Pointer fields so a missing field and a wrongly-typed field surface as
// different validation failures.
type webhookPayload struct {
	WebhookID *string      `json:"webhook_id"`
	EventType *string      `json:"event_type"`
	Data      *paymentData `json:"data"`
}

type paymentData struct {
	PaymentID  *string `json:"payment_id"`
	MerchantID *string `json:"merchant_id"`
	Amount     *int64  `json:"amount"`
	Currency   *string `json:"currency"`
}

const maxAmount = 999_999_999

func (p webhookPayload) validate() []string {
	var errs []string
	req := func(field string, ok bool) {
		if !ok {
			errs = append(errs, field+": required")
		}
	}

	req("webhook_id", p.WebhookID != nil && *p.WebhookID != "")
	req("event_type", p.EventType != nil && *p.EventType != "")
	if p.Data == nil {
		errs = append(errs, "data: required")
		return errs
	}
	req("data.payment_id", p.Data.PaymentID != nil && *p.Data.PaymentID != "")
	req("data.merchant_id", p.Data.MerchantID != nil && *p.Data.MerchantID != "")
	req("data.currency", p.Data.Currency != nil && *p.Data.Currency != "")
	if p.Data.Amount == nil {
		errs = append(errs, "data.amount: required")
	} else if *p.Data.Amount < 0 || *p.Data.Amount > maxAmount {
		errs = append(errs, fmt.Sprintf("data.amount: must be between 0 and %d", maxAmount))
	}
	return errs
}

// ReceiveWebhook handles POST /webhooks/yuno: size guard, signature
// verification, schema validation, then hands off to the transition
// processor and maps its outcome to a status code.
func (h *WebhookHandler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > MaxBodySize {
		log.Warn("webhook body over size limit", "size", len(body))
		RespondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	sig := r.Header.Get(signature.SignatureHeader)
	ts := r.Header.Get(signature.TimestampHeader)
	if err := h.verifier.Verify(sig, ts, body); err != nil {
		log.Warn("webhook signature verification failed", "error", err)
		RespondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if len(body) == 0 {
		RespondError(w, http.StatusBadRequest, "empty body")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Structurally valid JSON with a wrongly-typed field.
			RespondError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("%s: must be of type %s", fieldPath(typeErr), typeErr.Type))
			return
		}
		log.Warn("failed to parse webhook payload", "error", err)
		RespondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if errs := payload.validate(); len(errs) > 0 {
		RespondError(w, http.StatusUnprocessableEntity, "validation failed: "+strings.Join(errs, "; "))
		return
	}

	outcome, err := h.processor.Process(r.Context(), service.ProcessRequest{
		WebhookID: *payload.WebhookID,
		PaymentID: *payload.Data.PaymentID,
		EventType: domain.EventType(*payload.EventType),
		Payload:   body,
	})
	if err != nil {
		log.Error("webhook processing error", "webhook_id", *payload.WebhookID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch outcome {
	case service.OutcomeAccepted:
		RespondJSON(w, http.StatusOK, webhookResponse{Status: "accepted", WebhookID: *payload.WebhookID})
	case service.OutcomeIdempotent:
		RespondJSON(w, http.StatusOK, webhookResponse{Status: "accepted", WebhookID: *payload.WebhookID, Idempotent: true})
	case service.OutcomeDeferred:
		RespondJSON(w, http.StatusAccepted, webhookResponse{Status: "deferred", WebhookID: *payload.WebhookID})
	case service.OutcomePaymentNotFound:
		RespondError(w, http.StatusNotFound, fmt.Sprintf("payment %q not found", *payload.Data.PaymentID))
	case service.OutcomeRejected:
		RespondError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("event %q is not a valid transition", *payload.EventType))
	default:
		log.Error("unknown processing outcome", "outcome", outcome)
		RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

func fieldPath(e *json.UnmarshalTypeError) string {
	if e.Field != "" {
		return e.Field
	}
	return "body"
}
