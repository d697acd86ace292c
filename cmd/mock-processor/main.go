// mock-processor imitates the payment processor for local testing: it
// POSTs signed lifecycle webhooks at a running receiver, in order,
// reversed, or duplicated.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fulfillhub/webhook-receiver/internal/logging"
	"github.com/fulfillhub/webhook-receiver/internal/signature"
)

type webhookBody struct {
	WebhookID string      `json:"webhook_id"`
	EventType string      `json:"event_type"`
	Data      paymentData `json:"data"`
}

type paymentData struct {
	PaymentID  string `json:"payment_id"`
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

func main() {
	target := flag.String("target", "http://localhost:8080/webhooks/yuno", "receiver webhook URL")
	secret := flag.String("secret", os.Getenv("WEBHOOK_SECRET"), "shared webhook secret")
	paymentID := flag.String("payment", "", "payment id to notify about (required)")
	mode := flag.String("mode", "ordered", "delivery mode: ordered, reversed, duplicate")
	flag.Parse()

	logging.Init("mock-processor", "info", "development")

	if *secret == "" || *paymentID == "" {
		slog.Error("both -secret (or WEBHOOK_SECRET) and -payment are required")
		os.Exit(1)
	}

	lifecycle := []string{"payment.authorized", "payment.captured", "payment.settled"}

	var events []webhookBody
	switch *mode {
	case "ordered":
		for _, et := range lifecycle {
			events = append(events, newEvent(*paymentID, et))
		}
	case "reversed":
		for i := len(lifecycle) - 1; i >= 0; i-- {
			events = append(events, newEvent(*paymentID, lifecycle[i]))
		}
	case "duplicate":
		evt := newEvent(*paymentID, lifecycle[0])
		events = []webhookBody{evt, evt, evt}
	default:
		slog.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, evt := range events {
		if err := send(client, *target, *secret, evt); err != nil {
			slog.Error("delivery failed", "webhook_id", evt.WebhookID, "error", err)
			os.Exit(1)
		}
	}
}

func newEvent(paymentID, eventType string) webhookBody {
	return webhookBody{
		WebhookID: uuid.NewString(),
		EventType: eventType,
		Data: paymentData{
			PaymentID:  paymentID,
			MerchantID: "merchant_demo",
			Amount:     12500,
			Currency:   "BRL",
		},
	}
}

func send(client *http.Client, target, secret string, evt webhookBody) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("send: marshal: %w", err)
	}

	ts := time.Now().Unix()
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.SignatureHeader, signature.Compute(secret, ts, body))
	req.Header.Set(signature.TimestampHeader, strconv.FormatInt(ts, 10))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	slog.Info("webhook delivered",
		"webhook_id", evt.WebhookID,
		"event_type", evt.EventType,
		"status_code", resp.StatusCode,
		"response", string(respBody),
	)
	return nil
}
