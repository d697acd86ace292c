package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// The processor expects flat response bodies: {"status", "webhook_id",
// "idempotent"} on acceptance paths and {"error"} on failures.

type webhookResponse struct {
	Status     string `json:"status"`
	WebhookID  string `json:"webhook_id"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}
