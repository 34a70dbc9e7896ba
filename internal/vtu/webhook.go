package vtu

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vtu-engine/internal/metrics"
)

// Callback is a normalized transaction status notification from the upstream.
type Callback struct {
	Reference         string          `json:"reference"`
	ProviderReference string          `json:"provider_reference"`
	Status            string          `json:"status"`
	Message           string          `json:"message"`
	Payload           json.RawMessage `json:"payload"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// CallbackProcessor finalizes transactions reported by the webhook.
type CallbackProcessor interface {
	HandleStatusCallback(ctx context.Context, cb Callback) error
}

// WebhookHandler verifies upstream credentials and forwards status callbacks.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	processor   CallbackProcessor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, usernameMD5, passwordMD5 string, processor CallbackProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "vtu_webhook"),
		metrics:     m,
		usernameMD5: strings.ToLower(usernameMD5),
		passwordMD5: strings.ToLower(passwordMD5),
		processor:   processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.validateAuth(r); err != nil {
		h.countError("vtu_webhook_auth")
		h.logger.Warn("rejected webhook", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.countError("vtu_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	cb, err := parseCallback(body)
	if err != nil {
		h.countError("vtu_webhook_decode")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	cb.ReceivedAt = time.Now().UTC()

	if h.processor != nil {
		if err := h.processor.HandleStatusCallback(r.Context(), cb); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "reference", cb.Reference)
			h.countError("vtu_webhook_process")
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) countError(label string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(label).Inc()
	}
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	if h.usernameMD5 == "" || h.passwordMD5 == "" {
		return fmt.Errorf("webhook credentials not configured")
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		if h.validateSignatureHeader(r) {
			return nil
		}
		return fmt.Errorf("missing basic auth")
	}
	if !equalHex(md5Hex(username), h.usernameMD5) {
		return fmt.Errorf("invalid username hash")
	}
	if !equalHex(md5Hex(password), h.passwordMD5) {
		return fmt.Errorf("invalid password hash")
	}
	return nil
}

func (h *WebhookHandler) validateSignatureHeader(r *http.Request) bool {
	signature := strings.ToLower(strings.TrimSpace(r.Header.Get("X-VTU-Signature")))
	if signature == "" {
		signature = strings.ToLower(strings.TrimSpace(r.Header.Get("X-Signature")))
	}
	if signature == "" {
		return false
	}
	return equalHex(signature, h.passwordMD5)
}

func parseCallback(body []byte) (Callback, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	raw := body
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		raw = envelope.Data
	}
	data, err := decodeMap(raw)
	if err != nil {
		return Callback{}, err
	}
	cb := Callback{
		Reference:         firstString(data, "request_id", "reference", "ref"),
		ProviderReference: firstString(data, "transaction_id", "provider_reference", "order_id"),
		Status:            NormalizeTransactionStatus(firstString(data, "status", "state")),
		Message:           firstString(data, "message", "remark", "description"),
		Payload:           body,
	}
	if cb.Reference == "" {
		return Callback{}, fmt.Errorf("callback missing reference")
	}
	return cb, nil
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return hex.EncodeToString(sum[:])
}

func equalHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
