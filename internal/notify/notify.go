// Package notify delivers user-facing notifications about purchases, gifts and schedules.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"vtu-engine/internal/metrics"
)

// Kind names a notification template.
type Kind string

const (
	KindSchedulePaused    Kind = "schedule_paused"
	KindPurchaseSucceeded Kind = "purchase_succeeded"
	KindPurchaseFailed    Kind = "purchase_failed"
	KindGiftClaimed       Kind = "gift_claimed"
	KindGiftReceived      Kind = "gift_received"
)

// Notifier sends one notification to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, kind Kind, data map[string]any) error
}

// Log writes notifications to the structured log. It is the fallback channel.
type Log struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLog builds a log notifier.
func NewLog(logger *slog.Logger, m *metrics.Metrics) *Log {
	return &Log{logger: logger.With("component", "notify"), metrics: m}
}

func (l *Log) Notify(_ context.Context, userID string, kind Kind, data map[string]any) error {
	l.logger.Info("notification", "user_id", userID, "kind", kind, "text", Render(kind, data))
	observe(l.metrics, kind, "log")
	return nil
}

// Multi fans a notification out to every channel and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID string, kind Kind, data map[string]any) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, userID, kind, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send calls n and logs a failure instead of returning it. Notifications never
// change the outcome of the operation that triggered them.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, userID string, kind Kind, data map[string]any) {
	if n == nil || userID == "" {
		return
	}
	if err := n.Notify(context.WithoutCancel(ctx), userID, kind, data); err != nil {
		logger.Warn("notification failed", "user_id", userID, "kind", kind, "error", err)
	}
}

// Render formats a human readable message for kind.
func Render(kind Kind, data map[string]any) string {
	switch kind {
	case KindSchedulePaused:
		return fmt.Sprintf("Your scheduled %s purchase for %s has been paused: %s. Top up your wallet and resume it to continue.",
			str(data, "service"), str(data, "target"), str(data, "reason"))
	case KindPurchaseSucceeded:
		return fmt.Sprintf("Your %s purchase of %s for %s was successful. Ref: %s",
			str(data, "service"), str(data, "amount"), str(data, "target"), str(data, "reference"))
	case KindPurchaseFailed:
		return fmt.Sprintf("Your %s purchase of %s for %s failed and your wallet was refunded. Ref: %s",
			str(data, "service"), str(data, "amount"), str(data, "target"), str(data, "reference"))
	case KindGiftClaimed:
		return fmt.Sprintf("Gift %s of %s has been claimed.", str(data, "gift_id"), str(data, "amount"))
	case KindGiftReceived:
		msg := fmt.Sprintf("You have received a %s gift of %s. Gift ID: %s", str(data, "service"), str(data, "amount"), str(data, "gift_id"))
		if note := str(data, "message"); note != "" {
			msg += "\n\n" + note
		}
		return msg
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+str(data, k))
	}
	return string(kind) + ": " + strings.Join(parts, ", ")
}

func str(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func observe(m *metrics.Metrics, kind Kind, channel string) {
	if m != nil {
		m.Notifications.WithLabelValues(string(kind), channel).Inc()
	}
}
