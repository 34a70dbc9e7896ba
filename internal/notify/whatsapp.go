package notify

import (
	"context"
	"errors"
	"fmt"

	"vtu-engine/internal/metrics"
	"vtu-engine/internal/repo"
)

// ErrNoContact is returned when the user has no phone number on file.
var ErrNoContact = errors.New("user has no phone number")

// Sender sends a text message to a phone number.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
}

// UserLookup resolves a user's contact details.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*repo.User, error)
}

// WhatsApp delivers notifications as WhatsApp text messages.
type WhatsApp struct {
	sender  Sender
	users   UserLookup
	metrics *metrics.Metrics
}

// NewWhatsApp builds a WhatsApp notifier.
func NewWhatsApp(sender Sender, users UserLookup, m *metrics.Metrics) *WhatsApp {
	return &WhatsApp{sender: sender, users: users, metrics: m}
}

func (w *WhatsApp) Notify(ctx context.Context, userID string, kind Kind, data map[string]any) error {
	user, err := w.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user.Phone == nil || *user.Phone == "" {
		return fmt.Errorf("notify %s: %w", userID, ErrNoContact)
	}
	if err := w.sender.SendText(ctx, *user.Phone, Render(kind, data)); err != nil {
		return fmt.Errorf("whatsapp notify %s: %w", userID, err)
	}
	observe(w.metrics, kind, "whatsapp")
	return nil
}
