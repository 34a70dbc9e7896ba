// Package wa is the outbound WhatsApp channel used for user notifications.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"vtu-engine/internal/metrics"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// ErrNotConnected is returned when sending before the device is logged in.
var ErrNotConnected = errors.New("whatsapp client not connected")

// DefaultCountryCode is prepended to local numbers that start with a trunk zero.
const DefaultCountryCode = "234"

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath   string
	LogLevel    string
	CountryCode string
	Metrics     *metrics.Metrics
}

// Client wraps the whatsmeow client.
type Client struct {
	client      *whatsmeow.Client
	countryCode string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a WhatsApp client backed by an SQLite device store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("whatsmeow/client", cfg.LogLevel, true))
	code := cfg.CountryCode
	if code == "" {
		code = DefaultCountryCode
	}
	wc := &Client{
		client:      client,
		countryCode: code,
		logger:      logger.With("component", "wa"),
		metrics:     cfg.Metrics,
	}
	client.AddEventHandler(wc.handleEvent)
	return wc, nil
}

// Start connects the client, logging the pairing QR code when the device is new.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}
	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Connected reports whether messages can be sent.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnected() && c.client.Store.ID != nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Error("device logged out, notifications disabled until re-paired", "on_connect", v.OnConnect)
	case *events.Message:
		// Inbound chat is not handled; users reply through the app.
		c.logger.Debug("ignoring inbound message", "from", v.Info.Sender.String())
	}
}

// SendText sends a plain text message to a phone number.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	to, err := PhoneJID(phone, c.countryCode)
	if err != nil {
		return err
	}
	message := &waProto.Message{Conversation: proto.String(text)}
	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("text").Inc()
	}
	return nil
}

// PhoneJID converts a phone number into a user JID, keeping digits only and
// replacing a leading trunk zero with countryCode.
func PhoneJID(phone, countryCode string) (types.JID, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	if strings.HasPrefix(digits, "0") {
		digits = countryCode + strings.TrimPrefix(digits, "0")
	}
	if len(digits) < 8 {
		return types.JID{}, fmt.Errorf("invalid phone number %q", phone)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
