// Package whatsapp wraps the Whatsmeow client for a direct WhatsApp session.
//
// It sends text, native button messages and typing presence, and converts
// incoming messages into InboundEvent values for the ordering pipeline.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow session database
	DefaultSQLitePath = "/var/lib/orderpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Button is one quick-reply button of a buttons message.
type Button struct {
	ID   string
	Text string
}

// WhatsAppSender is the outbound surface used by messaging.WhatsAppService.
type WhatsAppSender interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to, title, body, footer string, buttons []Button) error
	SendPresence(ctx context.Context, to string) error
}

// InboundKind classifies an incoming message.
type InboundKind string

const (
	InboundText   InboundKind = "text"
	InboundAudio  InboundKind = "audio"
	InboundButton InboundKind = "button"
	InboundOther  InboundKind = "other"
)

// InboundEvent is an incoming WhatsApp message reduced to what the ordering flow reads.
type InboundEvent struct {
	MessageID string
	Phone     string
	IsGroup   bool
	Kind      InboundKind
	Text      string
	ButtonID  string
	Audio     []byte
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store, logs in if needed (QR flow) and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; "+
			"consider adding '?_foreign_keys=on' to the connection string",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event != "code" {
				slog.Info("WhatsApp login event", "event", evt.Event)
				continue
			}
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

func (c *Client) ready(to string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return errors.New("whatsapp client not initialized")
	}
	if to == "" {
		return errors.New("recipient cannot be empty")
	}
	return nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	if body == "" {
		return errors.New("message body cannot be empty")
	}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// SendButtons sends a native buttons message with quick-reply buttons.
func (c *Client) SendButtons(ctx context.Context, to, title, body, footer string, buttons []Button) error {
	if err := c.ready(to); err != nil {
		return err
	}
	msg := &waE2E.Message{ButtonsMessage: buildButtonsMessage(title, body, footer, buttons)}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		slog.Error("Failed to send WhatsApp buttons message", "error", err, "to", to)
		return fmt.Errorf("failed to send buttons to %s: %w", to, err)
	}
	slog.Debug("WhatsApp buttons message sent", "to", to, "buttons", len(buttons))
	return nil
}

func buildButtonsMessage(title, body, footer string, buttons []Button) *waE2E.ButtonsMessage {
	bm := &waE2E.ButtonsMessage{
		ContentText: proto.String(body),
		FooterText:  proto.String(footer),
		HeaderType:  waE2E.ButtonsMessage_TEXT.Enum(),
		Header:      &waE2E.ButtonsMessage_Text{Text: title},
	}
	for _, b := range buttons {
		bm.Buttons = append(bm.Buttons, &waE2E.ButtonsMessage_Button{
			ButtonID:   proto.String(b.ID),
			ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: proto.String(b.Text)},
			Type:       waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
		})
	}
	return bm
}

// SendPresence shows the typing indicator in the recipient's chat.
func (c *Client) SendPresence(ctx context.Context, to string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	return c.waClient.SendChatPresence(types.NewJID(to, JIDSuffix), types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// OnInbound registers handler for every incoming message. Audio is downloaded
// before the handler runs.
func (c *Client) OnInbound(handler func(InboundEvent)) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok || msg.Info.IsFromMe {
			return
		}
		in := ConvertMessage(msg)
		if in.Kind == InboundAudio {
			data, err := c.waClient.Download(context.Background(), msg.Message.GetAudioMessage())
			if err != nil {
				slog.Error("WhatsApp audio download failed", "message_id", in.MessageID, "error", err)
				return
			}
			in.Audio = data
		}
		handler(in)
	})
	slog.Debug("WhatsApp inbound handler registered")
}

// ConvertMessage maps a whatsmeow message event to an InboundEvent. Audio bytes are not fetched.
func ConvertMessage(evt *events.Message) InboundEvent {
	in := InboundEvent{
		MessageID: string(evt.Info.ID),
		Phone:     evt.Info.Sender.User,
		IsGroup:   evt.Info.IsGroup,
		Kind:      InboundOther,
	}
	m := evt.Message
	switch {
	case m == nil:
	case m.GetButtonsResponseMessage() != nil:
		in.Kind = InboundButton
		in.ButtonID = m.GetButtonsResponseMessage().GetSelectedButtonID()
	case m.GetConversation() != "":
		in.Kind = InboundText
		in.Text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		in.Kind = InboundText
		in.Text = m.GetExtendedTextMessage().GetText()
	case m.GetAudioMessage() != nil:
		in.Kind = InboundAudio
	}
	return in
}

// GetClient returns the underlying whatsmeow client
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the session.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// SentButtons records one SendButtons call on MockClient.
type SentButtons struct {
	To      string
	Title   string
	Body    string
	Footer  string
	Buttons []Button
}

// MockClient records outbound calls instead of talking to WhatsApp.
type MockClient struct {
	Texts     map[string][]string
	Buttons   []SentButtons
	Presences []string
	Err       error
}

func NewMockClient() *MockClient {
	return &MockClient{Texts: make(map[string][]string)}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Texts[to] = append(m.Texts[to], body)
	return nil
}

func (m *MockClient) SendButtons(ctx context.Context, to, title, body, footer string, buttons []Button) error {
	if m.Err != nil {
		return m.Err
	}
	m.Buttons = append(m.Buttons, SentButtons{To: to, Title: title, Body: body, Footer: footer, Buttons: buttons})
	return nil
}

func (m *MockClient) SendPresence(ctx context.Context, to string) error {
	m.Presences = append(m.Presences, to)
	return nil
}
