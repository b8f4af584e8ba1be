package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	queue  *inboundQueue
}

// NewTwilioService creates a new TwilioService
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client: client,
		queue:  newInboundQueue(),
	}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("TwilioService", strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	s.queue.close()
	return nil
}

// Inbound returns messages posted to TwilioWebhookHandler.
func (s *TwilioService) Inbound() <-chan Inbound { return s.queue.ch }

func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	if s.queue.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendText validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// SendButtons degrades to a numbered text list since Twilio free-form
// messages cannot carry quick-reply buttons. Replies arrive as plain text.
func (s *TwilioService) SendButtons(ctx context.Context, to string, msg ButtonMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.SendText(ctx, to, renderButtonsAsText(msg))
}

func renderButtonsAsText(msg ButtonMessage) string {
	var b strings.Builder
	if msg.Title != "" {
		fmt.Fprintf(&b, "*%s*\n\n", msg.Title)
	}
	b.WriteString(msg.Text)
	b.WriteString("\n")
	if msg.Footer != "" {
		fmt.Fprintf(&b, "\n%s", msg.Footer)
	}
	for i, btn := range msg.Buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Text)
	}
	return b.String()
}

// SendPresence does nothing since Twilio has no typing indicator.
func (s *TwilioService) SendPresence(ctx context.Context, to string) error {
	slog.Debug("TwilioService SendPresence ignored (unsupported)", "to", to)
	return nil
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them on Inbound.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" {
		slog.Warn("Twilio webhook missing From field")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	phone, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	in := Inbound{
		MessageID: r.FormValue("MessageSid"),
		Phone:     phone,
		Kind:      KindText,
		Text:      body,
	}
	if strings.TrimSpace(body) == "" {
		in.Kind = KindOther
	}
	s.queue.emit("TwilioService", in)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
