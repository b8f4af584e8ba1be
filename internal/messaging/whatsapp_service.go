package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
)

// inboundSource is implemented by whatsapp.Client; mocks usually don't.
type inboundSource interface {
	OnInbound(handler func(whatsapp.InboundEvent))
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client whatsapp.WhatsAppSender
	source inboundSource
	queue  *inboundQueue
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		queue:  newInboundQueue(),
	}
	if src, ok := client.(inboundSource); ok {
		service.source = src
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("WhatsAppService", recipient)
}

// Start registers the inbound event handler on the live session.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.source == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.source.OnInbound(func(evt whatsapp.InboundEvent) {
		s.queue.emit("WhatsAppService", fromWhatsAppEvent(evt))
	})
	slog.Debug("WhatsAppService event handler started")
	return nil
}

func fromWhatsAppEvent(evt whatsapp.InboundEvent) Inbound {
	in := Inbound{
		MessageID: evt.MessageID,
		Phone:     evt.Phone,
		IsGroup:   evt.IsGroup,
		Text:      evt.Text,
		ButtonID:  evt.ButtonID,
		Audio:     evt.Audio,
	}
	switch evt.Kind {
	case whatsapp.InboundText:
		in.Kind = KindText
	case whatsapp.InboundAudio:
		in.Kind = KindAudio
	case whatsapp.InboundButton:
		in.Kind = KindButton
	default:
		in.Kind = KindOther
	}
	return in
}

// Stop closes the inbound channel and disconnects a live session.
func (s *WhatsAppService) Stop() error {
	s.queue.close()
	if d, ok := s.client.(interface{ Disconnect() }); ok {
		d.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

func (s *WhatsAppService) Inbound() <-chan Inbound { return s.queue.ch }

func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	if s.queue.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendText(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Debug("WhatsAppService message sent", "to", canonicalTo, "body_length", len(body))
	return nil
}

func (s *WhatsAppService) SendButtons(ctx context.Context, to string, msg ButtonMessage) error {
	if s.queue.stopped() {
		return ErrServiceStopped
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	buttons := make([]whatsapp.Button, len(msg.Buttons))
	for i, b := range msg.Buttons {
		buttons[i] = whatsapp.Button{ID: b.ID, Text: b.Text}
	}
	if err := s.client.SendButtons(ctx, canonicalTo, msg.Title, msg.Text, msg.Footer, buttons); err != nil {
		slog.Error("WhatsAppService SendButtons error", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

func (s *WhatsAppService) SendPresence(ctx context.Context, to string) error {
	if s.queue.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendPresence(ctx, canonicalTo)
}
