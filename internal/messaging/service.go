// Package messaging delivers outbound WhatsApp messages and surfaces inbound ones.
//
// Service is implemented by the api-wa.me gateway (WAMeService), a direct
// whatsmeow session (WhatsAppService), Twilio (TwilioService) and MockService.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of the inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked inbound emit before the event is dropped.
	DefaultChannelTimeout = 1 * time.Second
	// MaxButtons is the most quick-reply buttons one message may carry.
	MaxButtons = 3
)

var (
	ErrServiceStopped = errors.New("messaging service stopped")
	ErrNoButtons      = errors.New("button message needs at least one button")
	ErrTooManyButtons = errors.New("button message has too many buttons")
	ErrButtonID       = errors.New("invalid button id")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// InboundKind classifies an inbound message.
type InboundKind string

const (
	KindText   InboundKind = "text"
	KindAudio  InboundKind = "audio"
	KindButton InboundKind = "button"
	KindOther  InboundKind = "other"
)

// Inbound is a normalized incoming message, whatever channel it arrived on.
type Inbound struct {
	MessageID  string
	Phone      string
	IsGroup    bool
	Kind       InboundKind
	Text       string
	ButtonID   string
	ButtonText string // label of the selected button, when the channel reports it
	Audio      []byte
}

// Button is one quick-reply button.
type Button struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ButtonMessage is a text message with up to MaxButtons quick replies.
type ButtonMessage struct {
	Title   string
	Text    string
	Footer  string
	Buttons []Button
}

// Validate checks the button count and that every id fits the channel limit.
func (m ButtonMessage) Validate() error {
	if len(m.Buttons) == 0 {
		return ErrNoButtons
	}
	if len(m.Buttons) > MaxButtons {
		return fmt.Errorf("%w: %d (max %d)", ErrTooManyButtons, len(m.Buttons), MaxButtons)
	}
	for _, b := range m.Buttons {
		if b.ID == "" {
			return fmt.Errorf("%w: empty", ErrButtonID)
		}
		if len(b.ID) > models.MaxButtonIDBytes {
			return fmt.Errorf("%w: %d bytes (max %d)", ErrButtonID, len(b.ID), models.MaxButtonIDBytes)
		}
	}
	return nil
}

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	SendText(ctx context.Context, to string, body string) error
	SendButtons(ctx context.Context, to string, msg ButtonMessage) error
	// SendPresence shows the "composing" indicator. Channels without one ignore it.
	SendPresence(ctx context.Context, to string) error

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error
	// Stop stops background processing and closes the inbound channel.
	Stop() error
	// Inbound returns incoming messages received by the channel itself.
	// Channels fed only through the HTTP webhook never emit.
	Inbound() <-chan Inbound
}

// canonicalizePhone removes all non-numeric characters and requires at least 6 digits.
func canonicalizePhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// inboundQueue is the stoppable inbound channel shared by the implementations.
type inboundQueue struct {
	ch   chan Inbound
	done chan struct{}
	once sync.Once
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{
		ch:   make(chan Inbound, DefaultChannelBufferSize),
		done: make(chan struct{}),
	}
}

func (q *inboundQueue) stopped() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *inboundQueue) emit(service string, in Inbound) {
	if q.stopped() {
		slog.Warn(service+" dropping inbound message (service stopped)", "message_id", in.MessageID)
		return
	}
	select {
	case q.ch <- in:
		slog.Debug(service+" emitted inbound message", "message_id", in.MessageID, "kind", in.Kind)
	case <-q.done:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(service+" inbound channel blocked, dropping message", "message_id", in.MessageID)
	}
}

// close stops the queue. The channel itself is closed once no emitter can be mid-send.
func (q *inboundQueue) close() {
	q.once.Do(func() {
		close(q.done)
		go func() {
			time.Sleep(DefaultChannelTimeout + 50*time.Millisecond)
			close(q.ch)
		}()
	})
}
