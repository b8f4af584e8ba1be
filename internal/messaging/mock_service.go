package messaging

import (
	"context"
	"sync"
)

// SentButtonMessage records one SendButtons call on MockService.
type SentButtonMessage struct {
	To      string
	Message ButtonMessage
}

// MockService records outbound calls. Set TextErr or ButtonsErr to make sends fail.
type MockService struct {
	mu         sync.Mutex
	Texts      map[string][]string
	Buttons    []SentButtonMessage
	Presences  []string
	TextErr    error
	ButtonsErr error
	queue      *inboundQueue
}

func NewMockService() *MockService {
	return &MockService{
		Texts: make(map[string][]string),
		queue: newInboundQueue(),
	}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("MockService", recipient)
}

func (m *MockService) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TextErr != nil {
		return m.TextErr
	}
	m.Texts[to] = append(m.Texts[to], body)
	return nil
}

func (m *MockService) SendButtons(ctx context.Context, to string, msg ButtonMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ButtonsErr != nil {
		return m.ButtonsErr
	}
	m.Buttons = append(m.Buttons, SentButtonMessage{To: to, Message: msg})
	return nil
}

func (m *MockService) SendPresence(ctx context.Context, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Presences = append(m.Presences, to)
	return nil
}

// TextsTo returns a copy of the texts sent to a recipient.
func (m *MockService) TextsTo(to string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Texts[to]...)
}

// LastButtons returns the most recent button message, or false when none was sent.
func (m *MockService) LastButtons() (SentButtonMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Buttons) == 0 {
		return SentButtonMessage{}, false
	}
	return m.Buttons[len(m.Buttons)-1], true
}

// Emit pushes an inbound message as if the channel had received it.
func (m *MockService) Emit(in Inbound) { m.queue.emit("MockService", in) }

func (m *MockService) Start(ctx context.Context) error { return nil }
func (m *MockService) Stop() error                     { m.queue.close(); return nil }
func (m *MockService) Inbound() <-chan Inbound         { return m.queue.ch }
