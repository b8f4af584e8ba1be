package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "5511999990000", "Olá"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].Body != "Olá" {
		t.Errorf("expected body %q, got %q", "Olá", mock.SentMessages[0].Body)
	}

	mock.Err = errors.New("boom")
	if err := mock.SendMessage(ctx, "5511999990000", "x"); err == nil {
		t.Error("expected configured error")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(WithFromWhats("+15550001")); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); !errors.Is(err, ErrMissingFromNumber) {
		t.Errorf("expected ErrMissingFromNumber, got %v", err)
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("15550001"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550001" {
		t.Errorf("unexpected from address %q", c.fromWhats)
	}
}

func TestWhatsappAddress(t *testing.T) {
	tests := map[string]string{
		"5511999990000":           "whatsapp:+5511999990000",
		"+5511999990000":          "whatsapp:+5511999990000",
		"whatsapp:+5511999990000": "whatsapp:+5511999990000",
	}
	for in, want := range tests {
		if got := whatsappAddress(in); got != want {
			t.Errorf("whatsappAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
