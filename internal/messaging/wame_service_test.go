package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	Path string
	Body map[string]interface{}
}

func newWAMeTestServer(t *testing.T, status int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(data, &body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{Path: r.URL.Path, Body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestNewWAMeServiceRequiresKey(t *testing.T) {
	if _, err := NewWAMeService(); !errors.Is(err, ErrMissingWAMeKey) {
		t.Errorf("expected ErrMissingWAMeKey, got %v", err)
	}
}

func TestWAMeService_SendText(t *testing.T) {
	srv, reqs := newWAMeTestServer(t, http.StatusOK)
	svc, err := NewWAMeService(WithWAMeAPIKey("KEY"), WithWAMeBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SendText(context.Background(), "5511999990000", "olá"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if len(*reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*reqs))
	}
	r := (*reqs)[0]
	if r.Path != "/KEY/message/text" {
		t.Errorf("unexpected path %q", r.Path)
	}
	if r.Body["to"] != "5511999990000" || r.Body["text"] != "olá" {
		t.Errorf("unexpected body %v", r.Body)
	}
}

func TestWAMeService_SendButtons(t *testing.T) {
	srv, reqs := newWAMeTestServer(t, http.StatusOK)
	svc, _ := NewWAMeService(WithWAMeAPIKey("KEY"), WithWAMeBaseURL(srv.URL))
	msg := ButtonMessage{
		Title:  "🛒 Confirmar Pedido",
		Text:   "Está correto?",
		Footer: "Escolha uma opção:",
		Buttons: []Button{
			{ID: "a", Text: "✅ Sim, pedir mais"},
			{ID: "b", Text: "✅ Sim, finalizar"},
			{ID: "cancelar_item_proposto", Text: "❌ Cancelar"},
		},
	}
	if err := svc.SendButtons(context.Background(), "5511999990000", msg); err != nil {
		t.Fatalf("SendButtons returned error: %v", err)
	}
	r := (*reqs)[0]
	if r.Path != "/KEY/message/button_reply" {
		t.Errorf("unexpected path %q", r.Path)
	}
	header, _ := r.Body["header"].(map[string]interface{})
	if header["title"] != "🛒 Confirmar Pedido" || r.Body["footer"] != "Escolha uma opção:" {
		t.Errorf("unexpected body %v", r.Body)
	}
	buttons, _ := r.Body["buttons"].([]interface{})
	if len(buttons) != 3 {
		t.Fatalf("expected 3 buttons, got %d", len(buttons))
	}
	first := buttons[0].(map[string]interface{})
	if first["type"] != "quick_reply" || first["id"] != "a" {
		t.Errorf("unexpected button %v", first)
	}
}

func TestWAMeService_SendPresence(t *testing.T) {
	srv, reqs := newWAMeTestServer(t, http.StatusOK)
	svc, _ := NewWAMeService(WithWAMeAPIKey("KEY"), WithWAMeBaseURL(srv.URL))
	if err := svc.SendPresence(context.Background(), "5511999990000"); err != nil {
		t.Fatal(err)
	}
	r := (*reqs)[0]
	if r.Path != "/KEY/message/presence" || r.Body["status"] != "composing" {
		t.Errorf("unexpected request %+v", r)
	}
}

func TestWAMeService_Non2xxIsError(t *testing.T) {
	srv, _ := newWAMeTestServer(t, http.StatusBadGateway)
	svc, _ := NewWAMeService(WithWAMeAPIKey("KEY"), WithWAMeBaseURL(srv.URL))
	err := svc.SendText(context.Background(), "5511999990000", "x")
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), `{"status":"ok"}`) {
		t.Errorf("error should carry status and body: %v", err)
	}
}

func TestWAMeService_RejectsInvalidButtons(t *testing.T) {
	srv, reqs := newWAMeTestServer(t, http.StatusOK)
	svc, _ := NewWAMeService(WithWAMeAPIKey("KEY"), WithWAMeBaseURL(srv.URL))
	err := svc.SendButtons(context.Background(), "5511999990000", ButtonMessage{Text: "x"})
	if !errors.Is(err, ErrNoButtons) {
		t.Errorf("expected ErrNoButtons, got %v", err)
	}
	if len(*reqs) != 0 {
		t.Error("invalid message must not reach the gateway")
	}
}
