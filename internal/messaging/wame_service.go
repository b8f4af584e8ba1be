package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultWAMeBaseURL is the api-wa.me gateway endpoint.
const DefaultWAMeBaseURL = "https://us.api-wa.me"

// ErrMissingWAMeKey is returned when the gateway instance key is not configured.
var ErrMissingWAMeKey = errors.New("api-wa.me instance key is not configured")

// WAMeOpts holds configuration for WAMeService.
type WAMeOpts struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// WAMeOption configures WAMeService.
type WAMeOption func(*WAMeOpts)

// WithWAMeAPIKey sets the gateway instance key.
func WithWAMeAPIKey(key string) WAMeOption {
	return func(o *WAMeOpts) { o.APIKey = key }
}

// WithWAMeBaseURL overrides the gateway base URL.
func WithWAMeBaseURL(url string) WAMeOption {
	return func(o *WAMeOpts) { o.BaseURL = url }
}

// WithWAMeHTTPClient sets the HTTP client used for gateway calls.
func WithWAMeHTTPClient(c *http.Client) WAMeOption {
	return func(o *WAMeOpts) { o.HTTPClient = c }
}

// WAMeService implements Service over the api-wa.me HTTP gateway.
// Inbound traffic arrives through the HTTP webhook, so Inbound never emits.
type WAMeService struct {
	apiKey  string
	baseURL string
	http    *http.Client
	queue   *inboundQueue
}

// NewWAMeService creates a gateway client. The key is read once here.
func NewWAMeService(opts ...WAMeOption) (*WAMeService, error) {
	cfg := WAMeOpts{BaseURL: DefaultWAMeBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingWAMeKey
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	slog.Debug("WAMeService created", "base_url", cfg.BaseURL)
	return &WAMeService{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		queue:   newInboundQueue(),
	}, nil
}

func (s *WAMeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("WAMeService", recipient)
}

type wameTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type wameHeader struct {
	Title string `json:"title"`
}

type wameButton struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

type wameButtonRequest struct {
	To      string       `json:"to"`
	Header  wameHeader   `json:"header"`
	Text    string       `json:"text"`
	Footer  string       `json:"footer"`
	Buttons []wameButton `json:"buttons"`
}

type wamePresenceRequest struct {
	To     string `json:"to"`
	Status string `json:"status"`
}

// SendText posts to /message/text.
func (s *WAMeService) SendText(ctx context.Context, to string, body string) error {
	if s.queue.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.post(ctx, "message/text", wameTextRequest{To: canonicalTo, Text: body})
}

// SendButtons posts a quick-reply message to /message/button_reply.
func (s *WAMeService) SendButtons(ctx context.Context, to string, msg ButtonMessage) error {
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
	req := wameButtonRequest{
		To:     canonicalTo,
		Header: wameHeader{Title: msg.Title},
		Text:   msg.Text,
		Footer: msg.Footer,
	}
	for _, b := range msg.Buttons {
		req.Buttons = append(req.Buttons, wameButton{Type: "quick_reply", ID: b.ID, Text: b.Text})
	}
	return s.post(ctx, "message/button_reply", req)
}

// SendPresence posts a "composing" status to /message/presence.
func (s *WAMeService) SendPresence(ctx context.Context, to string) error {
	if s.queue.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.post(ctx, "message/presence", wamePresenceRequest{To: canonicalTo, Status: "composing"})
}

func (s *WAMeService) post(ctx context.Context, path string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}
	url := fmt.Sprintf("%s/%s/%s", s.baseURL, s.apiKey, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		slog.Error("WAMeService request failed", "path", path, "error", err)
		return fmt.Errorf("api-wa.me %s request failed: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("WAMeService non-2xx response", "path", path, "status", resp.StatusCode, "body", string(body))
		return fmt.Errorf("api-wa.me %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	slog.Debug("WAMeService request sent", "path", path, "status", resp.StatusCode)
	return nil
}

func (s *WAMeService) Start(ctx context.Context) error { return nil }

func (s *WAMeService) Stop() error {
	s.queue.close()
	return nil
}

func (s *WAMeService) Inbound() <-chan Inbound { return s.queue.ch }
