package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func textCompletion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
		Usage:   openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestComplete_Success(t *testing.T) {
	chat := &mockChatService{resp: textCompletion("Resumo da conversa")}
	client := &Client{chat: chat, model: "test-model", temperature: 0.3, maxTokens: 2000}

	out, err := client.Complete(context.Background(), "resuma", CompletionOptions{Temperature: Temperature(0)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Text != "Resumo da conversa" {
		t.Errorf("unexpected text %q", out.Text)
	}
	if out.Usage != (Usage{Input: 10, Output: 5, Total: 15}) {
		t.Errorf("unexpected usage %+v", out.Usage)
	}
	if got := chat.params.Temperature.Value; got != 0 {
		t.Errorf("expected temperature override 0, got %v", got)
	}
	if got := chat.params.MaxTokens.Value; got != 2000 {
		t.Errorf("expected default max tokens 2000, got %v", got)
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: "m"}
	_, err := client.Complete(context.Background(), "x", CompletionOptions{})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}, model: "m"}
	_, err := client.Complete(context.Background(), "x", CompletionOptions{})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	if _, err := NewClient(); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Model() != "gpt-test" {
		t.Errorf("expected model override, got %q", cli.Model())
	}
}

func TestDebugLogging(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{
		chat:      &mockChatService{resp: textCompletion("ok")},
		model:     "test-model",
		debugMode: true,
		stateDir:  tempDir,
	}
	if _, err := client.Complete(context.Background(), "prompt", CompletionOptions{}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	files, err := os.ReadDir(filepath.Join(tempDir, "debug"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one debug file, got %d (%v)", len(files), err)
	}
	content, err := os.ReadFile(filepath.Join(tempDir, "debug", files[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read debug file: %v", err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("Failed to unmarshal debug log: %v", err)
	}
	for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("Required field '%s' missing from debug log", field)
		}
	}
	if entry["method"] != "Complete" {
		t.Errorf("Expected method 'Complete', got %v", entry["method"])
	}
}

func TestDebugLoggingDisabled(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{chat: &mockChatService{resp: textCompletion("ok")}, model: "m", stateDir: tempDir}
	if _, err := client.Complete(context.Background(), "prompt", CompletionOptions{}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "debug")); !os.IsNotExist(err) {
		t.Errorf("Debug directory should not be created when debug mode is disabled")
	}
}

// mockRawService records raw calls and replies with canned JSON.
type mockRawService struct {
	calls   []string
	bodies  []string
	replies map[string]string
	err     error
}

func (m *mockRawService) do(method, path string, body, res any) error {
	m.calls = append(m.calls, method+" "+path)
	if body != nil {
		b, _ := json.Marshal(body)
		m.bodies = append(m.bodies, string(b))
	}
	if m.err != nil {
		return m.err
	}
	if reply, ok := m.replies[method+" "+path]; ok {
		return json.Unmarshal([]byte(reply), res)
	}
	return nil
}

func (m *mockRawService) Post(ctx context.Context, path string, body, res any) error {
	return m.do("POST", path, body, res)
}

func (m *mockRawService) Get(ctx context.Context, path string, res any) error {
	return m.do("GET", path, nil, res)
}

func (m *mockRawService) Delete(ctx context.Context, path string, res any) error {
	return m.do("DELETE", path, nil, res)
}

func TestRespond_ParsesToolCallAndText(t *testing.T) {
	raw := &mockRawService{replies: map[string]string{
		"POST responses": `{"id":"resp_1","output":[
			{"type":"reasoning"},
			{"type":"function_call","name":"identify_customer_order","arguments":"{\"quantity\":2}"},
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Olá!"}]}
		]}`,
	}}
	client := &Client{raw: raw, model: "gpt-4o-mini"}

	resp, err := client.Respond(context.Background(), ResponseRequest{
		Conversation: "conv_1", Instructions: "sys", Input: "oi", Tools: json.RawMessage(`[]`),
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	call, ok := resp.FunctionCall("identificar_pedido_usuario", "identify_customer_order")
	if !ok || call.Arguments != `{"quantity":2}` {
		t.Errorf("expected tool call, got %+v ok=%v", call, ok)
	}
	if resp.OutputText() != "Olá!" {
		t.Errorf("unexpected output text %q", resp.OutputText())
	}

	var sent map[string]any
	json.Unmarshal([]byte(raw.bodies[0]), &sent)
	if sent["model"] != "gpt-4o-mini" || sent["conversation"] != "conv_1" || sent["store"] != true {
		t.Errorf("unexpected request body %v", sent)
	}
	if _, has := sent["tools"]; has {
		t.Errorf("empty tool list should be omitted, got %v", sent["tools"])
	}
}

func TestThreadCalls(t *testing.T) {
	raw := &mockRawService{replies: map[string]string{
		"POST conversations":                      `{"id":"conv_new"}`,
		"GET conversations/conv_1/items?limit=50": `{"data":[{"type":"message","role":"user","content":[{"type":"input_text","text":"oi"}]}]}`,
	}}
	client := &Client{raw: raw}
	ctx := context.Background()

	id, err := client.CreateThread(ctx, map[string]string{"tipo": "delivery"})
	if err != nil || id != "conv_new" {
		t.Fatalf("CreateThread: id=%q err=%v", id, err)
	}
	items, err := client.ListThreadItems(ctx, "conv_1", 50)
	if err != nil || len(items) != 1 || items[0].Content[0].Text != "oi" {
		t.Fatalf("ListThreadItems: %+v err=%v", items, err)
	}
	if err := client.AddThreadItems(ctx, "conv_new", []ThreadItem{UserText("resumo"), AssistantText("ok")}); err != nil {
		t.Fatalf("AddThreadItems failed: %v", err)
	}
	if err := client.DeleteThread(ctx, "conv_1"); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}

	want := []string{
		"POST conversations",
		"GET conversations/conv_1/items?limit=50",
		"POST conversations/conv_new/items",
		"DELETE conversations/conv_1",
	}
	if fmt.Sprint(raw.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", raw.calls, want)
	}
}

func TestCreateThread_EmptyID(t *testing.T) {
	client := &Client{raw: &mockRawService{}}
	if _, err := client.CreateThread(context.Background(), nil); err == nil {
		t.Error("expected error for empty thread id")
	}
}

type mockTranscriber struct {
	text string
	err  error
}

func (m *mockTranscriber) Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error) {
	return m.text, m.err
}

func TestTranscribe(t *testing.T) {
	ctx := context.Background()
	client := &Client{audio: &mockTranscriber{text: "  rubi  "}}
	text, err := client.Transcribe(ctx, []byte{1, 2, 3}, "", "pt")
	if err != nil || text != "rubi" {
		t.Errorf("Transcribe = %q, %v", text, err)
	}

	if _, err := client.Transcribe(ctx, nil, "", "pt"); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("expected ErrEmptyAudio, got %v", err)
	}

	client = &Client{audio: &mockTranscriber{text: "   "}}
	if _, err := client.Transcribe(ctx, []byte{1}, "", "pt"); !errors.Is(err, ErrEmptyTranscript) {
		t.Errorf("expected ErrEmptyTranscript, got %v", err)
	}
}
