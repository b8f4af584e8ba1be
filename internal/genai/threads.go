package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/openai/openai-go"
)

// ErrConversationLocked marks a response request rejected because another
// request is still running against the same thread.
var ErrConversationLocked = errors.New("conversation_locked")

// IsConversationLocked reports whether err is the service's conversation_locked error.
func IsConversationLocked(err error) bool {
	if errors.Is(err, ErrConversationLocked) {
		return true
	}
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.Code == "conversation_locked"
}

// ContentPart is one block of a thread item's content.
type ContentPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ThreadItem is a message or function call stored in a conversation thread,
// or an output item of a response.
type ThreadItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
}

// UserText builds a user message item.
func UserText(text string) ThreadItem {
	return ThreadItem{Type: "message", Role: "user", Content: []ContentPart{{Type: "input_text", Text: text}}}
}

// AssistantText builds an assistant message item.
func AssistantText(text string) ThreadItem {
	return ThreadItem{Type: "message", Role: "assistant", Content: []ContentPart{{Type: "output_text", Text: text}}}
}

// ResponseRequest continues a thread with one user input.
type ResponseRequest struct {
	Model        string          `json:"model"`
	Conversation string          `json:"conversation"`
	Store        bool            `json:"store"`
	Instructions string          `json:"instructions,omitempty"`
	Input        string          `json:"input"`
	Tools        json.RawMessage `json:"tools,omitempty"`
}

// Response is the subset of a model response the flows read.
type Response struct {
	ID     string       `json:"id"`
	Output []ThreadItem `json:"output"`
}

// FunctionCall returns the first function call output item with the given
// name. Any of names matches.
func (r *Response) FunctionCall(names ...string) (ThreadItem, bool) {
	for _, item := range r.Output {
		if item.Type != "function_call" {
			continue
		}
		for _, n := range names {
			if item.Name == n {
				return item, true
			}
		}
	}
	return ThreadItem{}, false
}

// OutputText returns the first assistant output_text block, or "".
func (r *Response) OutputText() string {
	for _, item := range r.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				return c.Text
			}
		}
	}
	return ""
}

type threadObject struct {
	ID string `json:"id"`
}

type threadItemList struct {
	Data []ThreadItem `json:"data"`
}

// CreateThread creates a conversation thread carrying the given metadata.
func (c *Client) CreateThread(ctx context.Context, metadata map[string]string) (string, error) {
	var res threadObject
	if err := c.raw.Post(ctx, "conversations", map[string]any{"metadata": metadata}, &res); err != nil {
		slog.Error("genai.CreateThread failed", "error", err)
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	if res.ID == "" {
		return "", errors.New("failed to create thread: empty id")
	}
	slog.Debug("genai.CreateThread succeeded", "thread_id", res.ID)
	return res.ID, nil
}

// ListThreadItems returns up to limit items of a thread, newest first.
func (c *Client) ListThreadItems(ctx context.Context, threadID string, limit int) ([]ThreadItem, error) {
	path := fmt.Sprintf("conversations/%s/items?limit=%d", url.PathEscape(threadID), limit)
	var res threadItemList
	if err := c.raw.Get(ctx, path, &res); err != nil {
		slog.Error("genai.ListThreadItems failed", "thread_id", threadID, "error", err)
		return nil, fmt.Errorf("failed to list items of thread %s: %w", threadID, err)
	}
	return res.Data, nil
}

// AddThreadItems appends items to a thread.
func (c *Client) AddThreadItems(ctx context.Context, threadID string, items []ThreadItem) error {
	path := fmt.Sprintf("conversations/%s/items", url.PathEscape(threadID))
	var res threadItemList
	if err := c.raw.Post(ctx, path, map[string]any{"items": items}, &res); err != nil {
		slog.Error("genai.AddThreadItems failed", "thread_id", threadID, "error", err)
		return fmt.Errorf("failed to add items to thread %s: %w", threadID, err)
	}
	slog.Debug("genai.AddThreadItems succeeded", "thread_id", threadID, "items", len(res.Data))
	return nil
}

// DeleteThread deletes a thread.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	var res map[string]any
	if err := c.raw.Delete(ctx, "conversations/"+url.PathEscape(threadID), &res); err != nil {
		slog.Error("genai.DeleteThread failed", "thread_id", threadID, "error", err)
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	slog.Debug("genai.DeleteThread succeeded", "thread_id", threadID)
	return nil
}

// Respond runs one model turn on a thread. Model defaults to the client's.
func (c *Client) Respond(ctx context.Context, req ResponseRequest) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if strings.TrimSpace(string(req.Tools)) == "[]" || strings.TrimSpace(string(req.Tools)) == "null" {
		req.Tools = nil
	}
	req.Store = true
	var res Response
	if err := c.raw.Post(ctx, "responses", req, &res); err != nil {
		return nil, fmt.Errorf("response request failed: %w", err)
	}
	c.writeDebugLog("Respond", req, res)
	slog.Debug("genai.Respond: response received", "thread_id", req.Conversation, "output_items", len(res.Output))
	return &res, nil
}
