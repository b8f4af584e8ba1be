// Package testutil provides common test helpers for OrderPipe packages.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// Menu is the catalog NewMenuStore seeds.
var Menu = []models.MenuItem{
	{ID: "p1", Name: "Pizza Margherita", Price: 4000, Active: true},
	{ID: "p2", Name: "Refrigerante", Price: 650, Active: true},
}

// PromptInstructions is the dialogue prompt NewMenuStore seeds.
const PromptInstructions = "Você atende uma pizzaria. Cardápio:\n{MENU}"

// NewMenuStore returns an in-memory store holding Menu and an active
// dialogue prompt for promptContext.
func NewMenuStore(t *testing.T, promptContext string) *store.InMemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	for _, item := range Menu {
		if err := st.UpsertMenuItem(ctx, item); err != nil {
			t.Fatalf("failed to seed menu item %s: %v", item.ID, err)
		}
	}
	prompt := models.PromptConfig{Context: promptContext, Version: 1, Instructions: PromptInstructions, Active: true}
	if err := st.SavePrompt(ctx, prompt); err != nil {
		t.Fatalf("failed to seed prompt: %v", err)
	}
	return st
}

// NewCustomer creates a customer in the given status.
func NewCustomer(t *testing.T, st store.CustomerRepo, phone string, status models.ConversationStatus) *models.Customer {
	t.Helper()
	c, _, err := st.CreateCustomer(context.Background(), phone, "Ana", status)
	if err != nil {
		t.Fatalf("failed to create customer %s: %v", phone, err)
	}
	return c
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("expected status %d, got %d (body %s)", expected, rr.Code, rr.Body.String())
	}
}

// DecodeJSON decodes a JSON object body and fails the test when it is not one.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	return body
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
