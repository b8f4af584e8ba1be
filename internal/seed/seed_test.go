package seed

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

const sample = `
config:
  wame_api_key: key-123
prompts:
  - context: navegando
    version: 2
    instructions: "Cardápio: {MENU}"
    tools:
      - type: function
        name: identify_customer_order
        parameters:
          type: object
          required: [product_id]
menu:
  - id: p1
    name: Pizza Margherita
    price: 40
  - id: p2
    name: Refrigerante
    price: "6,50"
  - id: p3
    name: Fora do cardápio
    price: 10.5
    active: false
`

func TestParseAndApply(t *testing.T) {
	ctx := context.Background()
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	st := store.NewInMemoryStore()

	stats, err := Apply(ctx, st, f)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats != (Stats{Config: 1, Prompts: 1, Menu: 3}) {
		t.Errorf("stats = %+v", stats)
	}

	if v, _ := st.GetConfigValue(ctx, models.ConfigKeyWAMeAPIKey); v != "key-123" {
		t.Errorf("wame_api_key = %q", v)
	}

	p, err := st.GetActivePrompt(ctx, "navegando")
	if err != nil || p == nil {
		t.Fatalf("GetActivePrompt = %v, %v", p, err)
	}
	if p.Version != 2 || p.Instructions != "Cardápio: {MENU}" {
		t.Errorf("prompt = %+v", p)
	}
	var tools []map[string]any
	if err := json.Unmarshal(p.Tools, &tools); err != nil {
		t.Fatalf("tools are not a JSON array: %v (%s)", err, p.Tools)
	}
	if len(tools) != 1 || tools[0]["name"] != "identify_customer_order" {
		t.Errorf("tools = %v", tools)
	}

	menu, _ := st.ListActiveMenuItems(ctx)
	prices := map[string]models.Money{}
	for _, m := range menu {
		prices[m.ID] = m.Price
	}
	if len(menu) != 2 || prices["p1"] != 4000 || prices["p2"] != 650 {
		t.Errorf("active menu = %+v", menu)
	}

	// Idempotent.
	if _, err := Apply(ctx, st, f); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if menu, _ := st.ListActiveMenuItems(ctx); len(menu) != 2 {
		t.Errorf("menu grew on reapply: %d items", len(menu))
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"menu without id", "menu:\n  - name: X\n    price: 1\n", ErrMissingMenuID},
		{"prompt without version", "prompts:\n  - context: navegando\n    instructions: x\n", ErrMissingPromptKey},
		{"prompt without instructions", "prompts:\n  - context: navegando\n    version: 1\n", ErrEmptyInstructions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseRejectsBadPrice(t *testing.T) {
	if _, err := Parse([]byte("menu:\n  - id: p1\n    price: caro\n")); err == nil {
		t.Error("expected a price error")
	}
	if _, err := Parse([]byte("menu:\n  - id: p1\n    price: [1, 2]\n")); err == nil {
		t.Error("expected a scalar error")
	}
}

func TestLoadExampleFile(t *testing.T) {
	f, err := Load(filepath.Join("..", "..", "configs", "seed.example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Menu) == 0 || len(f.Prompts) == 0 {
		t.Errorf("example seed is empty: %+v", f)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}
