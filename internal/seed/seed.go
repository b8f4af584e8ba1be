// Package seed loads a YAML file of menu items, prompt configurations and
// system config values and upserts them into the store at startup.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// File is the seed document.
//
//	config:
//	  wame_api_key: "..."
//	prompts:
//	  - context: navegando
//	    version: 1
//	    instructions: "... {MENU} ..."
//	    tools: [...]
//	menu:
//	  - id: p1
//	    name: Pizza Margherita
//	    price: 40.00
type File struct {
	Config  map[string]string `yaml:"config"`
	Prompts []Prompt          `yaml:"prompts"`
	Menu    []MenuItem        `yaml:"menu"`
}

// Prompt is a prompt configuration. Tools are written as YAML and stored as a
// JSON array. Active defaults to true.
type Prompt struct {
	Context      string `yaml:"context"`
	Version      int    `yaml:"version"`
	Instructions string `yaml:"instructions"`
	Tools        []any  `yaml:"tools"`
	Active       *bool  `yaml:"active"`
}

// MenuItem is a menu entry. Active defaults to true.
type MenuItem struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Price       Price  `yaml:"price"`
	Description string `yaml:"description"`
	Active      *bool  `yaml:"active"`
}

// Price accepts the same notations as models.ParseMoney ("40", 40.5, "40,50").
type Price models.Money

func (p *Price) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: price must be a scalar", node.Line)
	}
	m, err := models.ParseMoney(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*p = Price(m)
	return nil
}

var (
	ErrMissingMenuID     = errors.New("menu item without id")
	ErrMissingPromptKey  = errors.New("prompt without context or version")
	ErrEmptyInstructions = errors.New("prompt without instructions")
)

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates seed YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed YAML: %w", err)
	}
	for i, m := range f.Menu {
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("menu[%d]: %w", i, ErrMissingMenuID)
		}
	}
	for i, p := range f.Prompts {
		if p.Context == "" || p.Version <= 0 {
			return nil, fmt.Errorf("prompts[%d]: %w", i, ErrMissingPromptKey)
		}
		if strings.TrimSpace(p.Instructions) == "" {
			return nil, fmt.Errorf("prompts[%d]: %w", i, ErrEmptyInstructions)
		}
	}
	return &f, nil
}

// Repo is the store surface Apply writes to.
type Repo interface {
	SetConfigValue(ctx context.Context, key, value string) error
	SavePrompt(ctx context.Context, p models.PromptConfig) error
	UpsertMenuItem(ctx context.Context, item models.MenuItem) error
}

var _ Repo = (store.Store)(nil)

// Stats counts what Apply wrote.
type Stats struct {
	Config  int
	Prompts int
	Menu    int
}

// Apply upserts every entry. Running it twice leaves the store unchanged.
func Apply(ctx context.Context, repo Repo, f *File) (Stats, error) {
	var st Stats
	for key, val := range f.Config {
		if err := repo.SetConfigValue(ctx, key, val); err != nil {
			return st, fmt.Errorf("failed to seed config %q: %w", key, err)
		}
		st.Config++
	}
	for _, p := range f.Prompts {
		pc, err := p.model()
		if err != nil {
			return st, err
		}
		if err := repo.SavePrompt(ctx, pc); err != nil {
			return st, fmt.Errorf("failed to seed prompt %s v%d: %w", p.Context, p.Version, err)
		}
		st.Prompts++
	}
	for _, m := range f.Menu {
		if err := repo.UpsertMenuItem(ctx, m.model()); err != nil {
			return st, fmt.Errorf("failed to seed menu item %s: %w", m.ID, err)
		}
		st.Menu++
	}
	slog.Info("seed.Apply", "config", st.Config, "prompts", st.Prompts, "menu", st.Menu)
	return st, nil
}

func (p Prompt) model() (models.PromptConfig, error) {
	pc := models.PromptConfig{
		Context:      p.Context,
		Version:      p.Version,
		Instructions: p.Instructions,
		Active:       p.Active == nil || *p.Active,
	}
	if len(p.Tools) > 0 {
		tools, err := json.Marshal(p.Tools)
		if err != nil {
			return pc, fmt.Errorf("prompt %s v%d: tools are not JSON-compatible: %w", p.Context, p.Version, err)
		}
		pc.Tools = tools
	}
	return pc, nil
}

func (m MenuItem) model() models.MenuItem {
	return models.MenuItem{
		ID:          m.ID,
		Name:        m.Name,
		Price:       models.Money(m.Price),
		Description: m.Description,
		Active:      m.Active == nil || *m.Active,
	}
}
