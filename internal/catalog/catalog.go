// Package catalog holds the model table for the Antigravity upstream:
// which models exist, how they are aliased to internal variants, and how
// their thinking parameters are expressed.
package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ThinkingStyle describes how a model receives its reasoning parameter.
type ThinkingStyle int

const (
	// ThinkingNone disables reasoning entirely.
	ThinkingNone ThinkingStyle = iota
	// ThinkingBudget sends an integer thinkingBudget token count.
	ThinkingBudget
	// ThinkingLevel sends a string thinkingLevel ("low"/"high").
	ThinkingLevel
)

// Model is one externally advertised model id with its upstream quirks.
type Model struct {
	ID              string
	Owner           string
	Upstream        string // internal model id sent to the upstream
	ThinkingVariant string // upstream id when thinking is requested, empty if none
	ThinkingOnly    bool   // model only exists as its thinking variant upstream
	Style           ThinkingStyle
	MaxOutputTokens int
}

// Group is a named cluster of model ids whose quotas are aggregated together.
type Group struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Models      []string `yaml:"models"`
}

// Catalog is a typed lookup over the model table. The zero value is not
// usable; construct with Default and optionally override with LoadFile.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]Model
	order   []string
	aliases map[string]string
	budgets map[string]int
	groups  []Group
}

// Default returns the built-in Antigravity model table.
func Default() *Catalog {
	c := &Catalog{
		models:  make(map[string]Model),
		aliases: make(map[string]string),
		budgets: map[string]int{
			"low":    8192,
			"medium": 16384,
			"high":   32768,
		},
		groups: []Group{
			{
				Name:        "gemini",
				DisplayName: "Gemini 3",
				Models: []string{
					"gemini-3-pro-preview",
					"gemini-3-pro-high",
					"gemini-3-flash",
					"gemini-3-pro-flash-preview",
				},
			},
			{
				Name:        "claude",
				DisplayName: "Claude",
				Models: []string{
					"claude-sonnet-4-5",
					"claude-sonnet-4-5-thinking",
					"claude-opus-4-5",
					"claude-opus-4-5-thinking",
				},
			},
		},
	}

	c.register(Model{
		ID:              "gemini-3-pro-preview",
		Owner:           "google",
		Upstream:        "gemini-3-pro-preview",
		Style:           ThinkingLevel,
		MaxOutputTokens: 65536,
	})
	c.register(Model{
		ID:              "claude-sonnet-4-5",
		Owner:           "anthropic",
		Upstream:        "claude-sonnet-4-5",
		ThinkingVariant: "claude-sonnet-4-5-thinking",
		Style:           ThinkingBudget,
		MaxOutputTokens: 64000,
	})
	c.register(Model{
		ID:              "claude-sonnet-4-5-thinking",
		Owner:           "anthropic",
		Upstream:        "claude-sonnet-4-5-thinking",
		ThinkingVariant: "claude-sonnet-4-5-thinking",
		Style:           ThinkingBudget,
		MaxOutputTokens: 64000,
	})
	c.register(Model{
		ID:              "claude-opus-4-5",
		Owner:           "anthropic",
		Upstream:        "claude-opus-4-5-thinking",
		ThinkingVariant: "claude-opus-4-5-thinking",
		ThinkingOnly:    true,
		Style:           ThinkingBudget,
		MaxOutputTokens: 64000,
	})

	// Externally seen ids that map onto a concrete internal model.
	c.aliases["gemini-3-pro-low"] = "gemini-3-pro-preview"
	c.aliases["gemini-3-pro-high"] = "gemini-3-pro-preview"

	return c
}

func (c *Catalog) register(m Model) {
	c.models[m.ID] = m
	c.order = append(c.order, m.ID)
}

// Resolve maps an external model name to its catalog entry, following
// aliases. The second return is false when the model is unknown; callers
// then take the single fallback path of sending the name upstream as-is.
func (c *Catalog) Resolve(name string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if target, ok := c.aliases[name]; ok {
		name = target
	}
	m, ok := c.models[name]
	if !ok {
		return Model{ID: name, Upstream: name, Owner: "unknown"}, false
	}
	return m, true
}

// List returns all advertised models in registration order.
func (c *Catalog) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// Budget returns the thinking token budget for a reasoning effort level.
// Unknown efforts fall back to medium.
func (c *Catalog) Budget(effort string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if b, ok := c.budgets[effort]; ok {
		return b
	}
	return c.budgets["medium"]
}

// Groups returns the configured quota groups.
func (c *Catalog) Groups() []Group {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Group, len(c.groups))
	copy(out, c.groups)
	return out
}

type fileOverrides struct {
	Budgets map[string]int `yaml:"thinking_budgets"`
	Groups  []Group        `yaml:"quota_groups"`
	Models  []struct {
		ID              string `yaml:"id"`
		Owner           string `yaml:"owner"`
		Upstream        string `yaml:"upstream"`
		ThinkingVariant string `yaml:"thinking_variant"`
		ThinkingOnly    bool   `yaml:"thinking_only"`
		Thinking        string `yaml:"thinking"` // none | budget | level
		MaxOutputTokens int    `yaml:"max_output_tokens"`
	} `yaml:"models"`
	Aliases map[string]string `yaml:"aliases"`
}

// LoadFile merges overrides from a YAML file into the catalog. Existing
// entries are replaced wholesale when the file names them.
func (c *Catalog) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog file: %w", err)
	}

	var f fileOverrides
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse catalog file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for effort, budget := range f.Budgets {
		c.budgets[effort] = budget
	}
	if len(f.Groups) > 0 {
		c.groups = f.Groups
	}
	for _, m := range f.Models {
		style := ThinkingNone
		switch m.Thinking {
		case "budget":
			style = ThinkingBudget
		case "level":
			style = ThinkingLevel
		}
		upstream := m.Upstream
		if upstream == "" {
			upstream = m.ID
		}
		if _, exists := c.models[m.ID]; !exists {
			c.order = append(c.order, m.ID)
		}
		c.models[m.ID] = Model{
			ID:              m.ID,
			Owner:           m.Owner,
			Upstream:        upstream,
			ThinkingVariant: m.ThinkingVariant,
			ThinkingOnly:    m.ThinkingOnly,
			Style:           style,
			MaxOutputTokens: m.MaxOutputTokens,
		}
	}
	for alias, target := range f.Aliases {
		c.aliases[alias] = target
	}
	return nil
}
