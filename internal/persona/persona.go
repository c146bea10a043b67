// Package persona loads the static persona records that shape an agent's
// requests. A persona is bound to an agent at creation and never changes for
// that agent.
package persona

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/szaher/agentdeck/internal/expr"
	"gopkg.in/yaml.v3"
)

// DefaultSummaryPrompt instructs the model when archiving older messages.
const DefaultSummaryPrompt = "Summarize this conversation concisely, preserving key facts, decisions and open questions. Write in the third person."

// Persona is one persona definition.
type Persona struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt"`
	Temperature  *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens    int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// Provider and Model select the backend; empty means the configured default.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`

	// EnableHistory turns persistence and archival on or off; nil means on.
	EnableHistory *bool `yaml:"enable_history,omitempty" json:"enable_history,omitempty"`

	// SummaryThreshold and SummaryKeep override the configured archival bounds.
	SummaryThreshold int `yaml:"summary_threshold,omitempty" json:"summary_threshold,omitempty"`
	SummaryKeep      int `yaml:"summary_keep,omitempty" json:"summary_keep,omitempty"`

	// HistoryLimit caps how many recent messages are sent per request.
	HistoryLimit int `yaml:"history_message_limit,omitempty" json:"history_message_limit,omitempty"`

	// ArchiveWhen is an optional expression that triggers archival.
	ArchiveWhen   string `yaml:"archive_when,omitempty" json:"archive_when,omitempty"`
	SummaryPrompt string `yaml:"summary_prompt,omitempty" json:"summary_prompt,omitempty"`

	// Placeholder marks a persona synthesized for stored history whose
	// definition no longer exists.
	Placeholder bool `yaml:"-" json:"placeholder,omitempty"`
}

// HistoryEnabled reports whether the persona persists and archives history.
func (p *Persona) HistoryEnabled() bool {
	return p.EnableHistory == nil || *p.EnableHistory
}

// Prompt returns the summary instructions for archival.
func (p *Persona) Prompt() string {
	if p.SummaryPrompt != "" {
		return p.SummaryPrompt
	}
	return DefaultSummaryPrompt
}

// Trigger compiles ArchiveWhen. It returns nil when no expression is set.
func (p *Persona) Trigger() (*expr.Trigger, error) {
	if p.ArchiveWhen == "" {
		return nil, nil
	}
	return expr.Compile(p.ArchiveWhen)
}

// Validate checks required fields and compiles the archival trigger.
func (p *Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("persona name is required")
	}
	if p.SystemPrompt == "" && !p.Placeholder {
		return fmt.Errorf("persona %q: system_prompt is required", p.Name)
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("persona %q: temperature must be in [0, 2]", p.Name)
	}
	if p.SummaryThreshold < 0 || p.SummaryKeep < 0 || p.HistoryLimit < 0 {
		return fmt.Errorf("persona %q: history bounds must not be negative", p.Name)
	}
	if _, err := p.Trigger(); err != nil {
		return fmt.Errorf("persona %q: archive_when: %w", p.Name, err)
	}
	return nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug returns a file- and URL-safe form of the persona name.
func (p *Persona) Slug() string {
	return Slug(p.Name)
}

// Slug lowercases name and collapses runs of other characters into "-".
func Slug(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "agent"
	}
	return s
}

// NewPlaceholder returns a minimal persona for reloaded history whose
// persona file is gone.
func NewPlaceholder(name string) *Persona {
	return &Persona{
		Name:         name,
		Description:  "persona definition not found",
		SystemPrompt: "You are a helpful assistant.",
		Placeholder:  true,
	}
}

// LoadFile parses and validates a persona YAML file.
func LoadFile(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates one persona document.
func Parse(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
