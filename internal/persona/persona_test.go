package persona

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/szaher/agentdeck/internal/testutil"
)

const shadowYAML = `
name: Shadow
description: terse assistant
system_prompt: You are Shadow.
temperature: 0.4
max_tokens: 800
summary_threshold: 10
summary_keep: 4
archive_when: "messages > threshold && chars > 100"
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(shadowYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Name != "Shadow" || p.SystemPrompt != "You are Shadow." {
		t.Errorf("persona = %+v", p)
	}
	if p.Temperature == nil || *p.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", p.Temperature)
	}
	if !p.HistoryEnabled() {
		t.Error("history should default to enabled")
	}
	trig, err := p.Trigger()
	if err != nil || trig == nil {
		t.Fatalf("Trigger() = %v, %v", trig, err)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		substr string
	}{
		{"missing name", "system_prompt: x", "name is required"},
		{"missing prompt", "name: a", "system_prompt is required"},
		{"bad temperature", "name: a\nsystem_prompt: x\ntemperature: 5", "temperature"},
		{"bad trigger", "name: a\nsystem_prompt: x\narchive_when: 'messages >'", "archive_when"},
		{"bad yaml", "name: [", "parse persona"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			testutil.AssertErrorContains(t, err, tt.substr)
		})
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Shadow":          "shadow",
		"Code Reviewer!":  "code-reviewer",
		"  --  ":          "agent",
		"Grok 4 / Fast ": "grok-4-fast",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCatalogLoad(t *testing.T) {
	dir := testutil.TempDir(t)
	writeFile(t, dir, "shadow.yaml", shadowYAML)
	writeFile(t, dir, "coder.yml", "name: Coder\nsystem_prompt: You write Go.\n")
	writeFile(t, dir, "broken.yaml", "name: [")
	writeFile(t, dir, "notes.txt", "ignored")

	c := NewCatalog(dir, nil)
	err := c.Load()
	testutil.AssertErrorContains(t, err, "broken.yaml")

	names := c.Names()
	if len(names) != 2 || names[0] != "Coder" || names[1] != "Shadow" {
		t.Errorf("Names() = %v, want [Coder Shadow]", names)
	}
	if _, ok := c.Get("shadow"); !ok {
		t.Error("Get should match case-insensitively")
	}
	if _, ok := c.Get("nobody"); ok {
		t.Error("Get(nobody) should fail")
	}
}

func TestCatalogMissingDir(t *testing.T) {
	c := NewCatalog(filepath.Join(testutil.TempDir(t), "absent"), nil)
	if err := c.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Names()) != 0 {
		t.Errorf("Names() = %v, want empty", c.Names())
	}
}

func TestCatalogWatch(t *testing.T) {
	dir := testutil.TempDir(t)
	writeFile(t, dir, "shadow.yaml", shadowYAML)

	c := NewCatalog(dir, nil)
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, 20*time.Millisecond) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "coder.yaml", "name: Coder\nsystem_prompt: You write Go.\n")

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := c.Get("Coder")
		return ok
	}, "new persona file should be picked up")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestPlaceholder(t *testing.T) {
	p := NewPlaceholder("Gone")
	if err := p.Validate(); err != nil {
		t.Errorf("placeholder should validate: %v", err)
	}
	if !p.Placeholder || p.Name != "Gone" {
		t.Errorf("placeholder = %+v", p)
	}
}
