package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Catalog holds the personas available for new agents, keyed by name.
// It is safe for concurrent use.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	personas map[string]*Persona
}

// NewCatalog creates a catalog for persona files in dir.
func NewCatalog(dir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dir:      dir,
		logger:   logger,
		personas: make(map[string]*Persona),
	}
}

// Load reads every *.yaml and *.yml file in the catalog directory, replacing
// the current set. Invalid files are skipped and reported in the returned
// error; valid ones are still loaded. A missing directory yields an empty
// catalog.
func (c *Catalog) Load() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.replace(map[string]*Persona{})
			return nil
		}
		return fmt.Errorf("read persona dir: %w", err)
	}

	loaded := make(map[string]*Persona)
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isPersonaFile(e.Name()) {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		p, err := LoadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		if _, dup := loaded[p.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate persona %q", e.Name(), p.Name))
			continue
		}
		loaded[p.Name] = p
	}

	c.replace(loaded)
	c.logger.Debug("personas loaded", "dir", c.dir, "count", len(loaded))
	return errors.Join(errs...)
}

func (c *Catalog) replace(m map[string]*Persona) {
	c.mu.Lock()
	c.personas = m
	c.mu.Unlock()
}

func isPersonaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Add registers p, replacing any persona with the same name.
func (c *Catalog) Add(p *Persona) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.personas[p.Name] = p
	return nil
}

// Get returns the named persona. Lookup falls back to a case-insensitive match.
func (c *Catalog) Get(name string) (*Persona, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.personas[name]; ok {
		return p, true
	}
	for n, p := range c.personas {
		if strings.EqualFold(n, name) {
			return p, true
		}
	}
	return nil, false
}

// Names returns the persona names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.personas))
	for n := range c.personas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns the personas sorted by name.
func (c *Catalog) All() []*Persona {
	names := c.Names()
	out := make([]*Persona, 0, len(names))
	for _, n := range names {
		if p, ok := c.Get(n); ok {
			out = append(out, p)
		}
	}
	return out
}

// Watch reloads the catalog whenever a persona file in the directory changes,
// until ctx is done. Bursts of events are coalesced over debounce. Agents that
// already exist keep the persona they were created with.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isPersonaFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			if err := c.Load(); err != nil {
				c.logger.Warn("persona reload had errors", "error", err)
			} else {
				c.logger.Info("personas reloaded", "count", len(c.Names()))
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("persona watcher error", "error", err)
		}
	}
}
