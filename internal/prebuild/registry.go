// Package prebuild manages sandbox image templates. A template names the
// container image for one snapshot layer (base tooling, cloned repo) plus
// the env, files and service processes a sandbox built from it needs. The
// registry loads templates from a directory of YAML files and can hot-reload
// them on change.
package prebuild

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Template struct {
	ID    string `yaml:"id"`
	Image string `yaml:"image"`

	// Base names the template this one layers on. Env, files and service
	// commands accumulate down the chain; the image closest to the leaf
	// wins.
	Base string `yaml:"base"`

	Env             map[string]string `yaml:"env"`
	Files           map[string]string `yaml:"files"`
	ServiceCommands [][]string        `yaml:"service_commands"`

	// Agent settings passed through when the agent session is created.
	SystemPrompt string `yaml:"system_prompt"`
	Model        string `yaml:"model"`
}

type Registry struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]*Template

	watcher *fsnotify.Watcher

	reloads       atomic.Int64
	reloadsFailed atomic.Int64
}

func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:       dir,
		logger:    logger,
		templates: make(map[string]*Template),
	}
}

// Load reads every template file in the registry directory. A missing
// directory leaves the registry empty, which is a valid configuration.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("prebuild dir absent, registry empty", "dir", r.dir)
			return nil
		}
		return fmt.Errorf("read prebuild dir: %w", err)
	}

	loaded := make(map[string]*Template)
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", path, err)
		}
		var t Template
		if err := yaml.Unmarshal(b, &t); err != nil {
			return fmt.Errorf("parse template %s: %w", path, err)
		}
		if t.ID == "" {
			return fmt.Errorf("template %s: id is required", path)
		}
		if _, dup := loaded[t.ID]; dup {
			return fmt.Errorf("template %s: duplicate id %q", path, t.ID)
		}
		loaded[t.ID] = &t
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()

	r.logger.Info("prebuild templates loaded", "dir", r.dir, "count", len(loaded))
	return nil
}

func (r *Registry) Lookup(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// Resolve walks the Base chain and returns the effective template: the
// nearest image, with env, files and service commands merged root-first so
// leaf entries override their base.
func (r *Registry) Resolve(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []*Template
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("prebuild %q: base cycle", id)
		}
		seen[cur] = true
		t, ok := r.templates[cur]
		if !ok {
			return nil, fmt.Errorf("prebuild %q not found (via %q)", cur, id)
		}
		chain = append(chain, t)
		cur = t.Base
	}

	merged := &Template{ID: id, Env: map[string]string{}, Files: map[string]string{}}
	for i := len(chain) - 1; i >= 0; i-- {
		t := chain[i]
		if t.Image != "" {
			merged.Image = t.Image
		}
		if t.SystemPrompt != "" {
			merged.SystemPrompt = t.SystemPrompt
		}
		if t.Model != "" {
			merged.Model = t.Model
		}
		for k, v := range t.Env {
			merged.Env[k] = v
		}
		for k, v := range t.Files {
			merged.Files[k] = v
		}
		merged.ServiceCommands = append(merged.ServiceCommands, t.ServiceCommands...)
	}
	if merged.Image == "" {
		return nil, fmt.Errorf("prebuild %q resolves to no image", id)
	}
	return merged, nil
}

// Watch reloads the registry on file changes until ctx is done. Changes are
// debounced so editor write bursts trigger one reload.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", r.dir, err)
	}
	r.watcher = w

	go r.processEvents(ctx)
	return nil
}

func (r *Registry) processEvents(ctx context.Context) {
	const debounce = 250 * time.Millisecond

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isTemplateFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("prebuild watcher error", "error", err)

		case <-fire:
			timer = nil
			fire = nil
			r.reloads.Add(1)
			if err := r.Load(); err != nil {
				r.reloadsFailed.Add(1)
				r.logger.Error("prebuild reload failed", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Stats reports reload counters for the metrics endpoint.
func (r *Registry) Stats() (reloads, failed int64) {
	return r.reloads.Load(), r.reloadsFailed.Load()
}

func isTemplateFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}
