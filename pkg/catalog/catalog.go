// Package catalog caches lookups that workers and the orchestrator repeat on
// every session: the resolved path of agent binaries and the model allowlist.
// Both are invalidated when the files they derive from change on disk.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// AllowlistFunc loads the current model allowlist. An empty list allows every
// model.
type AllowlistFunc func() ([]string, error)

// Catalog is safe for concurrent use.
type Catalog struct {
	lookPath  func(string) (string, error)
	allowlist AllowlistFunc
	logger    *slog.Logger

	mu      sync.Mutex
	paths   map[string]string
	allowed map[string]struct{} // nil until loaded
	allowOK bool                // allowlist loaded; an empty map means "allow all"
}

// Options configures a Catalog. Nil fields get defaults.
type Options struct {
	LookPath  func(string) (string, error) // default exec.LookPath
	Allowlist AllowlistFunc                // default: allow all
	Logger    *slog.Logger
}

// New builds a Catalog.
func New(opts Options) *Catalog {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Allowlist == nil {
		opts.Allowlist = func() ([]string, error) { return nil, nil }
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Catalog{
		lookPath:  opts.LookPath,
		allowlist: opts.Allowlist,
		logger:    opts.Logger,
		paths:     make(map[string]string),
	}
}

// LookPath resolves name on PATH, caching successful lookups. Absolute or
// relative paths are returned as given once they resolve.
func (c *Catalog) LookPath(name string) (string, error) {
	c.mu.Lock()
	if p, ok := c.paths[name]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := c.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("catalog: %s not found: %w", name, err)
	}
	c.mu.Lock()
	c.paths[name] = p
	c.mu.Unlock()
	return p, nil
}

// ModelAllowed reports whether model may be used. An empty model is always
// allowed (the backend picks its default). A failing allowlist loader denies
// everything until the next Invalidate.
func (c *Catalog) ModelAllowed(model string) bool {
	model = strings.TrimSpace(model)
	if model == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.allowOK {
		c.loadAllowlistLocked()
	}
	if c.allowed == nil {
		return false
	}
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[model]
	return ok
}

func (c *Catalog) loadAllowlistLocked() {
	c.allowOK = true
	list, err := c.allowlist()
	if err != nil {
		c.logger.Warn("catalog: load model allowlist", "err", err)
		c.allowed = nil
		return
	}
	c.allowed = make(map[string]struct{}, len(list))
	for _, m := range list {
		if m = strings.TrimSpace(m); m != "" {
			c.allowed[m] = struct{}{}
		}
	}
}

// Invalidate drops every cached entry.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.paths = make(map[string]string)
	c.allowed = nil
	c.allowOK = false
	c.mu.Unlock()
}

// debounce coalesces bursts of editor writes into one invalidation.
const debounce = 100 * time.Millisecond

// Watch invalidates the catalog whenever one of files changes. It watches the
// parent directories so that atomic rename-over saves are seen. Watch blocks
// until ctx is done.
func (c *Catalog) Watch(ctx context.Context, files ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	targets := make(map[string]struct{}, len(files))
	dirs := make(map[string]struct{})
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("catalog: resolve %s: %w", f, err)
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("catalog: watch %s: %w", dir, err)
		}
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, hit := targets[filepath.Clean(ev.Name)]; !hit {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			c.Invalidate()
			c.logger.Debug("catalog: invalidated after config change")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("catalog: watcher error", "err", err)
		}
	}
}
