package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/switchboard/internal/mcp"
)

// debounceWindow coalesces the write bursts editors produce into one
// reload.
const debounceWindow = 250 * time.Millisecond

// ServerToggle is one live change the watcher found: a server whose
// disabled flag flipped, or a server added to or removed from the file.
type ServerToggle struct {
	Config mcp.ServerConfig
	// Enable is true when the server should be connected, false when it
	// should be shut down.
	Enable bool
}

// Watcher re-reads the config file on change and reports which MCP
// servers should be connected or disconnected. All other config changes
// require a restart and are only logged.
type Watcher struct {
	path    string
	current *Config
	logger  *slog.Logger
	apply   func(ctx context.Context, toggles []ServerToggle)
}

// NewWatcher builds a watcher starting from the already-loaded config.
// apply is invoked with the server toggles of each accepted reload.
func NewWatcher(path string, current *Config, apply func(ctx context.Context, toggles []ServerToggle), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    path,
		current: current,
		logger:  logger.With("component", "config-watcher"),
		apply:   apply,
	}
}

// Run blocks until ctx is cancelled. Watching the directory rather than
// the file survives the rename-and-replace writes editors and config
// management tools do.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	w.logger.Info("watching config", "path", w.path)

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}
			fire = debounce.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)

		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", "error", err)
		return
	}

	toggles := diffServers(w.current, next)
	w.logRestartOnlyChanges(next)
	w.current = next

	if len(toggles) == 0 {
		return
	}
	w.logger.Info("applying server toggles", "count", len(toggles))
	if w.apply != nil {
		w.apply(ctx, toggles)
	}
}

// diffServers computes which servers to connect or disconnect: disabled
// flag flips, plus servers added to or removed from the file.
func diffServers(old, next *Config) []ServerToggle {
	previous := make(map[string]mcp.ServerConfig, len(old.MCPServers))
	for _, server := range old.MCPServers {
		previous[server.Name] = server
	}

	var toggles []ServerToggle
	seen := make(map[string]bool, len(next.MCPServers))
	for _, server := range next.MCPServers {
		seen[server.Name] = true
		before, existed := previous[server.Name]
		switch {
		case !existed:
			if !server.Disabled {
				toggles = append(toggles, ServerToggle{Config: server, Enable: true})
			}
		case before.Disabled != server.Disabled:
			toggles = append(toggles, ServerToggle{Config: server, Enable: !server.Disabled})
		}
	}
	for _, server := range old.MCPServers {
		if !seen[server.Name] && !server.Disabled {
			toggles = append(toggles, ServerToggle{Config: server, Enable: false})
		}
	}
	return toggles
}

func (w *Watcher) logRestartOnlyChanges(next *Config) {
	type section struct {
		name     string
		old, new any
	}
	sections := []section{
		{"server", w.current.Server, next.Server},
		{"llm", w.current.LLM, next.LLM},
		{"loop", w.current.Loop, next.Loop},
		{"logging", w.current.Logging, next.Logging},
		{"observability", w.current.Observability, next.Observability},
		{"health", w.current.Health, next.Health},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			w.logger.Warn("config section changed, restart required to apply", "section", s.name)
		}
	}
}
