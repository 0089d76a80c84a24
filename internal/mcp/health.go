package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/switchboard/internal/backoff"
)

// HealthConfig configures the periodic server health sweep.
type HealthConfig struct {
	// Interval between sweeps. Defaults to 30 seconds.
	Interval time.Duration

	// RestartEnabled turns on automatic restart of crashed or unhealthy
	// servers.
	RestartEnabled bool

	// RestartMaxAttempts caps restart attempts per server. Defaults to 5.
	// The counter resets after a successful reconnect.
	RestartMaxAttempts int
}

// HealthSweeper pings every connected server on a cron schedule, marks
// failing servers degraded, and optionally restarts them with exponential
// backoff.
type HealthSweeper struct {
	manager *Manager
	config  HealthConfig
	logger  *slog.Logger
	policy  backoff.Policy

	cron    *cron.Cron
	entryID cron.EntryID

	// attempts is tracked here rather than on the manager's entry: restart
	// recreates the entry, which would reset a counter stored there.
	mu         sync.Mutex
	restarting map[string]bool
	attempts   map[string]int
}

// NewHealthSweeper creates a sweeper for the manager's fleet.
func NewHealthSweeper(manager *Manager, cfg HealthConfig, logger *slog.Logger) *HealthSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RestartMaxAttempts <= 0 {
		cfg.RestartMaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthSweeper{
		manager:    manager,
		config:     cfg,
		logger:     logger.With("component", "mcp_health"),
		policy:     backoff.RestartPolicy(),
		cron:       cron.New(cron.WithSeconds()),
		restarting: make(map[string]bool),
		attempts:   make(map[string]int),
	}
}

// Start schedules the sweep.
func (h *HealthSweeper) Start() error {
	spec := fmt.Sprintf("@every %s", h.config.Interval)
	id, err := h.cron.AddFunc(spec, h.sweep)
	if err != nil {
		return fmt.Errorf("schedule health sweep: %w", err)
	}
	h.entryID = id
	h.cron.Start()
	h.logger.Info("health sweep scheduled", "interval", h.config.Interval)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (h *HealthSweeper) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}

// sweep pings every server once. Failures mark the server degraded and,
// when enabled, kick off a restart.
func (h *HealthSweeper) sweep() {
	h.manager.mu.RLock()
	entries := make(map[string]*serverEntry, len(h.manager.servers))
	for name, entry := range h.manager.servers {
		entries[name] = entry
	}
	h.manager.mu.RUnlock()

	for name, entry := range entries {
		if !entry.connected {
			if h.config.RestartEnabled {
				h.scheduleRestart(name)
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := entry.client.Ping(ctx)
		cancel()

		if err == nil {
			h.manager.mu.Lock()
			entry.degraded = false
			h.manager.mu.Unlock()
			h.mu.Lock()
			delete(h.attempts, name)
			h.mu.Unlock()
			continue
		}

		h.logger.Warn("server failed health check", "server", name, "error", err)
		h.manager.markDegraded(name, err)
		if h.config.RestartEnabled {
			h.scheduleRestart(name)
		}
	}
}

// scheduleRestart restarts one server after its backoff delay. At most one
// restart runs per server at a time.
func (h *HealthSweeper) scheduleRestart(name string) {
	h.mu.Lock()
	if h.restarting[name] {
		h.mu.Unlock()
		return
	}
	h.restarting[name] = true
	h.attempts[name]++
	attempt := h.attempts[name]
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.restarting, name)
			h.mu.Unlock()
		}()

		if attempt > h.config.RestartMaxAttempts {
			h.logger.Error("giving up on server after repeated restarts",
				"server", name,
				"attempts", attempt-1)
			return
		}

		h.manager.mu.RLock()
		entry, ok := h.manager.servers[name]
		var cfg *ServerConfig
		if ok {
			cfg = entry.config
		}
		h.manager.mu.RUnlock()
		if !ok {
			return
		}

		delay := backoff.Compute(h.policy, attempt)
		h.logger.Info("restarting server",
			"server", name,
			"attempt", attempt,
			"delay", delay)
		time.Sleep(delay)

		if err := h.manager.DisconnectServer(name); err != nil {
			h.logger.Debug("disconnect before restart", "server", name, "error", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.manager.ConnectServer(ctx, cfg); err != nil {
			h.logger.Warn("restart failed", "server", name, "attempt", attempt, "error", err)
			return
		}

		h.mu.Lock()
		delete(h.attempts, name)
		h.mu.Unlock()

		h.manager.mu.Lock()
		if entry, ok := h.manager.servers[name]; ok {
			entry.degraded = false
		}
		h.manager.mu.Unlock()
		h.logger.Info("server restarted", "server", name)
	}()
}
