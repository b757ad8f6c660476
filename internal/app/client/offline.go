package client

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"
)

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// OfflineManager tracks server reachability. Every offline to online
// transition is announced on Reconnected.
type OfflineManager struct {
	checker  healthChecker
	interval time.Duration
	online   atomic.Bool
	events   chan struct{}
	log      *slog.Logger
}

func NewOfflineManager(checker healthChecker, interval time.Duration, log *slog.Logger) *OfflineManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &OfflineManager{
		checker:  checker,
		interval: interval,
		events:   make(chan struct{}, 1),
		log:      log.With(slog.String("component", "offline_manager")),
	}
	m.online.Store(true)
	return m
}

func (m *OfflineManager) IsOnline() bool {
	return m.online.Load()
}

// Reconnected delivers at most one pending reconnect notification.
func (m *OfflineManager) Reconnected() <-chan struct{} {
	return m.events
}

// MarkOffline records a failed request seen elsewhere.
func (m *OfflineManager) MarkOffline() {
	if m.online.Swap(false) {
		m.log.Warn("server unreachable, working offline")
	}
}

// Check probes the server once and reports whether it is reachable.
func (m *OfflineManager) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	if err := m.checker.HealthCheck(ctx); err != nil {
		m.log.Debug("health probe failed", slog.String("error", err.Error()))
		m.MarkOffline()
		return false
	}

	if !m.online.Swap(true) {
		m.log.Info("server reachable again")
		select {
		case m.events <- struct{}{}:
		default:
		}
	}
	return true
}

// Run probes every interval until ctx is done.
func (m *OfflineManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
