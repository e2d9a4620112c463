package kiosk

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Connectivity gates the drain loop on store reachability.
type Connectivity interface {
	Online() bool
	// WaitOnline blocks until the store is reachable or ctx is done.
	WaitOnline(ctx context.Context) error
	// MarkOffline records that a request just failed for lack of connectivity.
	MarkOffline()
}

// Monitor probes the store periodically. It starts out online.
type Monitor struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	log      zerolog.Logger
	gauge    prometheus.Gauge

	mu      sync.Mutex
	online  bool
	changed chan struct{} // closed and replaced on every transition
}

// NewMonitor creates a monitor; gauge may be nil.
func NewMonitor(probe func(ctx context.Context) error, interval time.Duration, log zerolog.Logger, gauge prometheus.Gauge) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	m := &Monitor{probe: probe, interval: interval, log: log, gauge: gauge, online: true, changed: make(chan struct{})}
	if gauge != nil {
		gauge.Set(1)
	}
	return m
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug().Err(err).Msg("store probe failed")
	}
	m.set(err == nil)
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	close(m.changed)
	m.changed = make(chan struct{})
	if m.gauge != nil {
		if online {
			m.gauge.Set(1)
		} else {
			m.gauge.Set(0)
		}
	}
	if online {
		m.log.Info().Msg("store reachable")
	} else {
		m.log.Warn().Msg("store unreachable")
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) MarkOffline() { m.set(false) }

func (m *Monitor) WaitOnline(ctx context.Context) error {
	for {
		m.mu.Lock()
		online, changed := m.online, m.changed
		m.mu.Unlock()
		if online {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
