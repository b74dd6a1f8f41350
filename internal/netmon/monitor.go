// Package netmon tracks transport reachability. It exposes the current
// online/offline status and fires registered observers on every reconnect
// edge (offline → online), which is what triggers queue draining and
// incremental reconciliation elsewhere in the engine.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arktis/msync/internal/bus"
)

// Probe checks whether the remote authority is reachable. A nil error
// means online.
type Probe func(ctx context.Context) error

// Handle identifies a registered reconnect observer.
type Handle struct {
	id  int
	mon *Monitor
}

// Unregister removes the observer. Safe to call more than once, and on the
// zero Handle.
func (h Handle) Unregister() {
	if h.mon == nil {
		return
	}
	h.mon.mu.Lock()
	delete(h.mon.observers, h.id)
	h.mon.mu.Unlock()
}

// Monitor observes connectivity transitions.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	observers map[int]func()
	next      int

	probe    Probe
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// New creates a monitor. probe may be nil when status is fed externally
// through Set (tests, or a transport that reports its own state).
func New(probe Probe, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		observers: make(map[int]func()),
		probe:     probe,
		interval:  interval,
		bus:       b,
		logger:    logger,
	}
}

// Online returns the current reachability status.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnReconnect registers fn to run on every offline → online edge.
func (m *Monitor) OnReconnect(fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.observers[id] = fn
	return Handle{id: id, mon: m}
}

// Set records the current status and fires observers when it flips from
// offline to online. Called by the probe loop and by transports that learn
// about reachability first (for example a dropped stream).
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	var fire []func()
	if online && !wasOnline {
		fire = make([]func(), 0, len(m.observers))
		for _, fn := range m.observers {
			fire = append(fire, fn)
		}
	}
	m.mu.Unlock()

	switch {
	case online && !wasOnline:
		m.logger.Info("connectivity restored")
		for _, fn := range fire {
			fn()
		}
		m.bus.Emit(bus.KindNetReconnected, nil)
	case !online && wasOnline:
		m.logger.Warn("connectivity lost")
		m.bus.Emit(bus.KindNetOffline, nil)
	}
}

// Start begins the probe loop. No-op when no probe is configured.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	m.Set(m.probe(ctx) == nil)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Set(m.probe(ctx) == nil)
		case <-ctx.Done():
			return
		}
	}
}
