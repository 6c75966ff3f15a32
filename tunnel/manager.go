package tunnel

import (
	"context"
	"sync"
	"time"

	"chainproxy/util"
)

// DefaultKeepalive is the keepalive interval used when NewManager is given 0.
const DefaultKeepalive = 15 * time.Second

// Manager keeps a Tunnel connected by probing it with keepalive
// requests.  A failed keepalive closes the client so IsAlive reports false
// and the next dial reconnects.
type Manager struct {
	tunnel   Tunnel
	logger   *util.Logger
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

// NewManager returns a Manager for the given tunnel.
func NewManager(t Tunnel, logger *util.Logger, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultKeepalive
	}
	return &Manager{tunnel: t, logger: logger, interval: interval}
}

// Tunnel returns the managed tunnel.
func (m *Manager) Tunnel() Tunnel { return m.tunnel }

// Start connects the tunnel and begins background keepalives.
// Any keepalive loop left from an earlier Start is stopped first.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.tunnel.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
	}
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	go m.keepalive(stop)
	return nil
}

// Stop ends the keepalive loop and closes the tunnel.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.mu.Unlock()
	return m.tunnel.Close()
}

func (m *Manager) keepalive(stop <-chan struct{}) {
	tick := time.NewTicker(m.interval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if !m.tunnel.IsAlive() {
				return
			}
			if err := m.tunnel.Ping(); err != nil {
				m.logger.Warn("SSH keepalive failed: %v", err)
				return
			}
		}
	}
}
