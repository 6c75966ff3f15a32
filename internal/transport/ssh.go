package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"chainproxy/internal/metrics"
	"chainproxy/tunnel"
	"chainproxy/util"
)

// SSHDialer routes upstream connections through an SSH gateway.  The
// tunnel is connected on the first Dial, and reconnected on a later
// Dial if the gateway dropped it.  One SSHDialer is shared by every
// pipeline of a process.
type SSHDialer struct {
	manager   *tunnel.Manager
	gateway   string
	logger    *util.Logger
	metrics   *metrics.Collector
	mu        sync.Mutex
	connected bool
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  The tunnel is not connected until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger, m *metrics.Collector) *SSHDialer {
	t := tunnel.NewSSHTunnel(cfg, logger)
	gateway := cfg.User + "@" + util.FormatAddr(cfg.Host, cfg.Port)
	return newSSHDialer(t, gateway, logger, m)
}

func newSSHDialer(t tunnel.Tunnel, gateway string, logger *util.Logger, m *metrics.Collector) *SSHDialer {
	return &SSHDialer{
		manager: tunnel.NewManager(t, logger, 0),
		gateway: gateway,
		logger:  logger,
		metrics: m,
	}
}

// connect establishes the SSH tunnel if it is not up.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected && d.manager.Tunnel().IsAlive() {
		return nil
	}
	if d.connected {
		d.logger.Warn("SSH tunnel to %s lost, reconnecting", d.gateway)
		d.manager.Stop() //nolint:errcheck
		if d.metrics != nil {
			d.metrics.TunnelReconnect()
		}
	}

	d.logger.Verbose("establishing SSH tunnel to %s", d.gateway)

	if err := d.manager.Start(ctx); err != nil {
		d.connected = false
		return fmt.Errorf("tunnel: %w", err)
	}

	d.connected = true
	d.logger.Verbose("SSH tunnel established")
	return nil
}

// Dial connects to address through the SSH tunnel.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.manager.Tunnel().Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.connected = false
		return d.manager.Stop()
	}
	return nil
}
