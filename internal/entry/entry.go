// Package entry accepts clients on one transport and relays each of
// them through its own clone of a template pipeline.
//
// Build is the single dispatch point from configuration to a runnable
// Entry.  Connection-oriented entries (tcp, ws) drive every client
// from a dedicated worker goroutine that polls the socket for
// readiness; the http entry keeps clients in a session directory; the
// stdio entry serves the process's own standard streams.
package entry

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"chainproxy/config"
	"chainproxy/internal/metrics"
	"chainproxy/internal/pipeline"
	"chainproxy/internal/step"
	"chainproxy/internal/transport"
	"chainproxy/tunnel"
	"chainproxy/util"
)

// Entry serves clients until ctx is cancelled or a fatal error occurs.
type Entry interface {
	Run(ctx context.Context) error
}

// base holds what every entry needs to serve a client.
type base struct {
	template *pipeline.Pipeline
	dialer   transport.Dialer
	interval time.Duration
	logger   *util.Logger
	metrics  *metrics.Collector

	// onListen, when set, receives the bound address once the entry
	// is accepting.
	onListen func(net.Addr)
}

func (b *base) listening(addr net.Addr) {
	if b.onListen != nil {
		b.onListen(addr)
	}
}

// release closes the shared dialer once the entry stops.
func (b *base) release() {
	if b.dialer == nil {
		return
	}
	if err := b.dialer.Close(); err != nil {
		b.logger.Debug("closing dialer: %v", err)
	}
}

// Build constructs the entry selected by cfg, with the template
// pipeline built from cfg.Steps.
func Build(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (Entry, error) {
	dialer := buildDialer(cfg, logger, m)
	tmpl, err := step.BuildPipeline(cfg.Steps, step.Env{
		Dialer:      dialer,
		Logger:      logger,
		Metrics:     m,
		InsecureTLS: cfg.InsecureTLS,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		dialer.Close() //nolint:errcheck
		return nil, err
	}
	logger.Debug("pipeline %v", tmpl)

	b := base{
		template: tmpl,
		dialer:   dialer,
		interval: cfg.LoopInterval,
		logger:   logger,
		metrics:  m,
	}

	switch cfg.Entry.Scheme {
	case config.EntryTCP:
		return newStream(b, "tcp", cfg.Entry.Addr(), newRawFraming), nil
	case config.EntryWS:
		return newStream(b, "ws", cfg.Entry.Addr(), newWSFraming), nil
	case config.EntryHTTP:
		return newHTTP(b, cfg.Entry.Addr(), cfg.SessionSalt(), cfg.SessionIdle()), nil
	case config.EntryStdio:
		return newStdio(b, os.Stdin, os.Stdout), nil
	}
	dialer.Close() //nolint:errcheck
	return nil, fmt.Errorf("unsupported entry %q", cfg.Entry.Raw)
}

// buildDialer creates the dialer endpoint steps connect with.
func buildDialer(cfg *config.Config, logger *util.Logger, m *metrics.Collector) transport.Dialer {
	var d transport.Dialer = &transport.TCPDialer{Timeout: cfg.DialTimeout}
	if cfg.TunnelEnabled {
		d = transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.DialTimeout,
		}, logger, m)
	}
	if cfg.DialRetries > 0 {
		d = &transport.RetryDialer{Dialer: d, Attempts: cfg.DialRetries + 1, Logger: logger}
	}
	return d
}
