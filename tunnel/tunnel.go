// Package tunnel reaches upstreams through an SSH gateway using
// golang.org/x/crypto/ssh.  Endpoint steps dial through it when the
// upstream is only reachable from the gateway's network.
package tunnel

import (
	"context"
	"net"
)

// Tunnel abstracts an encrypted channel through which TCP connections
// can be forwarded.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool

	// Ping sends a keepalive request to the gateway.
	Ping() error
}

var _ Tunnel = (*SSHTunnel)(nil)
