// Package transport opens the outbound connections that endpoint steps
// relay to.  A Dialer hides whether the upstream is reached directly or
// through an SSH gateway; steps only see a net.Conn.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
