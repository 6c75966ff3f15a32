package step

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainproxy/config"
	"chainproxy/internal/pipeline"
	"chainproxy/util"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testEnv() Env {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return Env{Logger: l, DialTimeout: 2 * time.Second}
}

// tcpEcho starts a loopback server that echoes every connection.
func tcpEcho(t *testing.T) string {
	t.Helper()
	return tcpServer(t, func(c net.Conn) { io.Copy(c, c) }) //nolint:errcheck
}

// tcpServer runs handle for every accepted connection and closes the
// connection when handle returns.
func tcpServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return ln.Addr().String()
}

func build(t *testing.T, raw string) pipeline.Step {
	t.Helper()
	spec, err := config.ParseStepSpec(raw)
	require.NoError(t, err)
	s, err := Build(spec, testEnv())
	require.NoError(t, err)
	return s
}

// waitBackward polls the step until backward bytes or a failure are
// pending.
func waitBackward(t *testing.T, s pipeline.Step) {
	t.Helper()
	s.SetDirection(pipeline.Backward)
	require.Eventually(t, func() bool {
		n, err := s.Len()
		return err != nil || n > 0
	}, waitFor, tick)
}
