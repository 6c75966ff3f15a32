package entry

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainproxy/config"
	"chainproxy/internal/metrics"
	"chainproxy/internal/step"
	"chainproxy/util"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

// upstream runs handle for every connection accepted on a loopback
// listener.
func upstream(t *testing.T, handle func(net.Conn)) string {
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

func echoUpstream(t *testing.T) string {
	return upstream(t, func(c net.Conn) { io.Copy(c, c) }) //nolint:errcheck
}

// newBase builds the template pipeline from step specifications.
func newBase(t *testing.T, steps ...string) base {
	t.Helper()
	specs := make([]config.StepSpec, 0, len(steps))
	for _, raw := range steps {
		s, err := config.ParseStepSpec(raw)
		require.NoError(t, err)
		specs = append(specs, s)
	}
	logger := quietLogger()
	tmpl, err := step.BuildPipeline(specs, step.Env{Logger: logger, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	return base{
		template: tmpl,
		interval: 2 * time.Millisecond,
		logger:   logger,
		metrics:  metrics.New(),
	}
}

// serve runs e until the test ends and returns the address it bound.
func serve(t *testing.T, b *base, run func(*base) Entry) net.Addr {
	t.Helper()
	bound := make(chan net.Addr, 1)
	b.onListen = func(a net.Addr) { bound <- a }
	e := run(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("entry did not stop")
		}
	})

	select {
	case a := <-bound:
		return a
	case err := <-done:
		t.Fatalf("entry stopped before listening: %v", err)
	case <-time.After(waitFor):
		t.Fatal("entry did not start listening")
	}
	return nil
}

// readN reads exactly n bytes from c.
func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(waitFor)) //nolint:errcheck
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}
