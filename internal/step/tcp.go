package step

import (
	"context"
	"net"
	"sync"

	"chainproxy/config"
	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
	"chainproxy/util"
)

func init() {
	Register("tcp", func(spec config.StepSpec, env Env) (pipeline.Step, error) {
		if _, _, err := util.SplitHostPort(spec.Arg); err != nil {
			return nil, errors.InvalidStep("%s: %v", spec.Raw, err)
		}
		return NewTCP(spec.Arg, env), nil
	})
}

// TCP relays to an upstream TCP socket.  Forward bytes are written to
// the socket as they arrive; a reader goroutine buffers the upstream's
// replies for the backward pass.
type TCP struct {
	addr string
	env  Env
	dir  pipeline.Direction

	mu   sync.Mutex
	conn net.Conn
	in   *inbox
}

// NewTCP returns an unstarted step that will connect to addr.
func NewTCP(addr string, env Env) *TCP {
	return &TCP{addr: addr, env: env}
}

func (t *TCP) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	conn, err := t.env.dialer().Dial(ctx, "tcp", t.addr)
	if err != nil {
		return errors.IO("connect "+t.addr, err)
	}
	t.env.logger().Debug("connected to tcp://%s from %s", t.addr, conn.LocalAddr())

	t.conn = conn
	t.in = newInbox()
	go t.in.fill(conn)
	return nil
}

func (t *TCP) Write(p []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, errors.IO("write", errors.ErrNotConnected)
	}
	n, err := conn.Write(p)
	if err != nil {
		return n, errors.IO("write", err)
	}
	return n, nil
}

func (t *TCP) Read() ([]byte, error) {
	if t.dir == pipeline.Forward {
		return nil, errors.ErrEmptyData
	}
	return t.received().drain()
}

func (t *TCP) Len() (int, error) {
	if t.dir == pipeline.Forward {
		return 0, nil
	}
	return t.received().len()
}

func (t *TCP) SetDirection(d pipeline.Direction) { t.dir = d }

// CloseWrite half-closes the upstream socket.
func (t *TCP) CloseWrite() error {
	if hc, ok := t.current().(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	if util.IsHarmless(err) {
		return nil
	}
	return err
}

func (t *TCP) Clone() pipeline.Step { return NewTCP(t.addr, t.env) }

func (t *TCP) Terminal() bool { return true }

func (t *TCP) String() string { return "tcp://" + t.addr }

func (t *TCP) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *TCP) received() *inbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.in
}
