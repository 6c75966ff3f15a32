package step

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chainproxy/config"
	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
	"chainproxy/util"
)

func init() {
	Register("ws", newWSFromSpec)
	Register("wss", newWSFromSpec)
}

func newWSFromSpec(spec config.StepSpec, env Env) (pipeline.Step, error) {
	u, err := url.Parse(spec.Scheme + "://" + spec.Arg)
	if err != nil || u.Host == "" {
		return nil, errors.InvalidStep("%s: expected %s://host[:port][/path]", spec.Raw, spec.Scheme)
	}
	return NewWS(u.String(), env), nil
}

// closeGrace bounds how long a close frame may take to send.
const closeGrace = time.Second

// WS relays to a WebSocket upstream.  Every forward chunk is sent as one
// binary message; text and binary messages received from the upstream
// are buffered for the backward pass.  wss:// honours Env.InsecureTLS.
type WS struct {
	url string
	env Env
	dir pipeline.Direction

	mu   sync.Mutex
	conn *websocket.Conn
	in   *inbox
}

// NewWS returns an unstarted step that will connect to the ws:// or
// wss:// URL rawURL.
func NewWS(rawURL string, env Env) *WS {
	return &WS{url: rawURL, env: env}
}

func (w *WS) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}

	d := websocket.Dialer{
		NetDialContext:   w.env.dialer().Dial,
		HandshakeTimeout: w.env.DialTimeout,
		//nolint:gosec // --insecure is an explicit opt-out
		TLSClientConfig: &tls.Config{InsecureSkipVerify: w.env.InsecureTLS},
	}
	conn, resp, err := d.DialContext(ctx, w.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return errors.IO("connect "+w.url, err)
	}
	w.env.logger().Debug("connected to %s", w.url)

	w.conn = conn
	w.in = newInbox()
	go w.pump(conn, w.in)
	return nil
}

func (w *WS) pump(conn *websocket.Conn, in *inbox) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			in.fail(err)
			return
		}
		in.push(msg)
	}
}

func (w *WS) Write(p []byte) (int, error) {
	conn := w.current()
	if conn == nil {
		return 0, errors.IO("write", errors.ErrNotConnected)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, errors.IO("write", err)
	}
	return len(p), nil
}

func (w *WS) Read() ([]byte, error) {
	if w.dir == pipeline.Forward {
		return nil, errors.ErrEmptyData
	}
	return w.received().drain()
}

func (w *WS) Len() (int, error) {
	if w.dir == pipeline.Forward {
		return 0, nil
	}
	return w.received().len()
}

func (w *WS) SetDirection(d pipeline.Direction) { w.dir = d }

// CloseWrite sends a normal close frame.  Messages already in flight
// from the upstream are still delivered until it answers the close.
func (w *WS) CloseWrite() error {
	conn := w.current()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
}

func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	if err := w.conn.Close(); !util.IsHarmless(err) {
		return err
	}
	return nil
}

func (w *WS) Clone() pipeline.Step { return NewWS(w.url, w.env) }

func (w *WS) Terminal() bool { return true }

func (w *WS) String() string { return w.url }

func (w *WS) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *WS) received() *inbox {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.in
}
