package step

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chainproxy/config"
	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
	"chainproxy/internal/retry"
	"chainproxy/internal/session"
	"chainproxy/util"
)

func init() {
	Register("http", func(spec config.StepSpec, env Env) (pipeline.Step, error) {
		u, err := url.Parse("http://" + spec.Arg)
		if err != nil || u.Host == "" {
			return nil, errors.InvalidStep("%s: expected http://host:port[/path]", spec.Raw)
		}
		return NewHTTP(u.String(), env), nil
	})
}

// maxBody caps how much of a response the step will buffer.
const maxBody = 64 << 20

// HTTP is the client side of the session-token transport.  Start
// performs the handshake; forward bytes are held until the next
// backward pass, which sends them in the body of a GET and returns the
// response body.  A 403 makes the step handshake again once.
type HTTP struct {
	base string
	env  Env
	dir  pipeline.Direction

	mu      sync.Mutex
	ctx     context.Context
	client  *http.Client
	breaker *retry.CircuitBreaker
	token   string
	pending []byte
}

// NewHTTP returns an unstarted step for the session endpoint at base.
func NewHTTP(base string, env Env) *HTTP {
	return &HTTP{base: base, env: env}
}

func (h *HTTP) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return nil
	}

	timeout := h.env.DialTimeout
	if timeout <= 0 {
		timeout = config.DefaultDialTimeout
	}
	h.ctx = ctx
	h.client = &http.Client{
		Transport: &http.Transport{
			DialContext:         h.env.dialer().Dial,
			DisableCompression:  true,
			MaxIdleConnsPerHost: 2,
		},
		Timeout: timeout,
	}
	log := h.env.logger()
	h.breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 5 * time.Second,
		OnStateChange: func(from, to retry.State) {
			log.Verbose("%s: circuit %s -> %s", h.base, from, to)
			if to == retry.StateOpen {
				h.env.Metrics.RecordError("circuit open: " + h.base)
			}
		},
	})

	if err := h.handshake(); err != nil {
		return err
	}
	log.Debug("%s: session token %s", h.base, util.ShortID(h.token))
	return nil
}

func (h *HTTP) Write(p []byte) (int, error) {
	if h.dir == pipeline.Backward {
		return 0, errors.InvalidStep("http step cannot accept backward input")
	}
	h.mu.Lock()
	h.pending = append(h.pending, p...)
	h.mu.Unlock()
	return len(p), nil
}

// Len reports the forward bytes waiting to be sent when there are any,
// so that the next backward pass flushes them.  Otherwise it asks the
// server with a HEAD request.
func (h *HTTP) Len() (int, error) {
	if h.dir == pipeline.Forward {
		return 0, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) > 0 {
		return len(h.pending), nil
	}
	if h.client == nil {
		return 0, nil
	}

	var n int
	err := h.guard(func() error {
		resp, _, err := h.exchange(http.MethodHead, nil)
		if err != nil {
			return err
		}
		if resp.ContentLength > 0 {
			n = int(resp.ContentLength)
		}
		return nil
	})
	return n, err
}

func (h *HTTP) Read() ([]byte, error) {
	if h.dir == pipeline.Forward {
		return nil, errors.ErrEmptyData
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil, errors.ErrEmptyData
	}

	var body []byte
	err := h.guard(func() error {
		_, b, err := h.exchange(http.MethodGet, h.pending)
		if err != nil {
			return err
		}
		h.pending = nil
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.ErrEmptyData
	}
	return body, nil
}

func (h *HTTP) SetDirection(d pipeline.Direction) { h.dir = d }

func (h *HTTP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		h.client.CloseIdleConnections()
	}
	return nil
}

func (h *HTTP) Clone() pipeline.Step { return NewHTTP(h.base, h.env) }

func (h *HTTP) Terminal() bool { return true }

func (h *HTTP) String() string { return h.base }

// guard runs a round trip through the circuit breaker.
func (h *HTTP) guard(fn func() error) error {
	err := h.breaker.Execute(fn)
	if errors.Is(err, errors.ErrCircuitOpen) {
		return errors.IO(h.base, err)
	}
	return err
}

// handshake requests a new session token.
func (h *HTTP) handshake() error {
	resp, body, err := h.do(http.MethodGet, nil, "")
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.InvalidData("handshake", statusErr(resp, body))
	}
	token := resp.Header.Get(session.TokenHeader)
	if token == "" {
		return errors.InvalidData("handshake", fmt.Errorf("response has no %s header", session.TokenHeader))
	}
	h.token = token
	return nil
}

// exchange sends an authenticated request, renewing the token once if
// the server no longer recognises it.
func (h *HTTP) exchange(method string, payload []byte) (*http.Response, []byte, error) {
	resp, body, err := h.do(method, payload, h.token)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		h.env.logger().Verbose("%s: %s, renewing session", h.base, strings.TrimSpace(string(body)))
		if err := h.handshake(); err != nil {
			return nil, nil, err
		}
		if resp, body, err = h.do(method, payload, h.token); err != nil {
			return nil, nil, err
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.InvalidData(strings.ToLower(method), statusErr(resp, body))
	}
	return resp, body, nil
}

func (h *HTTP) do(method string, payload []byte, token string) (*http.Response, []byte, error) {
	var rd io.Reader
	if len(payload) > 0 {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(h.ctx, method, h.base, rd)
	if err != nil {
		return nil, nil, errors.IO(strings.ToLower(method), err)
	}
	if token != "" {
		req.Header[session.TokenHeader] = []string{token}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, nil, errors.IO(strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, errors.IO(strings.ToLower(method), err)
	}
	return resp, body, nil
}

func statusErr(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return fmt.Errorf("server answered %s: %s", resp.Status, msg)
}
