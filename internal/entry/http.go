package entry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/requestlog"

	"chainproxy/config"
	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
	"chainproxy/internal/session"
	"chainproxy/util"
)

const (
	msgInvalidToken = "Invalid Token"
	msgBadMethod    = "Unsupported Http Method"

	// maxRequestBody caps the payload a single GET may carry.
	maxRequestBody = 64 << 20
)

// httpEntry emulates persistent connections over stateless HTTP
// requests.  A request without a token opens a session bound to the
// caller's IP; later GETs carry forward bytes in their body and return
// whatever the pipeline has ready, and HEAD reports how much is ready.
type httpEntry struct {
	base
	addr string
	salt string
	idle time.Duration

	sessions *session.Directory
	now      func() time.Time

	mu  sync.Mutex
	ctx context.Context // pipelines outlive the request that started them
}

func newHTTP(b base, addr, salt string, idle time.Duration) *httpEntry {
	if idle <= 0 {
		idle = config.DefaultSessionTimeout
	}
	return &httpEntry{
		base:     b,
		addr:     addr,
		salt:     salt,
		idle:     idle,
		sessions: session.NewDirectory(),
		now:      time.Now,
		ctx:      context.Background(),
	}
}

// Run serves HTTP until ctx is cancelled, then closes every session.
func (h *httpEntry) Run(ctx context.Context) error {
	defer h.release()

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}

	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	var handler http.Handler = h
	if h.logger.Level() >= util.LogDebug {
		handler = requestlog.Wrap(handler)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ConnState: func(_ net.Conn, st http.ConnState) {
			if st == http.StateNew {
				h.sweep()
			}
		},
	}

	go h.sweepLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
		defer cancel()
		srv.Shutdown(shutdown) //nolint:errcheck
	}()

	h.logger.Info("listening on http://%s (session timeout %v)", ln.Addr(), h.idle)
	h.listening(ln.Addr())

	err = srv.Serve(ln)
	for _, s := range h.sessions.Drain() {
		h.closeSession(s, false)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *httpEntry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := peerIP(r.RemoteAddr)

	token := r.Header.Get(session.TokenHeader)
	if token == "" {
		h.handshake(w, r, ip)
		return
	}
	if token != session.Token(ip, h.salt) {
		http.Error(w, msgInvalidToken, http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, msgBadMethod, http.StatusBadRequest)
		return
	}
	s, ok := h.sessions.Get(token)
	if !ok {
		http.Error(w, msgInvalidToken, http.StatusForbidden)
		return
	}

	if r.Method == http.MethodHead {
		h.head(w, s)
		return
	}
	h.get(w, r, s)
}

// handshake opens a session for the caller, replacing any session the
// same token already had.
func (h *httpEntry) handshake(w http.ResponseWriter, r *http.Request, ip string) {
	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()

	p := h.template.Clone()
	if err := p.Start(ctx); err != nil {
		p.Close() //nolint:errcheck
		h.logger.Error("starting pipeline for %s: %v", r.RemoteAddr, err)
		h.metrics.RecordError(err.Error())
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	token := session.Token(ip, h.salt)
	s := session.New(token, r.RemoteAddr, uuid.NewString(), p, h.now())
	if old := h.sessions.Put(s); old != nil {
		h.logger.Verbose("session %s from %s replaced", util.ShortID(old.ID), old.Peer)
		h.closeSession(old, false)
	}
	h.metrics.SessionOpened()
	h.logger.Verbose("session %s opened for %s", util.ShortID(s.ID), r.RemoteAddr)

	w.Header()[session.TokenHeader] = []string{token}
	w.WriteHeader(http.StatusOK)
}

func (h *httpEntry) get(w http.ResponseWriter, r *http.Request, s *session.Session) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.metrics.BytesReceived(int64(len(body)))

	var out []byte
	err = s.Do(func(p *pipeline.Pipeline) error {
		s.Touch(h.now())
		if len(body) > 0 {
			if _, err := p.Write(body); errors.IsFatal(err) {
				return err
			}
		}
		data, err := p.Read()
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	if errors.IsFatal(err) {
		h.abort(s, err)
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	w.Write(out) //nolint:errcheck
	h.metrics.BytesSent(int64(len(out)))
}

// head reports the pending backward bytes without consuming them.
func (h *httpEntry) head(w http.ResponseWriter, s *session.Session) {
	var n int
	err := s.Do(func(p *pipeline.Pipeline) error {
		s.Touch(h.now())
		var err error
		n, err = p.Pending()
		return err
	})
	if errors.IsFatal(err) {
		h.abort(s, err)
	}
	w.Header().Set("Content-Length", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
}

// abort drops a session whose pipeline failed and cuts the request's
// connection.
func (h *httpEntry) abort(s *session.Session, err error) {
	h.logger.Warn("session %s from %s failed: %v", util.ShortID(s.ID), s.Peer, err)
	h.metrics.RecordError(err.Error())
	if h.sessions.Remove(s) {
		h.closeSession(s, false)
	}
	panic(http.ErrAbortHandler)
}

// sweep evicts sessions idle for longer than the timeout.  It runs on
// the accept path, so the evicted pipelines are closed in the
// background: Close waits for a pass still in flight.
func (h *httpEntry) sweep() {
	expired := h.sessions.Sweep(h.now(), h.idle)
	for _, s := range expired {
		h.logger.Verbose("session %s from %s expired", util.ShortID(s.ID), s.Peer)
		h.metrics.SessionClosed(true)
	}
	if len(expired) > 0 {
		go h.closeAll(expired)
	}
}

func (h *httpEntry) closeAll(sessions []*session.Session) {
	for _, s := range sessions {
		h.closeQuietly(s)
	}
}

func (h *httpEntry) sweepLoop(ctx context.Context) {
	tick := time.NewTicker(h.idle)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			h.sweep()
		}
	}
}

func (h *httpEntry) closeSession(s *session.Session, expired bool) {
	h.metrics.SessionClosed(expired)
	h.closeQuietly(s)
}

func (h *httpEntry) closeQuietly(s *session.Session) {
	if err := s.Close(); err != nil {
		h.logger.Debug("closing session %s: %v", util.ShortID(s.ID), err)
	}
}

// peerIP strips the port from a RemoteAddr.
func peerIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
