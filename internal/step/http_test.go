package step

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
	"chainproxy/internal/session"
)

// sessionEcho is a minimal session-token server: each session echoes
// the bodies it receives on the next GET.
type sessionEcho struct {
	mu       sync.Mutex
	next     int
	sessions map[string][]byte
	fail     bool
}

func (e *sessionEcho) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fail {
		http.Error(w, "upstream down", http.StatusBadGateway)
		return
	}
	token := r.Header.Get(session.TokenHeader)
	if token == "" {
		e.next++
		token = fmt.Sprintf("token-%d", e.next)
		e.sessions[token] = nil
		w.Header()[session.TokenHeader] = []string{token}
		return
	}
	buf, ok := e.sessions[token]
	if !ok {
		http.Error(w, "Invalid Token", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodHead:
		w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	case http.MethodGet:
		body, _ := io.ReadAll(r.Body)
		e.sessions[token] = nil
		w.Write(append(buf, body...)) //nolint:errcheck
	}
}

func (e *sessionEcho) queue(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tok := range e.sessions {
		e.sessions[tok] = append(e.sessions[tok], p...)
	}
}

func (e *sessionEcho) forget() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = make(map[string][]byte)
}

func startSessionEcho(t *testing.T) (*sessionEcho, pipeline.Step) {
	t.Helper()
	e := &sessionEcho{sessions: make(map[string][]byte)}
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return e, build(t, "http://"+srv.Listener.Addr().String())
}

func TestHTTP_Handshake(t *testing.T) {
	_, s := startSessionEcho(t)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()
	require.Equal(t, "token-1", s.(*HTTP).token)
}

func TestHTTP_PendingFlushedByRead(t *testing.T) {
	_, s := startSessionEcho(t)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	s.SetDirection(pipeline.Forward)
	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	s.SetDirection(pipeline.Backward)
	n, err = s.Len()
	require.NoError(t, err)
	require.Equal(t, 5, n, "unsent forward bytes make a backward pass worthwhile")

	b, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	n, err = s.Len()
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = s.Read()
	require.ErrorIs(t, err, errors.ErrEmptyData)
}

func TestHTTP_HeadReportsServerBytes(t *testing.T) {
	e, s := startSessionEcho(t)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	e.queue("pushed by upstream")
	s.SetDirection(pipeline.Backward)
	for i := 0; i < 2; i++ {
		n, err := s.Len()
		require.NoError(t, err)
		require.Equal(t, len("pushed by upstream"), n)
	}
	b, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, "pushed by upstream", string(b))
}

func TestHTTP_RenewsForgottenSession(t *testing.T) {
	e, s := startSessionEcho(t)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	e.forget()

	s.SetDirection(pipeline.Forward)
	_, err := s.Write([]byte("again"))
	require.NoError(t, err)
	s.SetDirection(pipeline.Backward)
	b, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, "again", string(b))
	require.Equal(t, "token-2", s.(*HTTP).token)
}

func TestHTTP_CircuitOpens(t *testing.T) {
	e, s := startSessionEcho(t)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	e.mu.Lock()
	e.fail = true
	e.mu.Unlock()

	s.SetDirection(pipeline.Backward)
	for i := 0; i < 3; i++ {
		_, err := s.Len()
		require.Equal(t, errors.KindInvalidData, errors.KindOf(err))
	}
	_, err := s.Len()
	require.ErrorIs(t, err, errors.ErrCircuitOpen)
	require.True(t, errors.IsFatal(err))
}

func TestHTTP_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Unsupported Http Method", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := build(t, "http://"+srv.Listener.Addr().String())
	err := s.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, errors.KindInvalidData, errors.KindOf(err))
	require.Contains(t, err.Error(), "Unsupported Http Method")
}
