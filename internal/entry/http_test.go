package entry

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainproxy/internal/pipeline"
	"chainproxy/internal/session"
)

const testSalt = "pepper"

// clientIP is the RemoteAddr host httptest assigns to requests.
const clientIP = "192.0.2.1"

func newHTTPEntry(t *testing.T) *httpEntry {
	t.Helper()
	b := newBase(t, "tcp://"+echoUpstream(t))
	h := newHTTP(b, "127.0.0.1:0", testSalt, time.Minute)
	t.Cleanup(func() {
		for _, s := range h.sessions.Drain() {
			s.Close()
		}
	})
	return h
}

func do(h *httpEntry, method, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	if token != "" {
		req.Header.Set(session.TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func handshake(t *testing.T, h *httpEntry) string {
	t.Helper()
	rec := do(h, http.MethodGet, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tokens := rec.Header()[session.TokenHeader]
	require.Len(t, tokens, 1)
	return tokens[0]
}

func TestHTTPEntry_Handshake(t *testing.T) {
	h := newHTTPEntry(t)

	token := handshake(t, h)
	require.Equal(t, session.Token(clientIP, testSalt), token)
	require.Equal(t, 1, h.sessions.Len())
	require.Equal(t, int64(1), h.metrics.ActiveSessions())

	// A second handshake from the same address replaces the session.
	require.Equal(t, token, handshake(t, h))
	require.Equal(t, 1, h.sessions.Len())
	require.Equal(t, int64(1), h.metrics.ActiveSessions())
}

func TestHTTPEntry_Rejections(t *testing.T) {
	h := newHTTPEntry(t)
	valid := session.Token(clientIP, testSalt)

	rec := do(h, http.MethodGet, valid, "")
	require.Equal(t, http.StatusForbidden, rec.Code, "no session yet")

	handshake(t, h)

	tests := []struct {
		name   string
		method string
		token  string
		code   int
		body   string
	}{
		{"wrong token", http.MethodGet, "deadbeef", http.StatusForbidden, msgInvalidToken},
		{"token of another address", http.MethodGet, session.Token("192.0.2.2", testSalt), http.StatusForbidden, msgInvalidToken},
		{"put", http.MethodPut, valid, http.StatusBadRequest, msgBadMethod},
		{"post", http.MethodPost, valid, http.StatusBadRequest, msgBadMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, tt.method, tt.token, "")
			require.Equal(t, tt.code, rec.Code)
			require.Equal(t, tt.body, strings.TrimSpace(rec.Body.String()))
		})
	}
	require.Equal(t, 1, h.sessions.Len())
}

func TestHTTPEntry_IdleSessionsExpire(t *testing.T) {
	h := newHTTPEntry(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	token := handshake(t, h)

	now = now.Add(40 * time.Second)
	require.Equal(t, http.StatusOK, do(h, http.MethodHead, token, "").Code)
	now = now.Add(40 * time.Second)
	h.sweep()
	require.Equal(t, 1, h.sessions.Len(), "touched session survives")

	now = now.Add(61 * time.Second)
	h.sweep()
	require.Zero(t, h.sessions.Len())
	require.Equal(t, int64(1), h.metrics.ExpiredSessions())
	require.Equal(t, http.StatusForbidden, do(h, http.MethodGet, token, "").Code)
}

func TestHTTPEntry_SweepDoesNotWaitForBusySession(t *testing.T) {
	hungUp := make(chan struct{})
	up := upstream(t, func(c net.Conn) {
		io.Copy(io.Discard, c) //nolint:errcheck
		close(hungUp)
	})
	h := newHTTP(newBase(t, "tcp://"+up), "127.0.0.1:0", testSalt, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	token := handshake(t, h)
	s, ok := h.sessions.Get(token)
	require.True(t, ok)

	// A pass is still running on the session when it goes idle.
	inPass, release := make(chan struct{}), make(chan struct{})
	go s.Do(func(*pipeline.Pipeline) error { //nolint:errcheck
		close(inPass)
		<-release
		return nil
	})
	<-inPass

	now = now.Add(2 * time.Minute)
	swept := make(chan struct{})
	go func() {
		h.sweep()
		close(swept)
	}()
	select {
	case <-swept:
	case <-time.After(waitFor):
		t.Fatal("sweep blocked on a session in use")
	}
	require.Zero(t, h.sessions.Len())
	require.Equal(t, int64(1), h.metrics.ExpiredSessions())

	close(release)
	select {
	case <-hungUp:
	case <-time.After(waitFor):
		t.Fatal("expired session's upstream was never closed")
	}
}

func TestHTTPEntry_UpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	b := newBase(t, "tcp://"+dead)
	h := newHTTP(b, "127.0.0.1:0", testSalt, time.Minute)

	rec := do(h, http.MethodGet, "", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Zero(t, h.sessions.Len())
}

func TestHTTPEntry_RelayOverHTTP(t *testing.T) {
	// The upstream answers late so the bytes are still pending when
	// the request that sent them returns.
	up := upstream(t, func(c net.Conn) {
		buf := make([]byte, 64)
		for {
			n, err := c.Read(buf)
			if err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
			if _, err := c.Write(buf[:n]); err != nil {
				return
			}
		}
	})
	b := newBase(t, "tcp://"+up)
	addr := serve(t, &b, func(b *base) Entry { return newHTTP(*b, "127.0.0.1:0", testSalt, time.Minute) })
	url := "http://" + addr.String() + "/"

	client := &http.Client{Timeout: waitFor}
	t.Cleanup(client.CloseIdleConnections)

	request := func(method, token, body string) (*http.Response, string) {
		req, err := http.NewRequest(method, url, strings.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set(session.TokenHeader, token)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return resp, string(data)
	}

	resp, _ := request(http.MethodGet, "", "")
	token := resp.Header.Get(session.TokenHeader)
	require.Equal(t, session.Token("127.0.0.1", testSalt), token)

	_, got := request(http.MethodGet, token, "hello")
	require.Empty(t, got)

	require.Eventually(t, func() bool {
		resp, _ := request(http.MethodHead, token, "")
		return resp.ContentLength == 5
	}, waitFor, tick)

	resp, _ = request(http.MethodHead, token, "")
	require.Equal(t, int64(5), resp.ContentLength, "HEAD does not consume")

	_, got = request(http.MethodGet, token, "")
	require.Equal(t, "hello", got)

	resp, _ = request(http.MethodHead, token, "")
	require.Equal(t, int64(0), resp.ContentLength)
}

func TestHTTPEntry_GetDrainsWhenForwardIsEmpty(t *testing.T) {
	// Unsalting a body no longer than the salt leaves nothing to
	// forward; the GET must still return what the upstream sent.
	up := upstream(t, func(c net.Conn) {
		c.Write([]byte("hello")) //nolint:errcheck
		io.Copy(io.Discard, c)   //nolint:errcheck
	})
	b := newBase(t, "salt:bw-3", "tcp://"+up)
	h := newHTTP(b, "127.0.0.1:0", testSalt, time.Minute)
	t.Cleanup(func() {
		for _, s := range h.sessions.Drain() {
			s.Close()
		}
	})
	token := handshake(t, h)

	require.Eventually(t, func() bool {
		return do(h, http.MethodHead, token, "").Header().Get("Content-Length") == "5"
	}, waitFor, tick)

	rec := do(h, http.MethodGet, token, "xyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rec.Body.Bytes(), 8)
	require.True(t, strings.HasSuffix(rec.Body.String(), "hello"))

	require.Equal(t, "0", do(h, http.MethodHead, token, "").Header().Get("Content-Length"))
}
