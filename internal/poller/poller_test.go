package poller

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// waitFor polls until an event with key matches cond or the deadline passes.
func waitFor(t *testing.T, p *Poller, key uint64, cond func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := p.Wait(nil, 50*time.Millisecond)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Key == key && cond(ev) {
				return ev
			}
		}
	}
	t.Fatalf("no matching event for key %d", key)
	return Event{}
}

func TestPoller_ReadableAndAvailable(t *testing.T) {
	client, server := tcpPair(t)

	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fd, err := FD(server)
	require.NoError(t, err)
	require.NoError(t, p.Add(fd, 7, Readable))

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	waitFor(t, p, 7, func(ev Event) bool { return ev.Readable })

	n, err := Available(fd)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestPoller_Writable(t *testing.T) {
	_, server := tcpPair(t)

	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fd, err := FD(server)
	require.NoError(t, err)
	require.NoError(t, p.Add(fd, 1, Readable|Writable))

	ev := waitFor(t, p, 1, func(ev Event) bool { return ev.Writable })
	require.False(t, ev.Readable)
}

// TestPoller_Hangup verifies a closed peer reports readable with
// nothing available.
func TestPoller_Hangup(t *testing.T) {
	client, server := tcpPair(t)

	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fd, err := FD(server)
	require.NoError(t, err)
	require.NoError(t, p.Add(fd, 3, Readable))

	require.NoError(t, client.Close())
	waitFor(t, p, 3, func(ev Event) bool { return ev.Readable })

	n, err := Available(fd)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAvailable_PipeAndFile(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	_, err = w.Write([]byte("queued"))
	require.NoError(t, err)

	fd, err := FD(r)
	require.NoError(t, err)
	n, err := Available(fd)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Read(make([]byte, 4))
	require.NoError(t, err)

	fd, err = FD(f)
	require.NoError(t, err)
	n, err = Available(fd)
	require.NoError(t, err)
	require.Equal(t, 6, n, "remaining bytes after the read offset")
}

func TestPoller_Listener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fd, err := FD(ln)
	require.NoError(t, err)
	require.NoError(t, p.Add(fd, 0, Readable))

	events, err := p.Wait(nil, 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, events)

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	waitFor(t, p, 0, func(ev Event) bool { return ev.Readable })
}

func TestPoller_Delete(t *testing.T) {
	client, server := tcpPair(t)

	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fd, err := FD(server)
	require.NoError(t, err)
	require.NoError(t, p.Add(fd, 9, Readable))
	require.NoError(t, p.Delete(fd))

	_, err = client.Write([]byte("x"))
	require.NoError(t, err)

	events, err := p.Wait(nil, 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestFD_Unsupported(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := FD(a)
	require.Error(t, err)
}
