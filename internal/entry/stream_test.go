package entry

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tcpEntry(t *testing.T, steps ...string) (net.Addr, *base) {
	t.Helper()
	b := newBase(t, steps...)
	addr := serve(t, &b, func(b *base) Entry { return newStream(*b, "tcp", "127.0.0.1:0", newRawFraming) })
	return addr, &b
}

func TestTCPEntry_Relay(t *testing.T) {
	addr, _ := tcpEntry(t, "tcp://"+echoUpstream(t))

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "ping", readN(t, c, 4))
}

func TestTCPEntry_Transform(t *testing.T) {
	seen := make(chan string, 1)
	up := upstream(t, func(c net.Conn) {
		buf := make([]byte, 64)
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		seen <- string(buf[:n])
		c.Write(buf[:n]) //nolint:errcheck
		io.Copy(io.Discard, c) //nolint:errcheck
	})
	addr, _ := tcpEntry(t, "b64:fw", "tcp://"+up)

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("AB"))
	require.NoError(t, err)
	select {
	case got := <-seen:
		require.Equal(t, "QUI", got)
	case <-time.After(waitFor):
		t.Fatal("upstream received nothing")
	}
	require.Equal(t, "AB", readN(t, c, 2))
}

func TestTCPEntry_ClientsIsolated(t *testing.T) {
	addr, b := tcpEntry(t, "tcp://"+echoUpstream(t))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := net.Dial("tcp", addr.String())
			if !assertNoErr(t, err) {
				return
			}
			defer c.Close()
			msg := fmt.Sprintf("client-%d", i)
			if _, err := c.Write([]byte(msg)); !assertNoErr(t, err) {
				return
			}
			c.SetReadDeadline(time.Now().Add(waitFor)) //nolint:errcheck
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(c, buf); !assertNoErr(t, err) {
				return
			}
			if string(buf) != msg {
				t.Errorf("client %d got %q", i, buf)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(4), b.metrics.TotalConnections())
}

func assertNoErr(t *testing.T, err error) bool {
	if err != nil {
		t.Error(err)
		return false
	}
	return true
}

func TestTCPEntry_UpstreamCloses(t *testing.T) {
	up := upstream(t, func(c net.Conn) { c.Write([]byte("bye")) }) //nolint:errcheck
	addr, _ := tcpEntry(t, "tcp://"+up)

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(waitFor)) //nolint:errcheck
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "bye", string(got))
}

func TestTCPEntry_BadInputClosesConnection(t *testing.T) {
	addr, b := tcpEntry(t, "b64:bw", "tcp://"+echoUpstream(t))

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("*not base64*"))
	require.NoError(t, err)

	c.SetReadDeadline(time.Now().Add(waitFor)) //nolint:errcheck
	_, err = c.Read(make([]byte, 16))
	require.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return b.metrics.ErrorCount() > 0 }, waitFor, tick)
}

func TestTCPEntry_UpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	addr, _ := tcpEntry(t, "tcp://"+dead)
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(waitFor)) //nolint:errcheck
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}
