package tunnel

import (
	"context"
	"io"
	"testing"

	"golang.org/x/crypto/ssh"
)

// BenchmarkTunnelRoundTrip measures echo throughput of one forwarded
// connection through an in-process gateway.
func BenchmarkTunnelRoundTrip(b *testing.B) {
	host, port := startGateway(b)
	echo := startEcho(b)

	tun := NewSSHTunnel(&SSHConfig{
		User: "bench", Host: host, Port: port,
		Auth: []ssh.AuthMethod{ssh.Password("unused")},
	}, quietLogger())
	if err := tun.Connect(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer tun.Close()

	conn, err := tun.Dial(context.Background(), "tcp", echo)
	if err != nil {
		b.Fatal(err)
	}
	defer conn.Close()

	payload := make([]byte, 32*1024)
	buf := make([]byte, len(payload))
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := conn.Write(payload); err != nil {
			b.Fatal(err)
		}
		if _, err := io.ReadFull(conn, buf); err != nil {
			b.Fatal(err)
		}
	}
}
