package util

import (
	"errors"
	"io"
	"net"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// ReadLoop reads r with a pooled buffer until a read fails, handing
// every chunk to sink.  The chunk is only valid during the call.  The
// terminating error is returned as is (io.EOF on a clean close).
func ReadLoop(r io.Reader, sink func([]byte)) error {
	buf := GetBuf()
	defer PutBuf(buf)
	for {
		n, err := r.Read(*buf)
		if n > 0 {
			sink((*buf)[:n])
		}
		if err != nil {
			return err
		}
	}
}

// IsHarmless returns true for errors that are expected during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
