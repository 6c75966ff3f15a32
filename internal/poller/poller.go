// Package poller waits for socket readiness on raw file descriptors.
//
// Connections stay owned by the net package; the poller only observes
// their descriptors so a worker can ask "readable?" and "writable?"
// before touching them, and can size reads with Available.
package poller

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"chainproxy/internal/errors"
)

// Interest is a set of readiness conditions to watch for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event reports the readiness of one registered descriptor.
type Event struct {
	Key      uint64
	Readable bool
	Writable bool
	// Hangup is set when the peer closed or the descriptor errored.
	Hangup bool
}

// FD returns the descriptor behind a net.Conn, net.Listener or *os.File.
// The descriptor stays valid only as long as c is open.
func FD(c any) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, errors.New("poller: connection does not expose a file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// Available returns the number of bytes that can be read from fd
// without blocking.
func Available(fd int) (int, error) {
	n, err := unix.IoctlGetInt(fd, fionread)
	if err != nil {
		return 0, errors.Wrap("ioctl", "FIONREAD", err)
	}
	return n, nil
}

func millis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}
