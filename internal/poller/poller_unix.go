//go:build unix && !linux

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"chainproxy/internal/errors"
)

// fionread is FIONREAD on the BSDs and darwin: _IOR('f', 127, int).
const fionread = 0x4004667f

type registration struct {
	key uint64
	in  Interest
}

// Poller is a poll(2) based readiness set.
type Poller struct {
	mu   sync.Mutex
	regs map[int]registration
	fds  []unix.PollFd
}

// New creates a Poller.
func New() (*Poller, error) {
	return &Poller{regs: make(map[int]registration)}, nil
}

// Add registers fd under key.
func (p *Poller) Add(fd int, key uint64, in Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[fd] = registration{key: key, in: in}
	return nil
}

// Modify changes the interest set of a registered fd.
func (p *Poller) Modify(fd int, key uint64, in Interest) error {
	return p.Add(fd, key, in)
}

// Delete deregisters fd.
func (p *Poller) Delete(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.regs, fd)
	return nil
}

// Wait blocks up to timeout (negative waits forever) and appends ready
// events to dst.  An interrupted wait returns dst unchanged.
func (p *Poller) Wait(dst []Event, timeout time.Duration) ([]Event, error) {
	p.mu.Lock()
	p.fds = p.fds[:0]
	keys := make([]uint64, 0, len(p.regs))
	for fd, r := range p.regs {
		var events int16
		if r.in&Readable != 0 {
			events |= unix.POLLIN
		}
		if r.in&Writable != 0 {
			events |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
		keys = append(keys, r.key)
	}
	fds := p.fds
	p.mu.Unlock()

	n, err := unix.Poll(fds, millis(timeout))
	if err == unix.EINTR {
		return dst, nil
	}
	if err != nil {
		return dst, errors.Wrap("poll", "", err)
	}
	if n == 0 {
		return dst, nil
	}
	for i, fd := range fds {
		if fd.Revents == 0 {
			continue
		}
		dst = append(dst, Event{
			Key:      keys[i],
			Readable: fd.Revents&unix.POLLIN != 0,
			Writable: fd.Revents&unix.POLLOUT != 0,
			Hangup:   fd.Revents&(unix.POLLHUP|unix.POLLERR) != 0,
		})
	}
	return dst, nil
}

// Close is a no-op; poll(2) holds no kernel state between calls.
func (p *Poller) Close() error { return nil }
