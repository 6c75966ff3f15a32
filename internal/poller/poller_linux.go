//go:build linux

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"chainproxy/internal/errors"
)

// fionread asks for the bytes queued for reading; Linux names it
// TIOCINQ.
const fionread = unix.TIOCINQ

// Poller is a level-triggered epoll instance.
type Poller struct {
	epfd int

	mu   sync.Mutex
	keys map[int32]uint64
	buf  []unix.EpollEvent
}

// New creates a Poller.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap("epoll_create", "", err)
	}
	return &Poller{epfd: epfd, keys: make(map[int32]uint64), buf: make([]unix.EpollEvent, 16)}, nil
}

// Add registers fd under key.
func (p *Poller) Add(fd int, key uint64, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, key, in)
}

// Modify changes the interest set of a registered fd.
func (p *Poller) Modify(fd int, key uint64, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, key, in)
}

// Delete deregisters fd.
func (p *Poller) Delete(fd int) error {
	p.mu.Lock()
	delete(p.keys, int32(fd))
	p.mu.Unlock()
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrap("epoll_ctl", "del", err)
	}
	return nil
}

// Wait blocks up to timeout (negative waits forever) and appends ready
// events to dst.  An interrupted wait returns dst unchanged.
func (p *Poller) Wait(dst []Event, timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.buf, millis(timeout))
	if err == unix.EINTR {
		return dst, nil
	}
	if err != nil {
		return dst, errors.Wrap("epoll_wait", "", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.buf[:n] {
		dst = append(dst, Event{
			Key:      p.keys[ev.Fd],
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0,
		})
	}
	return dst, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

func (p *Poller) ctl(op, fd int, key uint64, in Interest) error {
	ev := unix.EpollEvent{Fd: int32(fd)}
	if in&Readable != 0 {
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return errors.Wrap("epoll_ctl", "", err)
	}
	p.mu.Lock()
	p.keys[int32(fd)] = key
	p.mu.Unlock()
	return nil
}
