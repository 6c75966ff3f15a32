package step

import (
	"io"
	"sync"

	"chainproxy/internal/errors"
	"chainproxy/util"
)

// inbox collects the bytes a background reader receives from the
// upstream until an endpoint step's next backward pass drains them.
// Once the reader fails, the failure is reported after the buffered
// bytes.
type inbox struct {
	mu   sync.Mutex
	buf  []byte
	err  error
	done chan struct{}
}

func newInbox() *inbox {
	return &inbox{done: make(chan struct{})}
}

func (b *inbox) push(p []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
}

func (b *inbox) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		if err == nil {
			err = io.EOF
		}
		b.err = err
		close(b.done)
	}
	b.mu.Unlock()
}

// fill reads r until it fails.
func (b *inbox) fill(r io.Reader) {
	b.fail(util.ReadLoop(r, b.push))
}

func (b *inbox) len() (int, error) {
	if b == nil {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > 0 {
		return len(b.buf), nil
	}
	if b.err != nil {
		return 0, errors.IO("read", b.err)
	}
	return 0, nil
}

func (b *inbox) drain() ([]byte, error) {
	if b == nil {
		return nil, errors.ErrEmptyData
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > 0 {
		out := b.buf
		b.buf = nil
		return out, nil
	}
	if b.err != nil {
		return nil, errors.IO("read", b.err)
	}
	return nil, errors.ErrEmptyData
}
