package pipeline

import "chainproxy/internal/errors"

// Buffers holds the forward and backward byte queues of a transform
// step.  Embedding it provides SetDirection, Read and Len.
type Buffers struct {
	dir      Direction
	forward  []byte
	backward []byte
}

// SetDirection selects the queue Push, Read and Len operate on.
func (b *Buffers) SetDirection(d Direction) { b.dir = d }

// Direction returns the active direction.
func (b *Buffers) Direction() Direction { return b.dir }

// Push appends p to the active queue.
func (b *Buffers) Push(p []byte) {
	q := b.active()
	*q = append(*q, p...)
}

// Read drains the active queue.
func (b *Buffers) Read() ([]byte, error) {
	q := b.active()
	if len(*q) == 0 {
		return nil, errors.ErrEmptyData
	}
	out := *q
	*q = nil
	return out, nil
}

// Len reports the size of the active queue.
func (b *Buffers) Len() (int, error) { return len(*b.active()), nil }

// Reset empties both queues and restores the forward direction.
func (b *Buffers) Reset() {
	b.forward, b.backward = nil, nil
	b.dir = Forward
}

func (b *Buffers) active() *[]byte {
	if b.dir == Backward {
		return &b.backward
	}
	return &b.forward
}
