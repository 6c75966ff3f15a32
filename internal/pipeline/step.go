// Package pipeline chains bidirectional steps into a single relay.
//
// A Pipeline moves client bytes forward through every step toward the
// upstream and moves upstream bytes backward through the same steps, in
// reverse order, toward the client.  Each step applies its primary
// transform when the pass direction matches its native direction and the
// inverse transform otherwise.
package pipeline

import "context"

// Direction is the flow of a pass through the pipeline.
type Direction int

const (
	// Forward flows from the client toward the upstream.
	Forward Direction = iota
	// Backward flows from the upstream toward the client.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Forward {
		return Backward
	}
	return Forward
}

// Step is one transformation or endpoint stage of a Pipeline.
//
// Steps are driven by a single goroutine at a time: the pipeline sets the
// direction before every pass and then alternates Write and Read calls.
type Step interface {
	// Write feeds p into the step for the active direction and reports
	// how many bytes were accepted.
	Write(p []byte) (int, error)

	// Read drains the bytes buffered for the active direction.  It
	// returns errors.ErrEmptyData when nothing is buffered.
	Read() ([]byte, error)

	// Len reports the bytes pending for the active direction without
	// consuming them.
	Len() (int, error)

	// SetDirection selects the active direction.
	SetDirection(d Direction)

	// Start acquires external resources.  Calling it again is a no-op.
	Start(ctx context.Context) error

	// Clone returns a fresh, unstarted step built from the same
	// configuration.  No runtime state is shared with the original.
	Clone() Step

	// Close releases whatever Start acquired.
	Close() error
}

// Terminal is implemented by steps that talk to an upstream endpoint.
// Such steps may only appear last in a pipeline.
type Terminal interface {
	Terminal() bool
}

// HalfCloser is implemented by endpoint steps that can signal the end
// of forward input while still delivering backward bytes.
type HalfCloser interface {
	CloseWrite() error
}

func isTerminal(s Step) bool {
	t, ok := s.(Terminal)
	return ok && t.Terminal()
}
