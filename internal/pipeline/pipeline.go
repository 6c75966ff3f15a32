package pipeline

import (
	"context"
	"fmt"

	"chainproxy/internal/errors"
)

// Pipeline is an ordered chain of steps.  A Pipeline is not safe for
// concurrent passes; callers serialize Write, Read and Pending.
type Pipeline struct {
	steps   []Step
	started bool
}

// New builds a pipeline from steps, first step facing the client.
// Endpoint steps must come last.
func New(steps ...Step) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, errors.InvalidStep("pipeline needs at least one step")
	}
	for i, s := range steps[:len(steps)-1] {
		if isTerminal(s) {
			return nil, errors.InvalidStep("step %d (%v) talks to an upstream and must be the last step", i, s)
		}
	}
	return &Pipeline{steps: steps}, nil
}

// Len returns the number of steps.
func (p *Pipeline) Len() int { return len(p.steps) }

// Write runs a forward pass with data entering the first step.  The
// returned count is the number of bytes accepted by the last step.
func (p *Pipeline) Write(data []byte) (int, error) {
	p.setDirection(Forward)

	n, err := p.steps[0].Write(data)
	if err != nil {
		return n, stepErr(0, "write", err)
	}
	for i := 0; i < len(p.steps)-1; i++ {
		out, err := p.steps[i].Read()
		if err != nil {
			return 0, stepErr(i, "read", err)
		}
		if n, err = p.steps[i+1].Write(out); err != nil {
			return n, stepErr(i+1, "write", err)
		}
	}
	return n, nil
}

// Read runs a backward pass: bytes drained from the last step travel
// back through every earlier step.  It returns errors.ErrEmptyData when
// nothing is ready.
func (p *Pipeline) Read() ([]byte, error) {
	p.setDirection(Backward)

	last := len(p.steps) - 1
	data, err := p.steps[last].Read()
	if err != nil {
		return nil, stepErr(last, "read", err)
	}
	for i := last - 1; i >= 0; i-- {
		if _, err := p.steps[i].Write(data); err != nil {
			return nil, stepErr(i, "write", err)
		}
		if data, err = p.steps[i].Read(); err != nil {
			return nil, stepErr(i, "read", err)
		}
	}
	return data, nil
}

// Pending reports how many backward bytes the last step holds, without
// consuming them.
func (p *Pipeline) Pending() (int, error) {
	p.setDirection(Backward)
	return p.steps[len(p.steps)-1].Len()
}

// ReadAvailable reports whether a backward pass would find bytes.  It
// also reports true when the last step has failed so that the next Read
// surfaces the failure.
func (p *Pipeline) ReadAvailable() bool {
	n, err := p.Pending()
	return err != nil || n > 0
}

// Start starts every step in order.  Only the first call has an effect.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started {
		return nil
	}
	p.started = true
	for i, s := range p.steps {
		if err := s.Start(ctx); err != nil {
			return stepErr(i, "start", err)
		}
	}
	return nil
}

// Clone returns an unstarted deep copy built from the step configurations.
func (p *Pipeline) Clone() *Pipeline {
	steps := make([]Step, len(p.steps))
	for i, s := range p.steps {
		steps[i] = s.Clone()
	}
	return &Pipeline{steps: steps}
}

// CloseWrite signals end of forward input to the last step, when it
// supports half-close.
func (p *Pipeline) CloseWrite() error {
	if hc, ok := p.steps[len(p.steps)-1].(HalfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// Close closes every step and joins their errors.
func (p *Pipeline) Close() error {
	var errs []error
	for _, s := range p.steps {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// String lists the steps, client side first.
func (p *Pipeline) String() string {
	return fmt.Sprint(p.steps)
}

func (p *Pipeline) setDirection(d Direction) {
	for _, s := range p.steps {
		s.SetDirection(d)
	}
}

func stepErr(i int, op string, err error) error {
	if errors.IsEmpty(err) {
		return err
	}
	return fmt.Errorf("step %d %s: %w", i, op, err)
}
