package step

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"

	"chainproxy/config"
	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
)

func init() {
	Register("salt", func(spec config.StepSpec, _ Env) (pipeline.Step, error) {
		mode, size, ok := strings.Cut(spec.Arg, "-")
		if !ok {
			return nil, errors.InvalidStep("%s: expected salt:fw-<length> or salt:bw-<length>", spec.Raw)
		}
		native, err := parseMode(spec, mode)
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(size)
		if err != nil || n < 0 {
			return nil, errors.InvalidStep("%s: invalid salt length %q", spec.Raw, size)
		}
		return NewSalt(native, n), nil
	})
}

// Salt prefixes every chunk moving in its native direction with random
// bytes and strips the same number of bytes from chunks moving the
// other way.
type Salt struct {
	pipeline.Buffers
	native pipeline.Direction
	size   int
}

// NewSalt returns a salt step adding size random bytes.
func NewSalt(native pipeline.Direction, size int) *Salt {
	return &Salt{native: native, size: size}
}

func (s *Salt) Write(p []byte) (int, error) {
	if s.Direction() == s.native {
		out := make([]byte, s.size+len(p))
		if _, err := rand.Read(out[:s.size]); err != nil {
			return 0, err
		}
		copy(out[s.size:], p)
		s.Push(out)
		return len(out), nil
	}

	if len(p) < s.size {
		return 0, errors.Parse("unsalt", fmt.Errorf("chunk of %d bytes is shorter than the %d byte salt", len(p), s.size))
	}
	s.Push(p[s.size:])
	return len(p) - s.size, nil
}

func (s *Salt) Start(_ context.Context) error { return nil }

func (s *Salt) Clone() pipeline.Step { return NewSalt(s.native, s.size) }

func (s *Salt) Close() error { return nil }

func (s *Salt) String() string { return fmt.Sprintf("salt:%s-%d", modeName(s.native), s.size) }
