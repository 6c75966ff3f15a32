package step

import (
	"context"
	"io"
	"os"
	"sync"

	"chainproxy/config"
	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
)

func init() {
	Register("stdio", func(_ config.StepSpec, _ Env) (pipeline.Step, error) {
		return NewStdio(os.Stdin, os.Stdout), nil
	})
}

// errStdioBusy rejects a session while another one holds the
// process's standard streams.
var errStdioBusy = errors.New("stdio is in use by another session")

// stdioSource is the single reader of a process's stdin, shared by
// every clone of a Stdio step.  Only one started step owns it at a
// time, so bytes typed on the terminal reach exactly one session.
type stdioSource struct {
	in   io.Reader
	once sync.Once
	recv *inbox

	mu    sync.Mutex
	owner *Stdio
}

// Stdio uses the process's own standard streams as the upstream:
// forward bytes go to out and bytes read from in travel backward.
// Under a multi-client entry the first session to start holds the
// streams until it closes; later sessions fail to start meanwhile.
type Stdio struct {
	src *stdioSource
	out io.Writer
	dir pipeline.Direction
}

// NewStdio returns an unstarted step over in and out.
func NewStdio(in io.Reader, out io.Writer) *Stdio {
	return &Stdio{src: &stdioSource{in: in, recv: newInbox()}, out: out}
}

func (s *Stdio) Start(_ context.Context) error {
	src := s.src
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.owner != nil && src.owner != s {
		return errors.IO("stdio", errStdioBusy)
	}
	src.owner = s
	src.once.Do(func() { go src.recv.fill(src.in) })
	return nil
}

func (s *Stdio) owns() bool {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	return s.src.owner == s
}

func (s *Stdio) Write(p []byte) (int, error) {
	n, err := s.out.Write(p)
	if err != nil {
		return n, errors.IO("write stdout", err)
	}
	return n, nil
}

func (s *Stdio) Read() ([]byte, error) {
	if s.dir == pipeline.Forward || !s.owns() {
		return nil, errors.ErrEmptyData
	}
	return s.src.recv.drain()
}

func (s *Stdio) Len() (int, error) {
	if s.dir == pipeline.Forward || !s.owns() {
		return 0, nil
	}
	return s.src.recv.len()
}

func (s *Stdio) SetDirection(d pipeline.Direction) { s.dir = d }

// Close hands the streams back for the next session.
func (s *Stdio) Close() error {
	s.src.mu.Lock()
	if s.src.owner == s {
		s.src.owner = nil
	}
	s.src.mu.Unlock()
	return nil
}

func (s *Stdio) Clone() pipeline.Step { return &Stdio{src: s.src, out: s.out} }

func (s *Stdio) Terminal() bool { return true }

func (s *Stdio) String() string { return "stdio:" }
