// Package step implements the pipeline steps and the registry that
// builds them from their textual specifications.
//
// Transform steps (b64, salt) are pure and embed pipeline.Buffers.
// Endpoint steps (tcp, ws, wss, http, stdio) talk to the upstream, must
// be last in a pipeline and acquire their connection in Start.
package step

import (
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"chainproxy/config"
	"chainproxy/internal/errors"
	"chainproxy/internal/metrics"
	"chainproxy/internal/pipeline"
	"chainproxy/internal/transport"
	"chainproxy/util"
)

// Env carries the process-wide collaborators steps are built with.
// Clones share the same Env.
type Env struct {
	Dialer      transport.Dialer
	Logger      *util.Logger
	Metrics     *metrics.Collector
	InsecureTLS bool
	DialTimeout time.Duration
}

func (e Env) dialer() transport.Dialer {
	if e.Dialer != nil {
		return e.Dialer
	}
	return &transport.TCPDialer{Timeout: e.DialTimeout}
}

func (e Env) logger() *util.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

// Constructor builds a step from its specification.
type Constructor func(spec config.StepSpec, env Env) (pipeline.Step, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Constructor)
)

// Register makes a step constructor available under scheme.  A second
// registration for the same scheme replaces the first.
func Register(scheme string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(scheme)] = c
}

// Schemes returns the registered schemes in sorted order.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Build constructs the step named by spec.
func Build(spec config.StepSpec, env Env) (pipeline.Step, error) {
	mu.RLock()
	c, ok := registry[spec.Scheme]
	mu.RUnlock()
	if !ok {
		return nil, errors.InvalidStep("unknown step %q (known: %s)", spec.Raw, strings.Join(Schemes(), ", "))
	}
	return c(spec, env)
}

// BuildPipeline constructs every step and chains them in order.
func BuildPipeline(specs []config.StepSpec, env Env) (*pipeline.Pipeline, error) {
	steps := make([]pipeline.Step, 0, len(specs))
	for _, spec := range specs {
		s, err := Build(spec, env)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return pipeline.New(steps...)
}

// parseMode maps "fw"/"bw" to the step's native direction.
func parseMode(spec config.StepSpec, mode string) (pipeline.Direction, error) {
	switch strings.ToLower(mode) {
	case "fw":
		return pipeline.Forward, nil
	case "bw":
		return pipeline.Backward, nil
	}
	return 0, errors.InvalidStep("%s: mode %q must be fw or bw", spec.Raw, mode)
}

func modeName(d pipeline.Direction) string {
	if d == pipeline.Backward {
		return "bw"
	}
	return "fw"
}
