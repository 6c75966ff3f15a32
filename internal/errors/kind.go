package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindParse
	KindInvalidStep
	KindInvalidData
	KindEmptyData
)

var kindNames = [...]string{
	KindUnknown:     "error",
	KindIO:          "io error",
	KindParse:       "parse error",
	KindInvalidStep: "invalid step",
	KindInvalidData: "invalid data",
	KindEmptyData:   "empty data",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// PipelineError is a classified failure raised by a step or pipeline.
type PipelineError struct {
	Kind Kind
	Op   string // "write", "read", "start", "decode", "build", ...
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// IO wraps a transport failure.
func IO(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindIO, Op: op, Err: err}
}

// Parse wraps a decoding failure.
func Parse(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindParse, Op: op, Err: err}
}

// InvalidStep reports a malformed step specification or step ordering.
func InvalidStep(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Kind: KindInvalidStep, Op: "build", Err: fmt.Errorf(format, args...)}
}

// InvalidData reports input the receiving side refuses to process.
func InvalidData(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindInvalidData, Op: op, Err: err}
}

// KindOf classifies err.  Untyped network and EOF errors count as I/O.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrEmptyData) {
		return KindEmptyData
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ne *NetworkError
	var oe *net.OpError
	if errors.As(err, &ne) || errors.As(err, &oe) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return KindIO
	}
	return KindUnknown
}

// IsEmpty reports whether err only signals that no bytes were ready.
func IsEmpty(err error) bool {
	return err != nil && KindOf(err) == KindEmptyData
}

// IsFatal reports whether err must terminate the connection.
func IsFatal(err error) bool {
	return err != nil && !IsEmpty(err)
}
