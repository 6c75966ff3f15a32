package entry

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jpillora/sizestr"

	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
	"chainproxy/internal/poller"
	"chainproxy/util"
)

// stdioEntry relays the process's standard input and output through a
// single pipeline.  When stdin ends the pipeline is half-closed and
// backward bytes keep flowing until the upstream finishes.
type stdioEntry struct {
	base
	in  *os.File
	out io.Writer
}

func newStdio(b base, in *os.File, out io.Writer) *stdioEntry {
	return &stdioEntry{base: b, in: in, out: out}
}

func (e *stdioEntry) Run(ctx context.Context) error {
	defer e.release()

	p := e.template.Clone()
	defer p.Close()
	if err := p.Start(ctx); err != nil {
		return err
	}
	e.metrics.ConnectionOpened()
	defer e.metrics.ConnectionClosed()

	fd, err := poller.FD(e.in)
	if err != nil {
		return err
	}
	pl, err := poller.New()
	if err != nil {
		return errors.IO("poller", err)
	}
	defer pl.Close()

	// Regular files cannot be registered; they are always readable and
	// FIONREAD alone tells how much is left.
	pollable := pl.Add(fd, 0, poller.Readable) == nil
	if !pollable {
		e.logger.Debug("stdin is not pollable, reading by size only")
	}

	var in, out int64
	defer func() {
		e.logger.Verbose("stdio closed (read %s, wrote %s)", sizestr.ToString(in), sizestr.ToString(out))
	}()

	events := make([]poller.Event, 0, 1)
	eof := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !eof {
			ready := true
			if pollable {
				if events, err = pl.Wait(events[:0], e.interval); err != nil {
					return errors.IO("poll", err)
				}
				ready = len(events) > 0
			}
			if ready {
				n, err := e.forward(fd, p, pollable)
				in += int64(n)
				switch {
				case errors.Is(err, io.EOF):
					eof = true
					if pollable {
						pl.Delete(fd) //nolint:errcheck
					}
					e.logger.Debug("stdin closed, half-closing upstream")
					if err := p.CloseWrite(); err != nil {
						return errors.IO("close write", err)
					}
				case err != nil:
					return err
				}
			}
		}

		n, err := e.backward(p)
		out += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || util.IsHarmless(err) {
				return nil
			}
			return err
		}

		if !sleepCtx(ctx, e.interval) {
			return nil
		}
	}
}

// forward reads what stdin holds and writes it into the pipeline.
// Descriptors that can be neither polled nor sized, such as
// /dev/null, count as exhausted.
func (e *stdioEntry) forward(fd int, p *pipeline.Pipeline, pollable bool) (int, error) {
	n, err := poller.Available(fd)
	if err != nil {
		if !pollable {
			return 0, io.EOF
		}
		return 0, errors.IO("available", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(e.in, buf); err != nil {
		return 0, errors.IO("read stdin", err)
	}
	e.metrics.BytesReceived(int64(n))
	if _, err := p.Write(buf); errors.IsFatal(err) {
		return n, err
	}
	return n, nil
}

// backward copies pending pipeline output to stdout.
func (e *stdioEntry) backward(p *pipeline.Pipeline) (int, error) {
	if !p.ReadAvailable() {
		return 0, nil
	}
	data, err := p.Read()
	if errors.IsEmpty(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := e.out.Write(data)
	e.metrics.BytesSent(int64(n))
	if err != nil {
		return n, fmt.Errorf("write stdout: %w", err)
	}
	return n, nil
}
