package entry

import (
	"context"
	"io"
	"net"
	"time"

	"chainproxy/internal/errors"
	"chainproxy/internal/metrics"
	"chainproxy/internal/pipeline"
	"chainproxy/internal/poller"
	"chainproxy/util"
)

// worker relays one client connection through its pipeline.  It is the
// only goroutine that touches the pipeline.
type worker struct {
	conn     net.Conn
	pipeline *pipeline.Pipeline
	framing  framing
	interval time.Duration
	logger   *util.Logger
	metrics  *metrics.Collector

	in, out int64 // client bytes received and sent
}

// run polls the connection until ctx ends or a fatal error occurs.  A
// client that closes the connection ends the loop with io.EOF.
func (w *worker) run(ctx context.Context) error {
	fd, err := poller.FD(w.conn)
	if err != nil {
		return err
	}
	p, err := poller.New()
	if err != nil {
		return errors.IO("poller", err)
	}
	defer p.Close()
	if err := p.Add(fd, 0, poller.Readable|poller.Writable); err != nil {
		return errors.IO("poller", err)
	}

	events := make([]poller.Event, 0, 1)
	for {
		if ctx.Err() != nil {
			return nil
		}
		events, err = p.Wait(events[:0], w.interval)
		if err != nil {
			return errors.IO("poll", err)
		}
		for _, ev := range events {
			if ev.Readable || ev.Hangup {
				if err := w.receive(fd); err != nil {
					return err
				}
			}
			if ev.Writable && w.framing.handshaken() {
				if err := w.deliver(); err != nil {
					return err
				}
			}
		}

		if !sleepCtx(ctx, w.interval) {
			return nil
		}
	}
}

// receive reads what the socket holds and feeds it forward.
func (w *worker) receive(fd int) error {
	n, err := poller.Available(fd)
	if err != nil {
		return errors.IO("available", err)
	}
	if n == 0 {
		return io.EOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(w.conn, buf); err != nil {
		return errors.IO("read", err)
	}
	w.in += int64(n)
	w.metrics.BytesReceived(int64(n))

	if !w.framing.handshaken() {
		reply, rest, err := w.framing.handshake(buf)
		if werr := w.send(reply); werr != nil {
			return werr
		}
		if err != nil {
			return err
		}
		if w.framing.handshaken() {
			w.logger.Debug("handshake complete")
		}
		if len(rest) == 0 {
			return nil
		}
		buf = rest
	}

	payloads, reply, ferr := w.framing.unwrap(buf)
	for _, p := range payloads {
		if _, err := w.pipeline.Write(p); errors.IsFatal(err) {
			return err
		}
	}
	if err := w.send(reply); err != nil {
		return err
	}
	return ferr
}

// deliver moves pending backward bytes to the client.
func (w *worker) deliver() error {
	if !w.pipeline.ReadAvailable() {
		return nil
	}
	data, err := w.pipeline.Read()
	if errors.IsEmpty(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return w.send(w.framing.wrap(data))
}

func (w *worker) send(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := w.conn.Write(p)
	w.out += int64(n)
	w.metrics.BytesSent(int64(n))
	if err != nil {
		return errors.IO("write", err)
	}
	return nil
}

// sleepCtx pauses for d or until ctx is done.  It reports whether the
// full pause elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
