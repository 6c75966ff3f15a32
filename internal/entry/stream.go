package entry

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"

	"chainproxy/internal/errors"
	"chainproxy/util"
)

// stream is the entry for connection-oriented transports: one worker
// per accepted socket, with the framing deciding between raw TCP and
// WebSocket.
type stream struct {
	base
	scheme     string
	addr       string
	newFraming func() framing
}

func newStream(b base, scheme, addr string, newFraming func() framing) *stream {
	return &stream{base: b, scheme: scheme, addr: addr, newFraming: newFraming}
}

// Run listens on the configured address and serves clients until ctx
// is cancelled.
func (s *stream) Run(ctx context.Context) error {
	defer s.release()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	defer ln.Close()

	s.logger.Info("listening on %s://%s", s.scheme, ln.Addr())
	s.listening(ln.Addr())

	return acceptLoop(ctx, ln.(*net.TCPListener), s.serve)
}

func (s *stream) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := s.logger.With("conn", util.ShortID(uuid.NewString()))
	log.Verbose("connection from %s", conn.RemoteAddr())
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	p := s.template.Clone()
	defer func() {
		if err := p.Close(); err != nil {
			log.Debug("closing pipeline: %v", err)
		}
	}()
	if err := p.Start(ctx); err != nil {
		log.Error("starting pipeline for %s: %v", conn.RemoteAddr(), err)
		s.metrics.RecordError(err.Error())
		return
	}

	w := &worker{
		conn:     conn,
		pipeline: p,
		framing:  s.newFraming(),
		interval: s.interval,
		logger:   log,
		metrics:  s.metrics,
	}
	err := w.run(ctx)

	stats := fmt.Sprintf("received %s, sent %s", sizestr.ToString(w.in), sizestr.ToString(w.out))
	if err == nil || errors.Is(err, io.EOF) || util.IsHarmless(err) {
		log.Verbose("connection from %s closed (%s)", conn.RemoteAddr(), stats)
		return
	}
	log.Warn("connection from %s closed: %v (%s)", conn.RemoteAddr(), err, stats)
	s.metrics.RecordError(err.Error())
}
