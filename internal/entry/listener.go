package entry

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	ncerr "chainproxy/internal/errors"
	"chainproxy/internal/poller"
)

// acceptWait bounds one poller wait on the listener so cancellation is
// noticed promptly.
const acceptWait = 200 * time.Millisecond

// acceptLoop waits for the listener to become readable and hands every
// accepted connection to serve on its own goroutine.  It returns when
// ctx is cancelled, after the running connections have finished.
func acceptLoop(ctx context.Context, ln *net.TCPListener, serve func(context.Context, net.Conn)) error {
	fd, err := poller.FD(ln)
	if err != nil {
		return err
	}
	p, err := poller.New()
	if err != nil {
		return ncerr.IO("poller", err)
	}
	defer p.Close()
	if err := p.Add(fd, 0, poller.Readable); err != nil {
		return ncerr.IO("poller", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	events := make([]poller.Event, 0, 1)
	for ctx.Err() == nil {
		events, err = p.Wait(events[:0], acceptWait)
		if err != nil {
			return ncerr.IO("poll", err)
		}
		if len(events) == 0 {
			continue
		}

		// Readiness can be stolen between the wait and the accept; the
		// deadline keeps Accept from blocking the loop.
		ln.SetDeadline(time.Now().Add(acceptWait)) //nolint:errcheck
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return ncerr.IO("accept", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, conn)
		}()
	}
	return nil
}
