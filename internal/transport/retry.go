package transport

import (
	"context"
	"net"
	"time"

	"chainproxy/internal/errors"
	"chainproxy/internal/retry"
	"chainproxy/util"
)

// RetryDialer retries failed dials of an inner Dialer on a backoff
// schedule.  A cancelled context stops retrying, and so does a failure
// that would repeat on every attempt (unknown host, SSH auth).
type RetryDialer struct {
	Dialer   Dialer
	Attempts int
	Logger   *util.Logger
}

// Dial connects to address, retrying up to Attempts times.
func (d *RetryDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	b := retry.DialBackoff(d.Attempts)
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		if d.Logger != nil {
			d.Logger.Verbose("dial %s attempt %d failed: %v (retrying in %v)", address, attempt, err, wait.Truncate(time.Millisecond))
		}
	}

	var conn net.Conn
	err := b.Do(ctx, func(_ int) error {
		c, err := d.Dialer.Dial(ctx, network, address)
		if err != nil {
			if ctx.Err() != nil || !errors.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close closes the inner Dialer.
func (d *RetryDialer) Close() error { return d.Dialer.Close() }
