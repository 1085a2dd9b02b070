package network

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// NewBandwidthLimiter returns a limiter capping throughput at
// bytesPerSecond, or nil when the limit is zero. The burst covers one
// chunk so a single read never exceeds it.
func NewBandwidthLimiter(bytesPerSecond, chunkSize int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if chunkSize > burst {
		burst = chunkSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// ThrottledReader waits on a shared limiter after every read. Sharing one
// limiter between transfers caps their combined bandwidth.
type ThrottledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// NewThrottledReader wraps r. A nil limiter disables throttling.
func NewThrottledReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &ThrottledReader{ctx: ctx, r: r, limiter: limiter}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := t.r.Read(p)
	if n > 0 {
		if waitErr := t.limiter.WaitN(t.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// IdleTimeoutReader calls onTimeout when a single Read blocks longer than
// timeout. Time spent between reads is not counted.
type IdleTimeoutReader struct {
	r        io.Reader
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
}

// NewIdleTimeoutReader wraps r. onTimeout typically cancels the request
// context so the blocked Read returns.
func NewIdleTimeoutReader(r io.Reader, timeout time.Duration, onTimeout func()) *IdleTimeoutReader {
	ir := &IdleTimeoutReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(time.Hour, func() {
		ir.timedOut.Store(true)
		onTimeout()
	})
	ir.timer.Stop()
	return ir
}

func (ir *IdleTimeoutReader) Read(p []byte) (int, error) {
	ir.timer.Reset(ir.timeout)
	n, err := ir.r.Read(p)
	ir.timer.Stop()
	return n, err
}

// TimedOut reports whether the timeout fired.
func (ir *IdleTimeoutReader) TimedOut() bool {
	return ir.timedOut.Load()
}

// Stop releases the timer.
func (ir *IdleTimeoutReader) Stop() {
	ir.timer.Stop()
}
