// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xfer

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-acq/acq"
)

// Engine drives a bounded pool of asynchronous reads against one
// endpoint. Reads run on their own goroutines; everything else (Start,
// Pump, Stop) must be called from the single dispatch goroutine of the
// owning session.
//
// Completion order reaches Pump through an internal channel; the Ready
// channel carries at most one wake-up token and is meant to back an
// event-scheduler source.
type Engine struct {
	ep  Endpoint
	msg *log.Logger

	pool     int
	align    int
	maxSize  int
	retry    int // consecutive zero-byte timeout budget
	maxEmpty int // consecutive empty-completion budget

	size    int
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	free  [][]byte
	compl chan *Transfer
	ready chan struct{}

	limited bool
	budget  int64

	outstanding int
	stopping    bool
	timeouts    int
	empty       int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine.
func WithLogger(msg *log.Logger) Option {
	return func(eng *Engine) { eng.msg = msg }
}

// WithPoolSize sets the maximum number of concurrently submitted
// transfers.
func WithPoolSize(n int) Option {
	return func(eng *Engine) { eng.pool = n }
}

// WithAlignment sets the minimum transfer size and the boundary
// training rounds down to.
func WithAlignment(n int) Option {
	return func(eng *Engine) { eng.align = n }
}

// WithTransferSize fixes the per-transfer byte count and timeout,
// bypassing Train.
func WithTransferSize(size int, timeout time.Duration) Option {
	return func(eng *Engine) {
		eng.size = size
		eng.timeout = timeout
	}
}

// New creates a transfer engine reading from ep.
func New(ep Endpoint, opts ...Option) *Engine {
	eng := &Engine{
		ep:       ep,
		msg:      log.New(os.Stdout, "xfer: ", 0),
		pool:     32,
		align:    512,
		maxSize:  4 << 20,
		retry:    2,
		maxEmpty: 64,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Train probes for the largest per-transfer size the endpoint
// sustains at the given throughput, halving the candidate on failure
// or excessive completion latency, down to the alignment boundary.
// It persists the chosen size and a derived timeout.
func (eng *Engine) Train(ctx context.Context, bytesPerMS int) error {
	if bytesPerMS <= 0 {
		return fmt.Errorf("xfer: invalid throughput %d bytes/ms: %w", bytesPerMS, acq.ErrArgument)
	}

	size := eng.maxSize
	buf := make([]byte, size)
	for size > eng.align {
		timeout := eng.timeoutFor(size, bytesPerMS)
		tctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		_, err := eng.ep.ReadContext(tctx, buf[:size])
		cancel()

		switch classify(err) {
		case Completed:
			if time.Since(start) <= timeout {
				eng.size = size
				eng.timeout = timeout
				return nil
			}
		case NoDevice:
			return fmt.Errorf("xfer: could not train transfer size: %w", ErrNoDevice)
		case Stall:
			return fmt.Errorf("xfer: could not train transfer size: %w", ErrStall)
		}
		size /= 2
	}

	eng.size = eng.align
	eng.timeout = eng.timeoutFor(eng.size, bytesPerMS)
	return nil
}

// timeout is the expected completion latency plus 25% headroom.
func (eng *Engine) timeoutFor(size, bytesPerMS int) time.Duration {
	ms := size / bytesPerMS
	ms += ms / 4
	if ms < 10 {
		ms = 10
	}
	return time.Duration(ms) * time.Millisecond
}

// Size returns the per-transfer byte count chosen by Train or
// WithTransferSize.
func (eng *Engine) Size() int { return eng.size }

// Ready carries one wake-up token per batch of pending completions;
// register it as the Ready channel of a scheduler source.
func (eng *Engine) Ready() <-chan struct{} { return eng.ready }

// Outstanding returns the number of submitted, not yet collected
// transfers.
func (eng *Engine) Outstanding() int { return eng.outstanding }

// Drained reports whether a stop was requested and every outstanding
// transfer's completion has been collected.
func (eng *Engine) Drained() bool { return eng.stopping && eng.outstanding == 0 }

// Start allocates the buffer pool and submits transfers up to the pool
// limit or, when limit > 0, until the outstanding plus delivered byte
// count covers limit. Transfers that complete short of a full buffer
// return the shortfall to the budget, so submission continues until
// limit bytes have actually been delivered.
func (eng *Engine) Start(limit int64) error {
	if eng.size <= 0 || eng.timeout <= 0 {
		return fmt.Errorf("xfer: engine not trained: %w", acq.ErrArgument)
	}
	if eng.outstanding > 0 {
		return fmt.Errorf("xfer: engine already started: %w", acq.ErrDeviceBusy)
	}

	eng.ctx, eng.cancel = context.WithCancel(context.Background())
	eng.compl = make(chan *Transfer, eng.pool)
	eng.ready = make(chan struct{}, 1)
	eng.limited = limit > 0
	eng.budget = limit
	eng.stopping = false
	eng.timeouts = 0
	eng.empty = 0

	eng.free = eng.free[:0]
	for i := 0; i < eng.pool; i++ {
		eng.free = append(eng.free, make([]byte, eng.size))
	}
	eng.fill()
	return nil
}

func (eng *Engine) fill() {
	for len(eng.free) > 0 && !eng.stopping {
		if eng.limited && eng.budget <= 0 {
			return
		}
		buf := eng.free[len(eng.free)-1]
		eng.free = eng.free[:len(eng.free)-1]
		if eng.limited {
			eng.budget -= int64(len(buf))
		}
		eng.submit(buf)
	}
}

func (eng *Engine) submit(buf []byte) {
	eng.outstanding++
	go func() {
		ctx, cancel := context.WithTimeout(eng.ctx, eng.timeout)
		defer cancel()
		n, err := eng.ep.ReadContext(ctx, buf)
		eng.compl <- &Transfer{Buf: buf, N: n, Status: classify(err), Err: err}
		select {
		case eng.ready <- struct{}{}:
		default:
		}
	}()
}

// Stop is a cooperative stop request: no further transfers are
// submitted and in-flight ones are cancelled. Their completions still
// arrive through Pump; the engine is only drained once all have been
// collected. Stop is idempotent.
func (eng *Engine) Stop() {
	if eng.stopping {
		return
	}
	eng.stopping = true
	if eng.cancel != nil {
		eng.cancel()
	}
}

// Pump collects every pending completion without blocking, feeding
// completed and partial payloads to fn in completion order, then
// resubmits or retires each transfer per the engine's policy. The
// first hard failure aborts the pool and is returned; the caller is
// expected to escalate it to a device stop.
func (eng *Engine) Pump(fn func(data []byte) error) error {
	var first error
	for {
		select {
		case t := <-eng.compl:
			eng.outstanding--
			err := eng.complete(t, fn)
			if err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}

func (eng *Engine) complete(t *Transfer, fn func(data []byte) error) error {
	switch t.Status {
	case Completed:
		eng.timeouts = 0
		eng.credit(len(t.Buf) - t.N)
		if t.N == 0 {
			eng.empty++
			if eng.empty > eng.maxEmpty {
				eng.Stop()
				eng.recycle(t.Buf)
				return fmt.Errorf("xfer: %d consecutive empty transfers: %w", eng.empty, acq.ErrIO)
			}
		} else {
			eng.empty = 0
			if err := fn(t.Buf[:t.N]); err != nil {
				eng.Stop()
				eng.recycle(t.Buf)
				return err
			}
		}
		eng.recycle(t.Buf)

	case TimedOut:
		// partial data is still processed; only zero-byte timeouts
		// count against the retry budget.
		eng.credit(len(t.Buf) - t.N)
		if t.N > 0 {
			eng.timeouts = 0
			if err := fn(t.Buf[:t.N]); err != nil {
				eng.Stop()
				eng.recycle(t.Buf)
				return err
			}
		} else {
			eng.timeouts++
			if eng.timeouts > eng.retry {
				eng.Stop()
				eng.recycle(t.Buf)
				return fmt.Errorf("xfer: %d consecutive transfer timeouts: %w", eng.timeouts, acq.ErrIO)
			}
		}
		eng.recycle(t.Buf)

	case Cancelled:
		eng.free = append(eng.free, t.Buf)

	case Stall:
		eng.Stop()
		eng.free = append(eng.free, t.Buf)
		return fmt.Errorf("xfer: endpoint stalled: %w", acq.ErrHardware)

	case NoDevice:
		eng.Stop()
		eng.free = append(eng.free, t.Buf)
		return fmt.Errorf("xfer: device gone: %w", acq.ErrIO)

	default:
		eng.Stop()
		eng.free = append(eng.free, t.Buf)
		return fmt.Errorf("xfer: transfer failed (%v): %w", t.Err, acq.ErrIO)
	}
	return nil
}

// credit returns the undelivered remainder of a collected transfer to
// the byte budget: the budget tracks delivered bytes, not submitted
// ones, so short and empty completions must not starve a limited
// capture of resubmissions.
func (eng *Engine) credit(n int) {
	if eng.limited && n > 0 {
		eng.budget += int64(n)
	}
}

func (eng *Engine) recycle(buf []byte) {
	eng.free = append(eng.free, buf)
	eng.fill()
}
