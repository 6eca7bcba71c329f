// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session implements the single-threaded acquisition reactor:
// event sources registered by drivers, periodic timeouts, and the
// synchronous fan-out of datafeed packets to registered sinks.
package session // import "github.com/go-acq/acq/session"

import (
	"context"
	"fmt"
	"log"
	"os"
	"reflect"
	"time"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"golang.org/x/sys/unix"
)

// Sink consumes the datafeed of a session. Feed is invoked
// synchronously from Publish, on the dispatch goroutine; it must not
// block and must not mutate the session's source list.
type Sink interface {
	Feed(dev *hw.DevInst, pkt feed.Packet) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(dev *hw.DevInst, pkt feed.Packet) error

func (f SinkFunc) Feed(dev *hw.DevInst, pkt feed.Packet) error { return f(dev, pkt) }

type source struct {
	src      *hw.Source
	deadline time.Time // next EventTimeout; zero when src.Timeout == 0
}

func (src *source) arm(now time.Time) {
	if src.src.Timeout > 0 {
		src.deadline = now.Add(src.src.Timeout)
	}
}

// Session coordinates one capture: it owns the registered event
// sources, the device registry and the ordered list of datafeed sinks.
//
// All methods except Post must be called from the single goroutine
// that iterates the session; Post marshals a command onto that
// goroutine and is the only entry point safe to use from another one.
// Drivers never see the Session directly; they receive it through the
// hw.Scheduler interface.
type Session struct {
	msg *log.Logger
	reg *hw.Registry

	srcs  []*source
	sinks []Sink
	cmds  chan *command

	started     bool
	dispatching bool
	removed     []interface{} // handles deregistered from within dispatch

	delivering bool
	stops      []*hw.DevInst
}

// command carries a posted closure and the channel its result is
// reported on.
type command struct {
	fn   func() error
	done chan error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used by the session.
func WithLogger(msg *log.Logger) Option {
	return func(s *Session) { s.msg = msg }
}

// New creates an empty session with its own device registry.
func New(opts ...Option) *Session {
	s := &Session{
		msg:  log.New(os.Stdout, "session: ", 0),
		reg:  hw.NewRegistry(),
		cmds: make(chan *command, 8),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the device registry owned by this session.
func (s *Session) Registry() *hw.Registry { return s.reg }

// AddSink appends sink to the session's fan-out list. Sinks are
// registered for the lifetime of the session and invoked in
// registration order.
func (s *Session) AddSink(sink Sink) error {
	if sink == nil {
		return fmt.Errorf("session: nil sink: %w", acq.ErrArgument)
	}
	s.sinks = append(s.sinks, sink)
	return nil
}

var _ hw.Scheduler = (*Session)(nil)

// Register adds an event source. A source needs at least one way to
// fire: a polled file descriptor (Interest non-zero), a Ready channel,
// or a periodic Timeout.
func (s *Session) Register(src *hw.Source) error {
	switch {
	case src == nil || src.Handle == nil:
		return fmt.Errorf("session: invalid source handle: %w", acq.ErrArgument)
	case src.Callback == nil:
		return fmt.Errorf("session: source %v has no callback: %w", src.Handle, acq.ErrArgument)
	case src.Interest != 0 && src.FD < 0:
		return fmt.Errorf("session: source %v has invalid fd %d: %w", src.Handle, src.FD, acq.ErrArgument)
	case src.Interest == 0 && src.Ready == nil && src.Timeout == 0:
		return fmt.Errorf("session: source %v can never fire: %w", src.Handle, acq.ErrArgument)
	}
	for _, reg := range s.srcs {
		if reg.src.Handle == src.Handle {
			return fmt.Errorf("session: source %v already registered: %w", src.Handle, acq.ErrArgument)
		}
	}

	reg := &source{src: src}
	reg.arm(time.Now())
	s.srcs = append(s.srcs, reg)
	s.started = true
	return nil
}

// Deregister removes the source registered under handle. It is safe
// to call from within that source's own callback: removal is deferred
// until the current dispatch completes.
func (s *Session) Deregister(handle interface{}) error {
	i := -1
	for j, reg := range s.srcs {
		if reg.src.Handle == handle {
			i = j
			break
		}
	}
	if i < 0 {
		return fmt.Errorf("session: source %v not registered: %w", handle, acq.ErrArgument)
	}
	if s.dispatching {
		s.removed = append(s.removed, handle)
		return nil
	}
	s.srcs = append(s.srcs[:i], s.srcs[i+1:]...)
	return nil
}

// Publish delivers pkt synchronously to every registered sink, in
// registration order. Stop requests made by a sink during delivery
// are queued and applied once delivery completes.
func (s *Session) Publish(dev *hw.DevInst, pkt feed.Packet) error {
	if dev == nil || pkt == nil {
		return fmt.Errorf("session: invalid publish call: %w", acq.ErrArgument)
	}

	nested := s.delivering
	s.delivering = true
	var err error
	for _, sink := range s.sinks {
		if e := sink.Feed(dev, pkt); e != nil && err == nil {
			err = fmt.Errorf("session: could not feed sink: %w", e)
		}
	}
	if !nested {
		s.delivering = false
		s.applyStops()
	}
	return err
}

// RequestStop asks dev's driver to stop acquiring. When called from
// within a dispatched callback or a sink, the request is queued and
// applied after the current dispatch/delivery completes; otherwise it
// is applied immediately.
func (s *Session) RequestStop(dev *hw.DevInst) {
	if dev == nil || dev.Driver == nil {
		return
	}
	if s.dispatching || s.delivering {
		for _, d := range s.stops {
			if d == dev {
				return
			}
		}
		s.stops = append(s.stops, dev)
		return
	}
	s.stop(dev)
}

func (s *Session) stop(dev *hw.DevInst) {
	err := dev.Driver.StopAcquisition(dev)
	if err != nil {
		s.msg.Printf("could not stop %v: %+v", dev, err)
	}
}

func (s *Session) applyStops() {
	stops := s.stops
	s.stops = nil
	for _, dev := range stops {
		s.stop(dev)
	}
}

// Post runs fn on the session's dispatch goroutine, between
// iterations, and returns fn's error. It blocks until an iteration
// picks the command up; each iteration is bounded by its maxWait.
func (s *Session) Post(fn func() error) error {
	if fn == nil {
		return fmt.Errorf("session: nil command: %w", acq.ErrArgument)
	}
	cmd := &command{fn: fn, done: make(chan error, 1)}
	s.cmds <- cmd
	return <-cmd.done
}

// runCommands executes every queued command without blocking.
func (s *Session) runCommands() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd.done <- cmd.fn()
		default:
			return
		}
	}
}

// RunIteration blocks up to maxWait for any source to become ready or
// time out, then invokes exactly one callback per ready or timed-out
// source, in registration order, and returns. Commands posted from
// other goroutines run first.
func (s *Session) RunIteration(maxWait time.Duration) error {
	if s.dispatching {
		return fmt.Errorf("session: recursive run-iteration: %w", acq.ErrArgument)
	}
	s.runCommands()
	if len(s.srcs) == 0 {
		select {
		case cmd := <-s.cmds:
			cmd.done <- cmd.fn()
		case <-time.After(maxWait):
		}
		return nil
	}

	wait := maxWait
	now := time.Now()
	for _, reg := range s.srcs {
		if reg.deadline.IsZero() {
			continue
		}
		if d := reg.deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}

	ready, err := s.wait(wait)
	if err != nil {
		return err
	}
	s.dispatch(ready)
	return nil
}

// Run iterates the session until ctx is cancelled or, once at least
// one source has been registered, until the last source is gone.
func (s *Session) Run(ctx context.Context) error {
	const tick = 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if s.started && len(s.srcs) == 0 {
			return nil
		}
		err := s.RunIteration(tick)
		if err != nil {
			return err
		}
	}
}

// pollSlice bounds a single unix.Poll call when channel-backed sources
// also need servicing.
const pollSlice = 5 * time.Millisecond

func (s *Session) wait(wait time.Duration) (map[interface{}]bool, error) {
	var (
		fds     []unix.PollFd
		fdsrcs  []*source
		hasChan bool
	)
	for _, reg := range s.srcs {
		if reg.src.Interest != 0 {
			var ev int16
			if reg.src.Interest&hw.InterestRead != 0 {
				ev |= unix.POLLIN
			}
			if reg.src.Interest&hw.InterestWrite != 0 {
				ev |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(reg.src.FD), Events: ev})
			fdsrcs = append(fdsrcs, reg)
		}
		if reg.src.Ready != nil {
			hasChan = true
		}
	}

	ready := make(map[interface{}]bool)
	deadline := time.Now().Add(wait)
	for {
		s.drainChannels(ready)

		remain := time.Until(deadline)
		if len(ready) > 0 || remain < 0 {
			remain = 0
		}

		switch {
		case len(fds) > 0:
			block := remain
			if hasChan && block > pollSlice {
				block = pollSlice
			}
			n, err := unix.Poll(fds, int(block.Milliseconds()))
			if err != nil && err != unix.EINTR {
				return nil, fmt.Errorf("session: could not poll sources: %w", err)
			}
			if n > 0 {
				for i, fd := range fds {
					if fd.Revents&(fd.Events|unix.POLLERR|unix.POLLHUP) != 0 {
						ready[fdsrcs[i].src.Handle] = true
					}
				}
			}
		case remain > 0:
			s.waitChannels(remain, ready)
		}

		if len(ready) > 0 || !time.Now().Before(deadline) {
			return ready, nil
		}
	}
}

func (s *Session) drainChannels(ready map[interface{}]bool) {
	for _, reg := range s.srcs {
		if reg.src.Ready == nil {
			continue
		}
		select {
		case <-reg.src.Ready:
			ready[reg.src.Handle] = true
		default:
		}
	}
}

func (s *Session) waitChannels(wait time.Duration, ready map[interface{}]bool) {
	cases := []reflect.SelectCase{{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(time.After(wait)),
	}}
	srcs := []*source{nil}
	for _, reg := range s.srcs {
		if reg.src.Ready == nil {
			continue
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(reg.src.Ready),
		})
		srcs = append(srcs, reg)
	}
	if len(cases) == 1 {
		time.Sleep(wait)
		return
	}

	chosen, _, ok := reflect.Select(cases)
	if chosen > 0 && ok {
		ready[srcs[chosen].src.Handle] = true
	}
}

func (s *Session) dispatch(ready map[interface{}]bool) {
	now := time.Now()
	srcs := make([]*source, len(s.srcs))
	copy(srcs, s.srcs)

	s.dispatching = true
	for _, reg := range srcs {
		if s.dropped(reg.src.Handle) {
			continue
		}
		switch {
		case ready[reg.src.Handle]:
			reg.arm(now)
			reg.src.Callback(hw.EventReady)
		case !reg.deadline.IsZero() && !now.Before(reg.deadline):
			reg.arm(now)
			reg.src.Callback(hw.EventTimeout)
		}
	}
	s.dispatching = false

	removed := s.removed
	s.removed = nil
	for _, handle := range removed {
		_ = s.Deregister(handle)
	}
	s.applyStops()
}

func (s *Session) dropped(handle interface{}) bool {
	for _, h := range s.removed {
		if h == handle {
			return true
		}
	}
	return false
}
