// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stream routes raw logic payloads from a driver's receive
// path to the datafeed: soft-trigger matching, pre/post-trigger
// slicing and sample accounting.
package stream

import (
	"fmt"

	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/internal/swlimit"
	"github.com/go-acq/acq/trigger"
)

// Relay forwards logic chunks for one device. Payloads handed to
// Process are only referenced for the duration of the call: published
// packets reach every sink synchronously, so the caller may recycle
// the buffer afterwards.
type Relay struct {
	sched hw.Scheduler
	dev   *hw.DevInst
	unit  int
	cnt   *swlimit.Counter

	matcher   *trigger.Matcher
	triggered bool
	processed uint64
}

// NewRelay creates a relay for dev. spec may be nil for an untriggered
// capture; pre is the number of pre-trigger samples to retain.
func NewRelay(sched hw.Scheduler, dev *hw.DevInst, unit int, cnt *swlimit.Counter, spec *trigger.Spec, pre int) (*Relay, error) {
	r := &Relay{
		sched: sched,
		dev:   dev,
		unit:  unit,
		cnt:   cnt,
	}
	if spec != nil {
		m, err := trigger.New(*spec, unit, pre, func(pkt feed.Packet) {
			_ = sched.Publish(dev, pkt)
		})
		if err != nil {
			return nil, fmt.Errorf("stream: could not arm trigger: %w", err)
		}
		r.matcher = m
	}
	return r, nil
}

// Triggered reports whether the soft trigger has fired (always true
// for untriggered captures).
func (r *Relay) Triggered() bool { return r.matcher == nil || r.triggered }

// Process routes one chunk of raw logic samples and reports whether
// the configured capture limit has been reached.
func (r *Relay) Process(chunk []byte) (done bool, err error) {
	n := len(chunk) / r.unit
	if n == 0 {
		return r.cnt.Reached(), nil
	}

	if r.matcher != nil && !r.triggered {
		off, pre, ok, err := r.matcher.Check(chunk[:n*r.unit])
		r.processed += uint64(n)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		r.triggered = true
		idx := n - int(r.processed-off)
		return r.emit(chunk[idx*r.unit:n*r.unit], pre), nil
	}

	return r.emit(chunk[:n*r.unit], 0), nil
}

// emit publishes up to the remaining sample budget and accounts for
// pre pre-trigger samples already flushed by the matcher.
func (r *Relay) emit(chunk []byte, pre int) bool {
	n := len(chunk) / r.unit
	if rem := r.cnt.Remaining(uint64(n)); rem < uint64(n) {
		n = int(rem)
		chunk = chunk[:n*r.unit]
	}
	if n > 0 {
		_ = r.sched.Publish(r.dev, feed.Logic{Data: chunk, UnitSize: r.unit})
	}
	r.cnt.AddSamples(uint64(n) + uint64(pre))
	return r.cnt.Reached()
}
