// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trigger

import (
	"golang.org/x/xerrors"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
)

// Matcher scans a logic-sample stream for a multi-stage trigger
// condition. State persists across Check calls, so a stream may be fed
// in arbitrary buffer slices with the same outcome as feeding it
// whole.
//
// A Matcher serves a single acquisition and must not be reused after
// it has fired.
type Matcher struct {
	spec Spec
	unit int // bytes per sample
	emit func(feed.Packet)

	stage   int      // active stage index
	partial []sample // samples consumed by stages 0..stage-1
	prev    []byte   // previously seen sample, nil before the first
	total   uint64   // absolute index of the next sample

	pre preRing
}

// sample is one unit-size logic sample with its predecessor (for edge
// detection) and its absolute stream index.
type sample struct {
	data []byte
	prev []byte // nil for the very first sample of the stream
	idx  uint64
}

// New returns a matcher for spec over a stream of unitSize-byte logic
// samples. Up to preTriggerSamples samples preceding the trigger are
// retained and flushed as Logic packets through emit when the trigger
// fires, followed by the Trigger packet itself. emit may be nil if the
// caller only consumes Check's return values.
func New(spec Spec, unitSize, preTriggerSamples int, emit func(feed.Packet)) (*Matcher, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if unitSize <= 0 {
		return nil, xerrors.Errorf("trigger: invalid unit size %d: %w", unitSize, acq.ErrArgument)
	}
	if preTriggerSamples < 0 {
		return nil, xerrors.Errorf("trigger: invalid pre-trigger count %d: %w",
			preTriggerSamples, acq.ErrArgument,
		)
	}

	return &Matcher{
		spec: spec,
		unit: unitSize,
		emit: emit,
		pre:  newPreRing(preTriggerSamples, unitSize),
	}, nil
}

// Check scans buf, one unit-size sample at a time, advancing the
// matcher's stage machine. When the full multi-stage condition
// completes, Check flushes the pre-trigger buffer, emits a Trigger
// packet and returns the absolute sample offset of the trigger and
// the number of pre-trigger samples flushed. ok is false when buf is
// exhausted without a match; the matcher state carries over to the
// next call.
func (m *Matcher) Check(buf []byte) (offset uint64, pretrig int, ok bool, err error) {
	if len(buf)%m.unit != 0 {
		return 0, 0, false, xerrors.Errorf(
			"trigger: buffer length %d not a multiple of unit size %d: %w",
			len(buf), m.unit, acq.ErrArgument,
		)
	}

	for i := 0; i+m.unit <= len(buf); i += m.unit {
		data := make([]byte, m.unit)
		copy(data, buf[i:i+m.unit])

		s := sample{data: data, prev: m.prev, idx: m.total}
		m.prev = data
		m.total++

		fired, at, err := m.process(s)
		if err != nil {
			return 0, 0, false, err
		}
		if fired {
			pre := m.pre.flush(m.emit)
			if m.emit != nil {
				m.emit(feed.Trigger{Offset: at})
			}
			return at, pre, true, nil
		}
		m.pre.append(data)
	}

	return 0, 0, false, nil
}

// process feeds one sample to the stage machine. On a failed later
// stage the scan position rewinds to immediately after the sample that
// caused the last stage-0 advance: the partially consumed samples are
// replayed through the machine so an overlapping match one sample
// later is not skipped.
func (m *Matcher) process(s sample) (fired bool, at uint64, err error) {
	queue := []sample{s}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		stage := m.spec.Stages[m.stage]
		if len(stage.Matches) == 0 {
			return false, 0, xerrors.Errorf("trigger: stage %d has no matches: %w",
				m.stage, acq.ErrArgument,
			)
		}

		matched := true
		for _, match := range stage.Matches {
			if !match.Channel.Enabled {
				// ignore disabled channels with a trigger.
				continue
			}
			if !condHolds(match, cur) {
				matched = false
				break
			}
		}

		switch {
		case matched && m.stage == len(m.spec.Stages)-1:
			return true, cur.idx, nil

		case matched:
			m.partial = append(m.partial, cur)
			m.stage++

		case m.stage > 0:
			replay := make([]sample, 0, len(m.partial)+len(queue))
			replay = append(replay, m.partial[1:]...)
			replay = append(replay, cur)
			queue = append(replay, queue...)
			m.partial = m.partial[:0]
			m.stage = 0
		}
	}

	return false, 0, nil
}

func condHolds(m Match, s sample) bool {
	bit := bitOf(s.data, m.Channel.Index)
	switch m.Cond {
	case Zero:
		return !bit
	case One:
		return bit
	}

	// edge conditions. The first sample of the stream has nothing to
	// compare against and cannot match.
	if s.prev == nil {
		return false
	}
	prev := bitOf(s.prev, m.Channel.Index)
	switch m.Cond {
	case Rising:
		return !prev && bit
	case Falling:
		return prev && !bit
	case Edge:
		return prev != bit
	}
	return false
}

func bitOf(p []byte, index int) bool {
	return p[index/8]&(1<<uint(index%8)) != 0
}

// preRing is a sample-granular circular buffer holding the most recent
// samples seen before the trigger fired.
type preRing struct {
	data []byte
	unit int
	head int // next write offset, in bytes
	fill int // valid bytes
}

func newPreRing(samples, unit int) preRing {
	return preRing{
		data: make([]byte, samples*unit),
		unit: unit,
	}
}

func (r *preRing) append(sample []byte) {
	if len(r.data) == 0 {
		return
	}
	n := copy(r.data[r.head:], sample)
	if n < len(sample) {
		copy(r.data, sample[n:])
	}
	r.head = (r.head + len(sample)) % len(r.data)
	r.fill += len(sample)
	if r.fill > len(r.data) {
		r.fill = len(r.data)
	}
}

// flush emits the buffered samples, oldest first, as up to two Logic
// packets, and returns the number of samples emitted.
func (r *preRing) flush(emit func(feed.Packet)) int {
	if r.fill == 0 {
		return 0
	}

	samples := r.fill / r.unit
	if emit != nil {
		start := (r.head - r.fill + len(r.data)) % len(r.data)
		if start+r.fill <= len(r.data) {
			emit(feed.Logic{Data: r.data[start : start+r.fill], UnitSize: r.unit})
		} else {
			emit(feed.Logic{Data: r.data[start:], UnitSize: r.unit})
			emit(feed.Logic{Data: r.data[:r.fill-(len(r.data)-start)], UnitSize: r.unit})
		}
	}

	r.fill = 0
	r.head = 0
	return samples
}
