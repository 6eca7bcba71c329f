// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package swlimit provides shared accounting for software-enforced
// acquisition limits (sample count, frame count, capture duration).
package swlimit // import "github.com/go-acq/acq/internal/swlimit"

import "time"

// Limits holds the configured ceilings of one acquisition. A zero
// field means that limit is not enforced.
type Limits struct {
	Samples  uint64
	Frames   uint64
	Duration time.Duration
}

// Counter tracks progress against a set of Limits. Drivers call Start
// from their acquisition-start path and feed it from their receive
// callbacks; when Reached reports true the callback is expected to
// stop its own acquisition.
type Counter struct {
	limits Limits

	start   time.Time
	samples uint64
	frames  uint64

	now func() time.Time // test hook
}

// New returns a counter enforcing limits.
func New(limits Limits) *Counter {
	return &Counter{
		limits: limits,
		now:    time.Now,
	}
}

// Start resets the accounting for a new acquisition.
func (c *Counter) Start() {
	c.start = c.now()
	c.samples = 0
	c.frames = 0
}

// AddSamples records n captured samples.
func (c *Counter) AddSamples(n uint64) { c.samples += n }

// AddFrames records n completed frames.
func (c *Counter) AddFrames(n uint64) { c.frames += n }

// Samples returns the number of samples recorded since Start.
func (c *Counter) Samples() uint64 { return c.samples }

// Frames returns the number of frames recorded since Start.
func (c *Counter) Frames() uint64 { return c.frames }

// Remaining returns how many more samples may be captured before the
// sample limit is reached, clamping n to it. With no sample limit,
// n is returned unchanged.
func (c *Counter) Remaining(n uint64) uint64 {
	if c.limits.Samples == 0 {
		return n
	}
	if c.samples >= c.limits.Samples {
		return 0
	}
	if left := c.limits.Samples - c.samples; n > left {
		return left
	}
	return n
}

// Reached reports whether any configured limit has been met.
func (c *Counter) Reached() bool {
	if c.limits.Samples > 0 && c.samples >= c.limits.Samples {
		return true
	}
	if c.limits.Frames > 0 && c.frames >= c.limits.Frames {
		return true
	}
	if c.limits.Duration > 0 && c.now().Sub(c.start) >= c.limits.Duration {
		return true
	}
	return false
}
