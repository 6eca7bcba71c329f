// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trigger describes multi-stage trigger conditions over logic
// channels and implements their detection in software, for instruments
// lacking a hardware trigger circuit.
package trigger // import "github.com/go-acq/acq/trigger"

import (
	"golang.org/x/xerrors"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
)

// Cond is the condition a Match applies to its channel.
type Cond uint8

const (
	Zero Cond = iota + 1 // logic low
	One                  // logic high
	Rising
	Falling
	Edge // rising or falling
)

func (c Cond) String() string {
	switch c {
	case Zero:
		return "0"
	case One:
		return "1"
	case Rising:
		return "r"
	case Falling:
		return "f"
	case Edge:
		return "e"
	}
	return "invalid"
}

// Match binds one channel to a condition.
type Match struct {
	Channel *feed.Channel
	Cond    Cond
}

// Stage is a set of matches that must all hold on the same sample.
type Stage struct {
	Matches []Match
}

// Spec is an ordered list of stages. The trigger fires at the first
// sample completing the last stage, with every earlier stage satisfied
// on an earlier sample. A Spec is supplied once per acquisition and is
// immutable during capture.
type Spec struct {
	Stages []Stage
}

func (s *Spec) validate() error {
	if len(s.Stages) == 0 {
		return xerrors.Errorf("trigger: empty trigger specification: %w", acq.ErrArgument)
	}
	for i, stage := range s.Stages {
		if len(stage.Matches) == 0 {
			return xerrors.Errorf("trigger: stage %d has no matches: %w", i, acq.ErrArgument)
		}
		for j, m := range stage.Matches {
			if m.Channel == nil {
				return xerrors.Errorf("trigger: stage %d match %d has no channel: %w",
					i, j, acq.ErrArgument,
				)
			}
			if m.Cond < Zero || m.Cond > Edge {
				return xerrors.Errorf("trigger: stage %d match %d has invalid condition: %w",
					i, j, acq.ErrArgument,
				)
			}
		}
	}
	return nil
}
