// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import "fmt"

// AcqState is the coarse acquisition state machine every driver
// context cycles through. Drivers refine Capturing with their own
// hardware-readiness sub-states.
type AcqState uint8

const (
	Idle AcqState = iota
	Configuring
	Capturing
	Draining
	Stopped
)

func (st AcqState) String() string {
	switch st {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Capturing:
		return "capturing"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("AcqState(%d)", uint8(st))
}
