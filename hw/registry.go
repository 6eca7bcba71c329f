// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"fmt"

	"github.com/go-acq/acq"
)

// Registry holds the device instances of one session. It replaces the
// per-driver process-wide instance lists of older acquisition stacks:
// the registry is owned by the session and passed explicitly into
// driver calls.
//
// The registry is only ever mutated from scheduler dispatch or from
// the session's owner, never from a background goroutine.
type Registry struct {
	devs []*DevInst
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add records a scanned device instance. Adding the same instance
// twice is an error.
func (r *Registry) Add(dev *DevInst) error {
	if dev == nil || dev.Driver == nil {
		return fmt.Errorf("hw: invalid device instance: %w", acq.ErrArgument)
	}
	for _, d := range r.devs {
		if d == dev {
			return fmt.Errorf("hw: device %v already registered: %w", dev, acq.ErrArgument)
		}
	}
	r.devs = append(r.devs, dev)
	return nil
}

// Remove drops dev from the registry. Removing an unknown device is a
// no-op.
func (r *Registry) Remove(dev *DevInst) {
	for i, d := range r.devs {
		if d == dev {
			r.devs = append(r.devs[:i], r.devs[i+1:]...)
			return
		}
	}
}

// Devices returns the registered instances, in registration order.
func (r *Registry) Devices() []*DevInst {
	devs := make([]*DevInst, len(r.devs))
	copy(devs, r.devs)
	return devs
}

// Clear closes and drops every instance belonging to drv, or every
// instance when drv is nil. The first close error is returned; all
// instances are dropped regardless.
func (r *Registry) Clear(drv Driver) error {
	var (
		err  error
		keep []*DevInst
	)
	for _, dev := range r.devs {
		if drv != nil && dev.Driver != drv {
			keep = append(keep, dev)
			continue
		}
		if dev.Status != StatusInactive {
			if e := dev.Driver.Close(dev); e != nil && err == nil {
				err = e
			}
		}
	}
	r.devs = keep
	return err
}
