// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package serialdmm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
)

// reading is one decoded meter display.
type reading struct {
	value   float64
	digits  int
	meaning feed.Meaning
}

var flagTokens = map[string]feed.Flag{
	"DC":    feed.DC,
	"AC":    feed.AC,
	"HOLD":  feed.Hold,
	"REL":   feed.Relative,
	"AUTO":  feed.AutoRange,
	"MIN":   feed.Min,
	"MAX":   feed.Max,
	"DIODE": feed.Diode,
}

type unitToken struct {
	quantity feed.Quantity
	unit     feed.Unit
	scale    float64
}

var unitTokens = map[string]unitToken{
	"V":    {feed.Voltage, feed.Volt, 1},
	"mV":   {feed.Voltage, feed.Volt, 1e-3},
	"A":    {feed.Current, feed.Ampere, 1},
	"mA":   {feed.Current, feed.Ampere, 1e-3},
	"uA":   {feed.Current, feed.Ampere, 1e-6},
	"Ohm":  {feed.Resistance, feed.Ohm, 1},
	"kOhm": {feed.Resistance, feed.Ohm, 1e3},
	"MOhm": {feed.Resistance, feed.Ohm, 1e6},
	"Hz":   {feed.Frequency, feed.Hertz, 1},
	"kHz":  {feed.Frequency, feed.Hertz, 1e3},
	"F":    {feed.Capacitance, feed.Farad, 1},
	"nF":   {feed.Capacitance, feed.Farad, 1e-9},
	"uF":   {feed.Capacitance, feed.Farad, 1e-6},
	"C":    {feed.Temperature, feed.Celsius, 1},
}

// parseReading decodes one ASCII meter line, e.g. "DC AUTO 1.2345 V".
// Flag tokens precede the value; the unit token ends the line.
func parseReading(line string) (reading, error) {
	var r reading

	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 {
		return r, fmt.Errorf("serialdmm: truncated reading %q: %w", line, acq.ErrArgument)
	}

	ut, ok := unitTokens[fields[len(fields)-1]]
	if !ok {
		return r, fmt.Errorf("serialdmm: unknown unit %q: %w", fields[len(fields)-1], acq.ErrArgument)
	}
	r.meaning.Quantity = ut.quantity
	r.meaning.Unit = ut.unit

	num := fields[len(fields)-2]
	val, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return r, fmt.Errorf("serialdmm: invalid value %q: %w", num, acq.ErrArgument)
	}
	r.value = val * ut.scale
	if i := strings.IndexByte(num, '.'); i >= 0 {
		r.digits = len(num) - i - 1
	}

	for _, tok := range fields[:len(fields)-2] {
		flag, ok := flagTokens[tok]
		if !ok {
			return r, fmt.Errorf("serialdmm: unknown flag %q: %w", tok, acq.ErrArgument)
		}
		r.meaning.Flags |= flag
	}
	return r, nil
}
