// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package feed

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-acq/acq"
)

// Rational is a rational number p/q used for analog scale and offset
// factors.
type Rational struct {
	P int64  // numerator
	Q uint64 // denominator, never zero in a valid encoding
}

func (r Rational) value() float64 {
	return float64(r.P) / float64(r.Q)
}

// Encoding describes the raw wire format of the samples carried by an
// Analog packet.
type Encoding struct {
	UnitSize  int  // bytes per raw sample
	Signed    bool // two's complement integers
	Float     bool // IEEE-754 samples (UnitSize 4 or 8)
	BigEndian bool

	Scale  Rational
	Offset Rational

	// Digits is the resolution of the encoding, expressed either as
	// decimal digits after the point (DigitsDecimal) or as a number
	// of significant bits.
	Digits        int
	DigitsDecimal bool
}

// Quantity names the physical quantity an analog channel measures.
type Quantity uint32

const (
	Voltage Quantity = iota + 1
	Current
	Resistance
	Capacitance
	Temperature
	Frequency
	DutyCycle
	Continuity
	PulseWidth
	Conductance
	Power
	Gain
	SoundPressureLevel
	CarbonMonoxide
	RelativeHumidity
	Time
	WindSpeed
	Pressure
	Energy
	ElectricCharge
)

// Unit is the physical unit of an analog value.
type Unit uint32

const (
	Volt Unit = iota + 1
	Ampere
	Ohm
	Farad
	Kelvin
	Celsius
	Fahrenheit
	Hertz
	Percentage
	Boolean
	Second
	Siemens
	DecibelMW
	DecibelVolt
	Unitless
	DecibelSPL
	Concentration
	Watt
	WattHour
	MeterPerSecond
	HectoPascal
	Joule
	Coulomb
	AmpereHour
)

var unitNames = map[Unit]string{
	Volt:           "V",
	Ampere:         "A",
	Ohm:            "Ω",
	Farad:          "F",
	Kelvin:         "K",
	Celsius:        "°C",
	Fahrenheit:     "°F",
	Hertz:          "Hz",
	Percentage:     "%",
	Boolean:        "",
	Second:         "s",
	Siemens:        "S",
	DecibelMW:      "dBm",
	DecibelVolt:    "dBV",
	Unitless:       "",
	DecibelSPL:     "dB",
	Concentration:  "ppm",
	Watt:           "W",
	WattHour:       "Wh",
	MeterPerSecond: "m/s",
	HectoPascal:    "hPa",
	Joule:          "J",
	Coulomb:        "C",
	AmpereHour:     "Ah",
}

func (u Unit) String() string {
	if s, ok := unitNames[u]; ok {
		return s
	}
	return fmt.Sprintf("Unit(%d)", uint32(u))
}

// Flag qualifies a measurement (coupling, statistics, range mode...).
type Flag uint64

const (
	AC Flag = 1 << iota
	DC
	RMS
	Diode
	Hold
	Max
	Min
	AutoRange
	Relative
	Avg
	Reference
	Unstable
	FourWire
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{AC, " AC"},
	{DC, " DC"},
	{RMS, " RMS"},
	{Diode, " DIODE"},
	{Hold, " HOLD"},
	{Max, " MAX"},
	{Min, " MIN"},
	{AutoRange, " AUTO"},
	{Relative, " REL"},
	{Avg, " AVG"},
	{Reference, " REF"},
	{Unstable, " UNSTABLE"},
	{FourWire, " 4-WIRE"},
}

func (f Flag) String() string {
	var o string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			o += fn.name
		}
	}
	return o
}

// Meaning describes the physical semantics of the samples carried by
// an Analog packet and the subset of channels they cover.
type Meaning struct {
	Quantity Quantity
	Unit     Unit
	Flags    Flag
	Channels []*Channel
}

// Spec carries the number of significant digits appropriate for
// display or storage of the packet's values. It never exceeds the
// resolution of the wire encoding.
type Spec struct {
	Digits int
}

// Analog carries NumSamples raw analog samples per covered channel,
// sample-major, channel-minor, encoded as described by Encoding.
type Analog struct {
	Data       []byte
	NumSamples int
	Encoding   Encoding
	Meaning    Meaning
	Spec       Spec
}

// NewAnalog returns an Analog packet preconfigured for native float32
// samples with unit scale and zero offset, and the given number of
// significant decimal digits.
func NewAnalog(digits int) Analog {
	return Analog{
		Encoding: Encoding{
			UnitSize:      4,
			Float:         true,
			Scale:         Rational{P: 1, Q: 1},
			Offset:        Rational{P: 0, Q: 1},
			Digits:        digits,
			DigitsDecimal: true,
		},
		Spec: Spec{Digits: digits},
	}
}

// SetFloats stores vals as the packet payload, one float32 per sample
// per covered channel.
func (a *Analog) SetFloats(vals []float32) {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	a.Data = buf
	if n := a.channelCount(); n > 0 {
		a.NumSamples = len(vals) / n
	} else {
		a.NumSamples = len(vals)
	}
}

func (a *Analog) channelCount() int {
	return len(a.Meaning.Channels)
}

const (
	maxIntUnitSize   = 8
	maxFloatUnitSize = 8
)

// Values converts the packet's raw samples to calibrated physical
// values, applying value = raw*scale + offset per sample. The result
// holds NumSamples values per covered channel, preserving the
// sample-major, channel-minor order of the payload.
//
// Byte widths beyond 8 bytes for integers, or other than 4 or 8 bytes
// for floats, are rejected with acq.ErrUnsupportedFormat.
func (a *Analog) Values() ([]float32, error) {
	enc := &a.Encoding
	if enc.Scale.Q == 0 || enc.Offset.Q == 0 {
		return nil, fmt.Errorf("feed: zero denominator in scale/offset: %w", acq.ErrArgument)
	}
	if a.Spec.Digits > enc.Digits && enc.Digits > 0 {
		return nil, fmt.Errorf("feed: spec digits (%d) exceed encoding digits (%d): %w",
			a.Spec.Digits, enc.Digits, acq.ErrArgument,
		)
	}

	count := a.NumSamples
	if n := a.channelCount(); n > 0 {
		count *= n
	}
	if count == 0 {
		return nil, nil
	}
	if enc.UnitSize <= 0 || len(a.Data) < count*enc.UnitSize {
		return nil, fmt.Errorf("feed: analog payload too short (got=%d, want=%d): %w",
			len(a.Data), count*enc.UnitSize, acq.ErrArgument,
		)
	}

	var (
		scale  = enc.Scale.value()
		offset = enc.Offset.value()
		out    = make([]float32, count)
	)

	for i := 0; i < count; i++ {
		raw := a.Data[i*enc.UnitSize : (i+1)*enc.UnitSize]
		v, err := enc.decode(raw)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v*scale + offset)
	}
	return out, nil
}

// decode reads one raw sample as a float64, before scaling.
func (enc *Encoding) decode(raw []byte) (float64, error) {
	if enc.Float {
		switch enc.UnitSize {
		case 4:
			bits := enc.u32(raw)
			return float64(math.Float32frombits(bits)), nil
		case 8:
			bits := enc.u64(raw)
			return math.Float64frombits(bits), nil
		default:
			return 0, fmt.Errorf("feed: %d-byte float samples: %w",
				enc.UnitSize, acq.ErrUnsupportedFormat,
			)
		}
	}

	if enc.UnitSize > maxIntUnitSize {
		return 0, fmt.Errorf("feed: %d-byte integer samples: %w",
			enc.UnitSize, acq.ErrUnsupportedFormat,
		)
	}

	var u uint64
	if enc.BigEndian {
		for _, b := range raw {
			u = u<<8 | uint64(b)
		}
	} else {
		for i := len(raw) - 1; i >= 0; i-- {
			u = u<<8 | uint64(raw[i])
		}
	}

	if !enc.Signed {
		return float64(u), nil
	}

	// sign-extend from the sample width.
	shift := uint(64 - 8*enc.UnitSize)
	return float64(int64(u<<shift) >> shift), nil
}

func (enc *Encoding) u32(raw []byte) uint32 {
	if enc.BigEndian {
		return binary.BigEndian.Uint32(raw)
	}
	return binary.LittleEndian.Uint32(raw)
}

func (enc *Encoding) u64(raw []byte) uint64 {
	if enc.BigEndian {
		return binary.BigEndian.Uint64(raw)
	}
	return binary.LittleEndian.Uint64(raw)
}
