// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
)

// csvSink serializes the capture stream of a device, one row per
// packet: the first column names the packet type.
type csvSink struct {
	w *csv.Writer
}

func newCSVSink(w io.Writer) *csvSink {
	return &csvSink{w: csv.NewWriter(w)}
}

func (sink *csvSink) Feed(dev *hw.DevInst, pkt feed.Packet) error {
	var rec []string
	switch p := pkt.(type) {
	case feed.Header:
		rec = []string{"header", p.RunID.String(), p.StartTime.Format(time.RFC3339Nano)}
	case feed.Meta:
		rec = []string{"meta"}
		for _, item := range p.Items {
			rec = append(rec, fmt.Sprintf("%s=%v", item.Key, item.Value))
		}
	case feed.Logic:
		rec = []string{"logic", strconv.Itoa(p.UnitSize), hex.EncodeToString(p.Data)}
	case feed.Analog:
		vs, err := p.Values()
		if err != nil {
			return fmt.Errorf("could not decode analog packet: %w", err)
		}
		rec = []string{"analog"}
		for _, v := range vs {
			rec = append(rec, strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
	case feed.FrameBegin:
		rec = []string{"frame-begin"}
	case feed.FrameEnd:
		rec = []string{"frame-end"}
	case feed.Trigger:
		rec = []string{"trigger", strconv.FormatUint(p.Offset, 10)}
	case feed.End:
		rec = []string{"end"}
	default:
		return fmt.Errorf("unknown packet type %T", pkt)
	}

	err := sink.w.Write(rec)
	if err != nil {
		return fmt.Errorf("could not write %s row: %w", rec[0], err)
	}
	return nil
}

func (sink *csvSink) flush() error {
	sink.w.Flush()
	if err := sink.w.Error(); err != nil {
		return fmt.Errorf("could not flush output: %w", err)
	}
	return nil
}
