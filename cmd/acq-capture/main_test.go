// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/csv"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestCapture(t *testing.T) {
	oname := filepath.Join(t.TempDir(), "out.csv")

	err := run(config{Driver: "demo", Samples: 64}, "", oname)
	if err != nil {
		t.Fatalf("could not run capture: %+v", err)
	}

	rows := readCSV(t, oname)
	if len(rows) < 3 {
		t.Fatalf("invalid number of rows: got=%d", len(rows))
	}
	if got := rows[0][0]; got != "header" {
		t.Fatalf("invalid first row: got=%q, want=%q", got, "header")
	}
	if got := rows[len(rows)-1][0]; got != "end" {
		t.Fatalf("invalid last row: got=%q, want=%q", got, "end")
	}

	var samples int
	for _, row := range rows {
		if row[0] != "logic" {
			continue
		}
		unit, err := strconv.Atoi(row[1])
		if err != nil {
			t.Fatalf("could not parse unit size: %+v", err)
		}
		raw, err := hex.DecodeString(row[2])
		if err != nil {
			t.Fatalf("could not decode logic row: %+v", err)
		}
		samples += len(raw) / unit
	}
	if samples != 64 {
		t.Fatalf("invalid number of samples: got=%d, want=64", samples)
	}
}

func TestCaptureConfigFile(t *testing.T) {
	dir := t.TempDir()
	cname := filepath.Join(dir, "capture.yaml")
	err := os.WriteFile(cname, []byte(`driver: demo
samples: 16
options:
  samplerate: 500000
`), 0644)
	if err != nil {
		t.Fatalf("could not write configuration file: %+v", err)
	}

	oname := filepath.Join(dir, "out.csv")
	err = run(config{Driver: "demo"}, cname, oname)
	if err != nil {
		t.Fatalf("could not run capture: %+v", err)
	}

	rows := readCSV(t, oname)
	var meta bool
	for _, row := range rows {
		if row[0] == "meta" {
			meta = true
			if got, want := row[1], "samplerate=500000"; got != want {
				t.Fatalf("invalid meta row: got=%q, want=%q", got, want)
			}
		}
	}
	if !meta {
		t.Fatalf("no meta row in output")
	}
}

func TestCaptureUnknownDriver(t *testing.T) {
	oname := filepath.Join(t.TempDir(), "out.csv")
	err := run(config{Driver: "frobnicator"}, "", oname)
	if err == nil {
		t.Fatalf("expected an error for an unknown driver")
	}
}

func readCSV(t *testing.T, fname string) [][]string {
	t.Helper()
	f, err := os.Open(fname)
	if err != nil {
		t.Fatalf("could not open %q: %+v", fname, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("could not read %q: %+v", fname, err)
	}
	return rows
}
