// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-shell is an interactive client for the acq-srv control
// link.
package main // import "github.com/go-acq/acq/cmd/acq-shell"

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/peterh/liner"
)

func main() {
	var (
		addr = flag.String("addr", "localhost:9000", "[ip]:port of the acq-srv control link")
	)

	log.SetPrefix("acq-shell: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*addr)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not dial %q: %w", addr, err)
	}
	defer conn.Close()

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		line, err := term.Prompt("acq> ")
		switch {
		case err == nil:
			// ok
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("could not read command: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		if line == "help" {
			usage()
			continue
		}

		req, err := parseCmd(line)
		if err != nil {
			log.Printf("%+v", err)
			continue
		}

		err = enc.Encode(req)
		if err != nil {
			return fmt.Errorf("could not send command: %w", err)
		}

		var rep reply
		err = dec.Decode(&rep)
		if err != nil {
			return fmt.Errorf("could not decode reply: %w", err)
		}
		fmt.Println(rep.Msg)
		for _, dev := range rep.Devices {
			fmt.Printf("  [%s] %s (%s)\n", dev.Status, dev.Device, dev.Driver)
		}

		if req.Name == "quit" {
			return nil
		}
	}
}

func usage() {
	fmt.Print(`commands:
  scan <driver> [key=value ...]
  config <device> <key> <value>
  start <device>
  stop <device>
  status
  quit
`)
}

type request struct {
	Name string      `json:"name"`
	Args interface{} `json:"args,omitempty"`
}

type reply struct {
	Msg     string `json:"msg"`
	Devices []struct {
		Device string `json:"device"`
		Driver string `json:"driver"`
		Status string `json:"status"`
	} `json:"devices"`
}

// parseCmd turns one shell line into a control request.
func parseCmd(line string) (request, error) {
	toks := strings.Fields(line)
	switch toks[0] {
	case "scan":
		if len(toks) < 2 {
			return request{}, fmt.Errorf("usage: scan <driver> [key=value ...]")
		}
		opts := make(map[string]interface{})
		for _, tok := range toks[2:] {
			k, v, err := splitOpt(tok)
			if err != nil {
				return request{}, err
			}
			opts[k] = v
		}
		return request{Name: "scan", Args: map[string]interface{}{
			"driver": toks[1],
			"opts":   opts,
		}}, nil

	case "config":
		if len(toks) != 4 {
			return request{}, fmt.Errorf("usage: config <device> <key> <value>")
		}
		dev, err := strconv.Atoi(toks[1])
		if err != nil {
			return request{}, fmt.Errorf("invalid device index %q", toks[1])
		}
		return request{Name: "config", Args: map[string]interface{}{
			"device": dev,
			"key":    toks[2],
			"value":  value(toks[3]),
		}}, nil

	case "start", "stop":
		if len(toks) != 2 {
			return request{}, fmt.Errorf("usage: %s <device>", toks[0])
		}
		dev, err := strconv.Atoi(toks[1])
		if err != nil {
			return request{}, fmt.Errorf("invalid device index %q", toks[1])
		}
		return request{Name: toks[0], Args: map[string]interface{}{
			"device": dev,
		}}, nil

	case "status", "quit":
		if len(toks) != 1 {
			return request{}, fmt.Errorf("usage: %s", toks[0])
		}
		return request{Name: toks[0]}, nil
	}

	return request{}, fmt.Errorf("unknown command %q (try \"help\")", toks[0])
}

func splitOpt(tok string) (string, interface{}, error) {
	i := strings.IndexByte(tok, '=')
	if i <= 0 {
		return "", nil, fmt.Errorf("invalid option %q: want key=value", tok)
	}
	return tok[:i], value(tok[i+1:]), nil
}

// value guesses the JSON type of a shell token: number, boolean or
// string.
func value(tok string) interface{} {
	if v, err := strconv.ParseFloat(tok, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(tok); err == nil {
		return v
	}
	return tok
}
