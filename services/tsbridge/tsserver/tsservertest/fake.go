// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tsservertest provides a fake tsserver for tests.
//
// The fake runs inside the test binary itself. A test package opts in with
//
//	func TestMain(m *testing.M) {
//		tsservertest.MaybeRun()
//		os.Exit(m.Run())
//	}
//
// and launches it with the command, args and env returned by Launch.
package tsservertest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	envFake = "TSBRIDGE_FAKE_TSSERVER"
	envMode = "TSBRIDGE_FAKE_TSSERVER_MODE"
)

// Modes change how the fake reacts to shutdown.
const (
	// ModeDefault exits on the "exit" command or stdin EOF.
	ModeDefault = ""

	// ModeStubborn ignores "exit" and EOF; only a kill stops it.
	ModeStubborn = "stubborn"

	// ModeDeaf never reads stdin, so writes block once the pipe fills.
	ModeDeaf = "deaf"
)

// Launch returns what to exec to start the fake in the given mode.
func Launch(mode string) (command string, args []string, env []string) {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return exe, nil, []string{envFake + "=1", envMode + "=" + mode}
}

// MaybeRun turns the current process into the fake when launched by
// Launch, and never returns in that case.
func MaybeRun() {
	if os.Getenv(envFake) != "1" {
		return
	}
	Run(os.Getenv(envMode), os.Stdin, os.Stdout)
	os.Exit(0)
}

type request struct {
	Seq       int             `json:"seq"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments"`
}

// Run serves requests from in until EOF.
//
// Commands:
//
//	configure, open, close - succeed
//	echo - succeeds with the arguments as body
//	slow, reloadProjects - never answered
//	fail - fails with "No project."
//	flaky - fails with a Debug Failure twice, then succeeds
//	emit - sends a projectLoadingFinish event, then succeeds
//	counts - reports how many open, close and reloadProjects were seen
//	crash - exits with status 3
//	exit - exits with status 0 unless mode is ModeStubborn
func Run(mode string, in io.Reader, out io.Writer) {
	w := bufio.NewWriter(out)
	send := func(v any) {
		data, _ := json.Marshal(v)
		data = append(data, '\n')
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data))
		w.Write(data)
		w.Flush()
	}
	respond := func(req request, ok bool, body any, message string) {
		resp := map[string]any{
			"seq":         0,
			"type":        "response",
			"request_seq": req.Seq,
			"command":     req.Command,
			"success":     ok,
		}
		if body != nil {
			resp["body"] = body
		}
		if message != "" {
			resp["message"] = message
		}
		send(resp)
	}

	if mode == ModeDeaf {
		for {
			time.Sleep(time.Hour)
		}
	}

	seen := map[string]int{}
	flaky := 0

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		seen[req.Command]++

		switch req.Command {
		case "configure", "open", "close":
			respond(req, true, nil, "")
		case "echo":
			respond(req, true, req.Arguments, "")
		case "slow", "reloadProjects":
		case "fail":
			respond(req, false, nil, "No project.")
		case "flaky":
			flaky++
			if flaky <= 2 {
				respond(req, false, nil, "Debug Failure. False expression.")
			} else {
				respond(req, true, "recovered", "")
			}
		case "emit":
			send(map[string]any{
				"seq":   0,
				"type":  "event",
				"event": "projectLoadingFinish",
				"body":  map[string]string{"projectName": "/p/tsconfig.json"},
			})
			respond(req, true, nil, "")
		case "counts":
			respond(req, true, map[string]int{
				"open":           seen["open"],
				"close":          seen["close"],
				"reloadProjects": seen["reloadProjects"],
			}, "")
		case "crash":
			os.Exit(3)
		case "exit":
			if mode != ModeStubborn {
				os.Exit(0)
			}
		default:
			respond(req, false, nil, "Unrecognized JSON command: "+req.Command)
		}
	}

	if mode == ModeStubborn {
		for {
			time.Sleep(time.Hour)
		}
	}
}
