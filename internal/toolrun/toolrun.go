// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package toolrun runs external build tools and captures their
// output. All process invocation in this module goes through the
// Runner interface so tests can substitute fake tools and so a
// different toolchain can be swapped in without touching the callers.
package toolrun

import (
	"io"
	"os"
	"os/exec"

	"github.com/kballard/go-shellquote"
)

// A Cmd describes one external tool invocation: an argument vector,
// the directory to run it in, and optional standard input.
type Cmd struct {
	Dir   string
	Argv  []string
	Stdin io.Reader
}

// A Runner executes external tools. Output captures standard output;
// Run only reports success or failure. Both leave standard error
// visible to the user.
type Runner interface {
	Output(cmd Cmd) ([]byte, error)
	Run(cmd Cmd) error
}

// Format renders argv as a shell command line for diagnostics.
func Format(argv []string) string {
	return shellquote.Join(argv...)
}

// A RunError reports a tool that exited unsuccessfully, retaining the
// command line so callers can surface it.
type RunError struct {
	Argv []string
	Err  error
}

func (e *RunError) Error() string {
	return "command failed: " + Format(e.Argv) + ": " + e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Exec is the Runner backed by os/exec.
type Exec struct{}

func (Exec) Output(cmd Cmd) ([]byte, error) {
	c := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	c.Stderr = os.Stderr
	out, err := c.Output()
	if err != nil {
		return nil, &RunError{Argv: cmd.Argv, Err: err}
	}
	return out, nil
}

func (Exec) Run(cmd Cmd) error {
	c := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return &RunError{Argv: cmd.Argv, Err: err}
	}
	return nil
}
