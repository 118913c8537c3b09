// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runner spawns and supervises the generation CLI subprocess, one
// process per turn.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/groupsio/switchboard/internal/logging"
)

// Options describes one subprocess invocation.
type Options struct {
	Binary    string   // Generation CLI binary, e.g. "claude"
	ExtraArgs []string // Appended verbatim after the built flags

	Prompt        string
	SessionID     string // Session token to create or resume
	Resume        bool   // Resume SessionID instead of creating it
	Model         string
	SystemContext string // Appended system prompt, e.g. project conventions

	WorkDir   string
	CallerCtx map[string]string // SWB_CTX_-prefixed context variables
}

// ExitStatus is the terminal state of a subprocess.
type ExitStatus struct {
	Code      int
	Signalled bool
	Err       error // Non-nil for spawn or wait failures, not for nonzero exits
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Err == nil && !s.Signalled && s.Code == 0
}

// Handle supervises a running subprocess. Stdout carries the NDJSON event
// stream; stdin is already closed.
type Handle struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus
}

// PID returns the subprocess pid.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Cancel requests a graceful stop with SIGTERM. The caller still observes the
// exit through Wait.
func (h *Handle) Cancel() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

// Wait blocks until the subprocess exits and returns its terminal state.
// Safe to call from multiple goroutines.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	return h.status
}

// BuildArgs assembles the CLI argument list for one invocation.
func BuildArgs(opts Options) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if opts.SessionID != "" {
		if opts.Resume {
			args = append(args, "--resume", opts.SessionID)
		} else {
			args = append(args, "--session-id", opts.SessionID)
		}
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemContext != "" {
		args = append(args, "--append-system-prompt", opts.SystemContext)
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, opts.Prompt)
	return args
}

// Spawn starts the subprocess and returns a supervision handle. The prompt is
// passed as an argument and stdin is closed immediately, so the process can
// never block on interactive input.
func Spawn(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}

	cmd := exec.CommandContext(ctx, opts.Binary, BuildArgs(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = BuildEnv(os.Environ(), opts.CallerCtx)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Binary, err)
	}
	stdin.Close()

	logging.Debug().
		Str("binary", opts.Binary).
		Str("dir", opts.WorkDir).
		Int("pid", cmd.Process.Pid).
		Bool("resume", opts.Resume).
		Msg("spawned generation subprocess")

	h := &Handle{
		Stdout: stdout,
		Stderr: stderr,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	go h.supervise()
	return h, nil
}

func (h *Handle) supervise() {
	err := h.cmd.Wait()

	var status ExitStatus
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signalled = true
		}
	default:
		status.Err = err
	}

	h.status = status
	close(h.done)
}
