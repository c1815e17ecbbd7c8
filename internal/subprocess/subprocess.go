// Package subprocess runs external tools (make, python3, systemctl) with
// one of three stdio disciplines the orchestrator needs: fully inherited
// (the child owns the controlling terminal), captured-and-discarded (quiet
// batch mode), or streamed through a pty while also forwarding each line to
// a callback (live single-device progress for tools that only emit progress
// bars when they believe they're attached to a terminal).
package subprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	"github.com/kflash/kflash/internal/errs"
)

// Mode selects how a Runner attaches stdio to the child.
type Mode int

const (
	// Inherit connects the child directly to the current process's stdio.
	// Required for tools that run a full-screen terminal UI (make menuconfig).
	Inherit Mode = iota
	// Capture discards stdout/stderr, returning only the exit error.
	Capture
	// StreamPTY runs the child attached to a pty and forwards line-buffered
	// output to an event callback, for tools that only emit progress bars
	// when they believe stdout is a terminal.
	StreamPTY
)

// Result is the outcome of a single Run call.
type Result struct {
	ExitCode int
	Err      error
}

// Runner executes a single command according to Mode.
type Runner struct {
	Mode     Mode
	Dir      string
	Env      []string // appended to os.Environ()
	OnLine   func(line string) // used only in StreamPTY mode; may be nil
}

// Run executes name with args and waits for it to exit.
func (r Runner) Run(ctx context.Context, name string, args ...string) Result {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	switch r.Mode {
	case Inherit:
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return r.finish(ctx, cmd, cmd.Run())
	case Capture:
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		return r.finish(ctx, cmd, cmd.Run())
	case StreamPTY:
		return r.runPTY(ctx, cmd)
	default:
		return Result{Err: fmt.Errorf("unknown subprocess mode %d", r.Mode)}
	}
}

func (r Runner) runPTY(ctx context.Context, cmd *exec.Cmd) Result {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Result{Err: fmt.Errorf("start with pty: %w", err)}
	}
	defer ptmx.Close()

	done := make(chan struct{})
	go func() {
		streamLines(ptmx, r.OnLine)
		close(done)
	}()

	waitErr := cmd.Wait()
	<-done

	return r.finish(ctx, cmd, waitErr)
}

// finish reports cancellation as a typed, errors.As-discriminable
// *errs.Interrupted instead of folding it into the generic exit-code
// result: cmd.ProcessState reflects the signal the child was killed with,
// not why, and ctx.Err() is the only place that distinction is known.
func (r Runner) finish(ctx context.Context, cmd *exec.Cmd, err error) Result {
	if ctx.Err() != nil {
		return Result{ExitCode: -1, Err: &errs.Interrupted{Stage: cmd.String(), Err: ctx.Err()}}
	}
	return exitResult(err)
}

// streamLines reads from r, splitting on both '\n' and bare '\r' (progress
// bars rewrite a line with '\r' rather than advancing it), and delivers each
// complete, trimmed line to onLine.
func streamLines(r io.Reader, onLine func(string)) {
	if onLine == nil {
		io.Copy(io.Discard, r)
		return
	}

	buf := make([]byte, 4096)
	var acc string
	for {
		n, err := r.Read(buf)
		if n > 0 {
			acc += string(buf[:n])
			for {
				cr := strings.IndexByte(acc, '\r')
				nl := strings.IndexByte(acc, '\n')

				var line string
				found := false
				switch {
				case cr != -1 && (nl == -1 || cr < nl):
					line, acc, found = acc[:cr], acc[cr+1:], true
				case nl != -1:
					line, acc, found = acc[:nl], acc[nl+1:], true
				}
				if !found {
					break
				}
				if line = strings.TrimSpace(line); line != "" {
					onLine(line)
				}
			}
		}
		if err != nil {
			if line := strings.TrimSpace(acc); line != "" {
				onLine(line)
			}
			return
		}
	}
}

func exitResult(err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return Result{ExitCode: exitErr.ExitCode(), Err: err}
	}
	return Result{ExitCode: -1, Err: err}
}

func asExitError(err error, target **exec.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
