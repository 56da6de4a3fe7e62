// Package shell runs the system tools privileged actions delegate to
// (groupadd, useradd, systemctl, ...).
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Func runs name with args and returns its standard output.
type Func func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("`%s` exited with status %d: %s", e.Command, e.Code, e.Stderr)
	}
	return fmt.Sprintf("`%s` exited with status %d", e.Command, e.Code)
}

var (
	mu     sync.RWMutex
	runner Func = execute
)

// Run executes name with args and returns stdout. A non-zero exit is
// returned as *ExitError.
func Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	mu.RLock()
	f := runner
	mu.RUnlock()
	return f(ctx, name, args...)
}

// Eval executes name with args and returns true when it exits 0.
// A non-zero exit is not treated as a Go error; only execution failures are.
func Eval(ctx context.Context, name string, args ...string) (bool, error) {
	_, err := Run(ctx, name, args...)
	if err == nil {
		return true, nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// Replace swaps the command runner and returns a function restoring the
// previous one.
func Replace(f Func) (restore func()) {
	mu.Lock()
	prev := runner
	runner = f
	mu.Unlock()
	return func() {
		mu.Lock()
		runner = prev
		mu.Unlock()
	}
}

func execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	log.Debug().Str("command", line).Msg("Running command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &ExitError{
			Command: line,
			Code:    exitErr.ExitCode(),
			Stderr:  strings.TrimSpace(stderr.String()),
		}
	}
	return nil, fmt.Errorf("run `%s`: %w", line, err)
}
