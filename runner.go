package testbed

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Runner is the narrow adapter through which the engine reaches external OS
// utilities (kpartx, mount, rsync, screen, packer, ...). The
// engine never calls os/exec directly, so tests can substitute a recording
// fake.
type Runner interface {
	// Run executes a command, inheriting stdout/stderr.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and captures its stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// Tee executes a command in dir (or the current directory when dir is
	// empty), streaming stdout to the terminal while also capturing it.
	Tee(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}

func (ExecRunner) Tee(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var captured strings.Builder
	cmd.Stdout = io.MultiWriter(os.Stdout, &captured)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return captured.String(), fmt.Errorf("%s: %w", name, err)
	}
	return captured.String(), nil
}
