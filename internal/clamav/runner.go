package clamav

import (
	"context"
	"errors"
	"os/exec"
)

// Runner executes an external command and returns its combined output and
// exit code. A non-zero exit is not an error; failing to start one is.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (output []byte, exitCode int, err error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err == nil {
		return out, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, exitErr.ExitCode(), nil
	}
	return out, -1, err
}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
