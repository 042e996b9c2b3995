package tool

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// ShellBackend abstracts command execution.
type ShellBackend interface {
	// Execute runs a command and returns stdout, stderr, and any error.
	Execute(ctx context.Context, command string, args []string, workDir string) (stdout, stderr string, err error)
}

// LocalShellBackend executes commands on the local system without a shell
// interpreter; arguments are passed verbatim.
type LocalShellBackend struct {
	timeout time.Duration
}

// NewLocalShellBackend creates a local backend with the given per-command timeout.
func NewLocalShellBackend(timeout time.Duration) *LocalShellBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalShellBackend{timeout: timeout}
}

// Execute implements ShellBackend.
func (b *LocalShellBackend) Execute(ctx context.Context, command string, args []string, workDir string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = ctx.Err()
	}
	return stdout.String(), stderr.String(), err
}
