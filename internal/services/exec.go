package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/bobarin/studyreel/internal/apperr"
)

// maxStderrTail bounds how much tool output is carried in an error.
const maxStderrTail = 2000

// CommandRunner runs an external binary. Tests swap it for a fake.
type CommandRunner interface {
	Run(ctx context.Context, dir, bin string, args ...string) (stdout []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.Bytes(), ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), fmt.Errorf("%s exited with code %d: %s", bin, exitErr.ExitCode(), tail(stderr.String(), maxStderrTail))
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", bin, err)
	}
	return stdout.Bytes(), nil
}

// tail keeps the last n runes of s, where tool errors usually are.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return "..." + string(r[len(r)-n:])
}

// commandError classifies a failed tool invocation. Context errors pass
// through unchanged so callers can tell a timeout from a tool failure.
func commandError(marker error, stage, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Wrap(marker, stage, op, op+" failed", err)
}
