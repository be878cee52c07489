package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// External tool runner (scanner CLIs, cloud CLI)
////////////////////////////////////////////////////////////////////////////////

type toolInvocation struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the process environment.
	Env []string
}

type toolOutcome struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

func (o toolOutcome) failed() bool {
	return o.ExitCode != 0
}

// summary is the tail of stderr (or stdout when stderr is empty).
func (o toolOutcome) summary() string {
	if len(bytes.TrimSpace(o.Stderr)) > 0 {
		return tailBytes(o.Stderr, toolOutputTailBytes)
	}
	return tailBytes(o.Stdout, toolOutputTailBytes)
}

// toolRunner runs one external tool. The returned error is non-nil only when
// the tool could not be started or was cancelled; a non-zero exit status is
// reported through toolOutcome.ExitCode.
type toolRunner interface {
	Run(ctx context.Context, inv toolInvocation) (toolOutcome, error)
}

type execToolRunner struct{}

func (execToolRunner) Run(ctx context.Context, inv toolInvocation) (toolOutcome, error) {
	started := time.Now()
	// #nosec G204 -- tool names come from operator configuration.
	cmd := exec.CommandContext(ctx, inv.Name, inv.Args...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outcome := toolOutcome{
		ExitCode: 0,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(started),
	}
	if err == nil {
		return outcome, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, fmt.Errorf("%s: %w", inv.Name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
		return outcome, nil
	}
	return outcome, fmt.Errorf("start %s: %w", inv.Name, err)
}

// redactArgs hides -D...token=... style values before args reach logs.
func redactArgs(args []string) string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		key, _, ok := strings.Cut(arg, "=")
		lower := strings.ToLower(key)
		if ok && (strings.Contains(lower, "token") || strings.Contains(lower, "password")) {
			out = append(out, key+"=****")
			continue
		}
		out = append(out, arg)
	}
	return strings.Join(out, " ")
}
