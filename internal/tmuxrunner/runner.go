// Package tmuxrunner is the thin session-runner contract of SPEC_FULL.md
// §5.4: three primitives over a detached terminal multiplexer, modeled on the
// subprocess-exec pattern of the teacher's agentic.DockerClient.
package tmuxrunner

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/coder/retry"
	"golang.org/x/xerrors"
)

// Runner is the session-runner contract. Implementations must satisfy this
// with no other primitives — the scheduler never reaches past it.
type Runner interface {
	Start(ctx context.Context, name, scriptPath string) error
	Exists(ctx context.Context, name string) bool
	Kill(ctx context.Context, name string) error
}

// Tmux is the production Runner backed by the tmux binary.
type Tmux struct {
	BinaryPath string
}

func New() *Tmux {
	return &Tmux{BinaryPath: "tmux"}
}

func (t *Tmux) bin() string {
	if t.BinaryPath == "" {
		return "tmux"
	}
	return t.BinaryPath
}

// Start launches a detached session named name running scriptPath under bash.
func (t *Tmux) Start(ctx context.Context, name, scriptPath string) error {
	if t.Exists(ctx, name) {
		return xerrors.Errorf("session %s already exists", name)
	}
	info, err := os.Stat(scriptPath)
	if err != nil {
		return xerrors.Errorf("stat script: %w", err)
	}
	if info.Mode()&0o111 == 0 {
		return xerrors.Errorf("script %s is not executable", scriptPath)
	}

	cmd := exec.CommandContext(ctx, t.bin(), "new-session", "-d", "-s", name, "bash", scriptPath)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("tmux new-session: %w: %s", err, stderr.String())
	}
	return nil
}

// Exists is a cheap liveness probe.
func (t *Tmux) Exists(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, t.bin(), "has-session", "-t", name)
	return cmd.Run() == nil
}

// Kill terminates the session and all its processes. tmux can transiently
// report a session as busy immediately after its controlled process exits,
// so this retries briefly before giving up.
func (t *Tmux) Kill(ctx context.Context, name string) error {
	var lastErr error
	r := retry.New(50*time.Millisecond, 200*time.Millisecond)
	for attempt := 0; attempt < 3; attempt++ {
		cmd := exec.CommandContext(ctx, t.bin(), "kill-session", "-t", name)
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Run(); err == nil {
			return nil
		} else {
			lastErr = xerrors.Errorf("tmux kill-session: %w: %s", err, stderr.String())
		}
		if !r.Wait(ctx) {
			break
		}
	}
	return lastErr
}
