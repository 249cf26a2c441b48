// Package tmuxtest provides a deterministic fake Runner for scheduler tests,
// mirroring the teacher's coderdtest helper-package convention.
package tmuxtest

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// Fake is an in-memory tmuxrunner.Runner. Tests drive session lifecycle
// directly (Vanish, errors) instead of spawning real processes.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]bool
	// StartErr, if set, is returned by Start instead of succeeding.
	StartErr error
	// KillErr, if set, is returned by Kill instead of succeeding.
	KillErr error
}

func New() *Fake {
	return &Fake{sessions: map[string]bool{}}
}

func (f *Fake) Start(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	if f.sessions[name] {
		return xerrors.Errorf("session %s already exists", name)
	}
	f.sessions[name] = true
	return nil
}

func (f *Fake) Exists(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func (f *Fake) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.KillErr != nil {
		return f.KillErr
	}
	delete(f.sessions, name)
	return nil
}

// Vanish simulates the controlled process (and its tmux session) exiting on
// its own, without a Kill call — the reconcile path's main trigger.
func (f *Fake) Vanish(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}
