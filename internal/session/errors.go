package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates a Config that cannot be started.
	ErrInvalidConfig = errors.New("session: invalid config")
	// ErrAlreadyRunning indicates Start was called while a session runs.
	ErrAlreadyRunning = errors.New("session: already running")
	// ErrStopTimeout indicates the worker did not exit within the stop
	// bound, even after the engine was asked to stop.
	ErrStopTimeout = errors.New("session: worker did not exit before stop timeout")
)

// Phase names the engine step that failed.
type Phase string

const (
	PhaseCreate    Phase = "create"
	PhaseConfigure Phase = "configure"
	PhaseTopology  Phase = "topology"
	PhaseBridge    Phase = "bridge"
	PhaseRun       Phase = "run"
	PhaseDestroy   Phase = "destroy"
)

// EngineFault is a failure reported by the engine while building, running
// or tearing down a session.
type EngineFault struct {
	Phase    Phase
	HandleID uint64
	Err      error
}

func (f *EngineFault) Error() string {
	return fmt.Sprintf("session %d: engine %s failed: %v", f.HandleID, f.Phase, f.Err)
}

func (f *EngineFault) Unwrap() error { return f.Err }
