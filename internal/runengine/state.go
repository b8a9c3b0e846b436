// Package runengine implements the run lifecycle state machine: opening
// and closing runs, routing frame/log/se-log/alarm messages into the
// currently open run that should collect them, and emitting the
// internally-generated warning logs (run resumed, incomplete frame, run
// aborted).
//
// Grounded on nexus-writer/src/run_engine/{run,engine}.rs (filtered from
// the retrieved original_source) and spec.md's state diagram; the open
// run queue is modelled as a flat slice with a name-to-index auxiliary
// map rather than a graph of cross-referencing owners, per design note
// 9.3.
package runengine

import (
	"errors"
	"fmt"
	"time"
)

// State is a run's position in its lifecycle.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Closed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Closed:
		return "Closed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Errors returned by run-stop / run-start validation (spec.md §4.5).
var (
	ErrStopTimeEarlierThanStartTime = errors.New("runengine: run stop time earlier than run start time")
	ErrStopCommandBeforeStartCommand = errors.New("runengine: run stop command references a run that was never started")
	ErrRunStopAlreadySet            = errors.New("runengine: run already has a stop time set")
)

// Parameters are the immutable-once-set identity and timing of a run.
type Parameters struct {
	RunName        string
	InstrumentName string
	Periods        uint32
	StartTime      time.Time
	// StopTime is the zero Time until a RunStop has been accepted.
	StopTime time.Time
	// CollectUntil is the point at which the run stops accepting new
	// frame/log messages: StopTime plus the engine's CollectUntilGrace
	// (once a stop is accepted), or the zero Time while the run is still
	// open-ended. The grace is a distinct,
	// separately-configured grace period from the frame cache's TTL —
	// the two must never be conflated (design note 9.2).
	CollectUntil time.Time
}

// HasStopTime reports whether a RunStop has been accepted for this run.
func (p Parameters) HasStopTime() bool {
	return !p.StopTime.IsZero()
}

// Run is a single in-flight or closed run and its NeXus file state.
type Run struct {
	Params Parameters
	State  State

	// FilePath is the local path of the run's .nxs file, set once the
	// NeXus structure has been initialised.
	FilePath string
}

// AcceptsMessageAt reports whether a message timestamped t should be
// routed into this run: collect_from <= t <= collect_until-or-open
// (spec.md §4.5 routing rule).
func (r *Run) AcceptsMessageAt(t time.Time) bool {
	if t.Before(r.Params.StartTime) {
		return false
	}
	if !r.Params.HasStopTime() {
		return true
	}
	return !t.After(r.Params.CollectUntil)
}

// Start transitions an Idle run into Running.
func (r *Run) Start() {
	r.State = Running
}

// RequestStop validates and records a run-stop request and, once the stop
// is accepted, transitions the run to Stopping. The caller (Engine)
// advances it to Closed once every frame up to CollectUntil has drained.
func (r *Run) RequestStop(stopTime time.Time, collectUntilGrace time.Duration) error {
	if r.Params.HasStopTime() {
		return ErrRunStopAlreadySet
	}
	if stopTime.Before(r.Params.StartTime) {
		return ErrStopTimeEarlierThanStartTime
	}
	r.Params.StopTime = stopTime
	r.Params.CollectUntil = stopTime.Add(collectUntilGrace)
	r.State = Stopping
	return nil
}

// Close transitions a Stopping run to Closed once its collection window
// has fully drained.
func (r *Run) Close() {
	r.State = Closed
}

// Abort transitions any non-terminal run to Aborted, e.g. on process
// shutdown with an incomplete run still open.
func (r *Run) Abort() {
	r.State = Aborted
}

// Resume transitions an Aborted run back to Running. It changes only the
// state; the run's parameters are left as they are.
func (r *Run) Resume() {
	r.State = Running
}

func (s State) terminal() bool {
	return s == Closed || s == Aborted
}

// validateRunName gives a readable error when a run-start message carries
// an empty run name; it guards against obviously malformed control
// messages rather than enforcing a facility-specific naming scheme.
func validateRunName(name string) error {
	if name == "" {
		return fmt.Errorf("runengine: run name must not be empty")
	}
	return nil
}
