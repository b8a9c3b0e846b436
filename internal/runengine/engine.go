package runengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/supermusr/data-pipeline/internal/nexus"
	"github.com/supermusr/data-pipeline/internal/wire"
)

// Metrics receives the engine's failure/throughput counters. Implemented
// by internal/metrics; kept as an interface here so the engine's tests
// don't need a live OTel meter provider.
type Metrics interface {
	IncFileWriteFailed()
	IncFramesSent()
	IncMessagesProcessed()
	SetLastMessageTimestamp(time.Time)
	SetLastMessageFrameNumber(uint32)
}

type noopMetrics struct{}

func (noopMetrics) IncFileWriteFailed()                {}
func (noopMetrics) IncFramesSent()                     {}
func (noopMetrics) IncMessagesProcessed()               {}
func (noopMetrics) SetLastMessageTimestamp(time.Time)  {}
func (noopMetrics) SetLastMessageFrameNumber(uint32)   {}

// FileOpener abstracts nexus.Open so the engine's tests can substitute an
// in-memory Writer.
type FileOpener func(ctx context.Context, path string, settings nexus.Settings, resume bool) (nexus.Writer, error)

// Engine drives the run lifecycle state machine: it owns the queue of
// open runs and the NeXus writer for each, routes incoming messages to
// the run(s) that should collect them, and emits the internally
// generated warning logs.
//
// An Engine is owned exclusively by the consumer goroutine that calls
// Handle; like frame.Cache it holds no internal locking.
type Engine struct {
	log      *slog.Logger
	metrics  Metrics
	open     FileOpener
	settings nexus.Settings

	runs    *OpenRuns
	writers map[*Run]nexus.Writer

	// runCounter assigns each run processed in this engine's lifetime an
	// incrementing run_number for the NeXus file's identity attributes.
	runCounter uint32

	// CollectUntilGrace is the separately-configured grace period added
	// to a run's stop time to decide when it truly stops collecting
	// messages. This is NOT the frame cache's TTL (design note 9.2) --
	// the two must never be conflated.
	CollectUntilGrace time.Duration
}

// NewEngine constructs an Engine. metrics may be nil, in which case
// counters are discarded.
func NewEngine(log *slog.Logger, metrics Metrics, open FileOpener, settings nexus.Settings, collectUntilGrace time.Duration) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		log:               log,
		metrics:           metrics,
		open:              open,
		settings:          settings,
		runs:              NewOpenRuns(),
		writers:           make(map[*Run]nexus.Writer),
		CollectUntilGrace: collectUntilGrace,
	}
}

// Handle dispatches a single message to the run(s) it concerns. Decoding
// is the caller's responsibility. Handle returns run-start/run-stop
// validation errors and unknown-kind errors; HDF5 write failures are
// logged and counted instead of returned, and never abort the run.
func (e *Engine) Handle(ctx context.Context, mctx MessageContext, msg Message) error {
	e.metrics.IncMessagesProcessed()
	switch msg.Kind {
	case KindRunStart:
		return e.handleRunStart(ctx, *msg.RunStart)
	case KindRunStop:
		return e.handleRunStop(ctx, *msg.RunStop)
	case KindFrameEvent:
		return e.handleFrameEvent(ctx, *msg.FrameEvent)
	case KindLogData:
		return e.handleLogData(ctx, *msg.LogData)
	case KindSampleEnvironmentData:
		return e.handleSampleEnvironmentData(ctx, *msg.SampleEnvironmentData)
	case KindAlarm:
		return e.handleAlarm(ctx, *msg.Alarm)
	case KindTick:
		return e.handleTick(ctx, msg.TickAt)
	default:
		return fmt.Errorf("runengine: unknown message kind %d", msg.Kind)
	}
}

func (e *Engine) handleRunStart(ctx context.Context, start wire.RunStart) error {
	if err := validateRunName(start.RunName); err != nil {
		return err
	}

	path := fmt.Sprintf("%s/%s_%s.nxs", e.settings.LocalPath, start.RunName, start.Timestamp.UTC().Format(time.RFC3339))
	w, err := e.open(ctx, path, e.settings, false)
	if err != nil {
		e.metrics.IncFileWriteFailed()
		e.log.Error("failed to open nexus file for new run", slog.String("run", start.RunName), slog.Any("error", err))
		return nil
	}

	run := &Run{
		Params: Parameters{
			RunName:        start.RunName,
			InstrumentName: start.InstrumentName,
			Periods:        start.Periods,
			StartTime:      start.Timestamp,
		},
		State:    Running,
		FilePath: path,
	}
	e.runs.Push(run)

	e.runCounter++
	if err := w.InitialiseStructure(ctx, start.RunName, start.InstrumentName, start.Periods, e.runCounter); err != nil {
		e.countWriteFailure(start.RunName, err)
	}
	if err := w.PushRunStart(ctx, start.Timestamp); err != nil {
		e.countWriteFailure(start.RunName, err)
	}
	e.writers[run] = w
	return nil
}

func (e *Engine) handleRunStop(ctx context.Context, stop wire.RunStop) error {
	if _, anyExists := e.runs.AnyByName(stop.RunName); !anyExists {
		return ErrStopCommandBeforeStartCommand
	}
	target, ok := e.runs.EarliestOpenByName(stop.RunName)
	if !ok {
		// every run with this name already has a stop time: surface the
		// specific conflict rather than the generic "never started" error.
		return ErrRunStopAlreadySet
	}

	if err := target.RequestStop(stop.Timestamp, e.CollectUntilGrace); err != nil {
		return err
	}

	w := e.writers[target]
	if w == nil {
		return nil
	}
	if err := w.PushRunStop(ctx, stop.Timestamp); err != nil {
		e.countWriteFailure(stop.RunName, err)
	}
	return nil
}

func (e *Engine) handleFrameEvent(ctx context.Context, frame wire.FrameAssembledEventList) error {
	run := e.findCollectingRun(frame.Metadata.Timestamp)
	if run == nil {
		return nil
	}
	w := e.writers[run]
	if w == nil {
		return nil
	}

	if err := w.PushFrameEventList(ctx, frame); err != nil {
		e.countWriteFailure(run.Params.RunName, err)
	} else {
		e.metrics.IncFramesSent()
	}
	e.metrics.SetLastMessageTimestamp(frame.Metadata.Timestamp)
	e.metrics.SetLastMessageFrameNumber(frame.Metadata.FrameNumber)

	if !frame.Complete {
		if err := w.PushIncompleteFrameWarning(ctx, frame); err != nil {
			e.countWriteFailure(run.Params.RunName, err)
		}
	}

	e.maybeCloseRun(ctx, run)
	return nil
}

func (e *Engine) handleLogData(ctx context.Context, log wire.LogData) error {
	run := e.findCollectingRun(log.Timestamp)
	if run == nil {
		return nil
	}
	if w := e.writers[run]; w != nil {
		if err := w.PushRunLogData(ctx, log); err != nil {
			e.countWriteFailure(run.Params.RunName, err)
		}
	}
	return nil
}

func (e *Engine) handleSampleEnvironmentData(ctx context.Context, log wire.SampleEnvironmentData) error {
	if len(log.Timestamps) == 0 {
		return nil
	}
	run := e.findCollectingRun(log.Timestamps[0])
	if run == nil {
		return nil
	}
	if w := e.writers[run]; w != nil {
		if err := w.PushSampleEnvironmentLog(ctx, log); err != nil {
			e.countWriteFailure(run.Params.RunName, err)
		}
	}
	return nil
}

func (e *Engine) handleAlarm(ctx context.Context, alarm wire.Alarm) error {
	run := e.findCollectingRun(alarm.Timestamp)
	if run == nil {
		return nil
	}
	if w := e.writers[run]; w != nil {
		if err := w.PushAlarm(ctx, alarm); err != nil {
			e.countWriteFailure(run.Params.RunName, err)
		}
	}
	return nil
}

// handleTick handles a KindTick message: Stopping runs whose collection
// window has elapsed as of at are closed without waiting for a further
// frame message to trigger the check. The engine does not schedule ticks
// itself, and nothing in cmd/runengine sends KindTick messages.
func (e *Engine) handleTick(ctx context.Context, at time.Time) error {
	for _, run := range e.runs.All() {
		if run.State == Stopping && at.After(run.Params.CollectUntil) {
			e.maybeCloseRun(ctx, run)
		}
	}
	return nil
}

func (e *Engine) maybeCloseRun(ctx context.Context, run *Run) {
	if run.State != Stopping {
		return
	}
	if !time.Now().After(run.Params.CollectUntil) {
		return
	}
	run.Close()
	if w := e.writers[run]; w != nil {
		if err := w.Close(ctx); err != nil {
			e.countWriteFailure(run.Params.RunName, err)
		} else {
			completed := nexus.CompletedPath(e.settings, filepath.Base(run.FilePath))
			if err := os.Rename(run.FilePath, completed); err != nil {
				e.countWriteFailure(run.Params.RunName, err)
			} else {
				run.FilePath = completed
			}
		}
		delete(e.writers, run)
	}
	e.runs.Remove(run)
}

// findCollectingRun returns the run that should receive a message
// timestamped t, per the routing rule collect_from <= t <=
// collect_until-or-open. When more than one run could accept it (should
// not occur under correct input, but is possible during overlap at a
// run boundary), the earliest-started run wins.
func (e *Engine) findCollectingRun(t time.Time) *Run {
	for _, run := range e.runs.All() {
		if run.State != Running && run.State != Stopping {
			continue
		}
		if run.AcceptsMessageAt(t) {
			return run
		}
	}
	return nil
}

func (e *Engine) countWriteFailure(runName string, err error) {
	e.metrics.IncFileWriteFailed()
	e.log.Error("nexus file write failed", slog.String("run", runName), slog.Any("error", err))
}

// Abort transitions every still-open run to Aborted, e.g. on process
// shutdown, recording a run-aborted warning log against each one first.
func (e *Engine) Abort(ctx context.Context, at time.Time) {
	for _, run := range e.runs.All() {
		if run.State != Running && run.State != Stopping {
			continue
		}
		if w := e.writers[run]; w != nil {
			if err := w.PushAbortRunWarning(ctx, 0, at); err != nil {
				e.countWriteFailure(run.Params.RunName, err)
			}
			_ = w.Close(ctx)
			delete(e.writers, run)
		}
		run.Abort()
		e.runs.Remove(run)
	}
}

// Resume reinstates a run left open by an earlier process as a new
// Running run with the given parameters and writer, recording a
// run-resumed warning log. The reconstruction of RunParameters from file attributes is left to
// the caller (cmd/runengine's startup scan); Resume only performs the
// state transition and warning-log emission once those parameters are
// known.
func (e *Engine) Resume(ctx context.Context, params Parameters, w nexus.Writer, pausedAt, resumedAt time.Time) error {
	run := &Run{Params: params, State: Running, FilePath: w.Path()}
	e.runs.Push(run)
	e.writers[run] = w
	if err := w.PushRunResumeWarning(ctx, pausedAt, resumedAt); err != nil {
		e.countWriteFailure(params.RunName, err)
	}
	return nil
}
