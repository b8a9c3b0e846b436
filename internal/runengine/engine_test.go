package runengine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermusr/data-pipeline/internal/nexus"
	"github.com/supermusr/data-pipeline/internal/wire"
)

// fakeWriter records every call made against it instead of touching HDF5,
// so the engine's routing/state-machine logic can be tested without a
// real NeXus file.
type fakeWriter struct {
	path               string
	runStarts          []time.Time
	runStops           []time.Time
	frames             []wire.FrameAssembledEventList
	incompleteWarnings int
	resumeWarnings     int
	abortWarnings      int
	closed             bool
}

func (f *fakeWriter) InitialiseStructure(context.Context, string, string, uint32, uint32) error {
	return nil
}
func (f *fakeWriter) PushRunStart(_ context.Context, t time.Time) error {
	f.runStarts = append(f.runStarts, t)
	return nil
}
func (f *fakeWriter) PushRunStop(_ context.Context, t time.Time) error {
	f.runStops = append(f.runStops, t)
	return nil
}
func (f *fakeWriter) PushFrameEventList(_ context.Context, fr wire.FrameAssembledEventList) error {
	f.frames = append(f.frames, fr)
	return nil
}
func (f *fakeWriter) PushRunLogData(context.Context, wire.LogData) error                           { return nil }
func (f *fakeWriter) PushSampleEnvironmentLog(context.Context, wire.SampleEnvironmentData) error    { return nil }
func (f *fakeWriter) PushAlarm(context.Context, wire.Alarm) error                                   { return nil }
func (f *fakeWriter) PushRunResumeWarning(context.Context, time.Time, time.Time) error {
	f.resumeWarnings++
	return nil
}
func (f *fakeWriter) PushIncompleteFrameWarning(context.Context, wire.FrameAssembledEventList) error {
	f.incompleteWarnings++
	return nil
}
func (f *fakeWriter) PushAbortRunWarning(context.Context, uint32, time.Time) error {
	f.abortWarnings++
	return nil
}
func (f *fakeWriter) Close(context.Context) error { f.closed = true; return nil }
func (f *fakeWriter) Path() string                { return f.path }

func newTestEngine(t *testing.T) (*Engine, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{path: "test.nxs"}
	opener := func(context.Context, string, nexus.Settings, bool) (nexus.Writer, error) {
		return w, nil
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(log, nil, opener, nexus.Settings{LocalPath: "/tmp"}, 2*time.Second)
	return e, w
}

func TestEngine_RunStartOpensFileAndRunning(t *testing.T) {
	e, w := newTestEngine(t)
	ctx := context.Background()
	start := wire.RunStart{Timestamp: time.Unix(100, 0), RunName: "run1", InstrumentName: "MUSR", Periods: 1}

	err := e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStart, RunStart: &start})
	require.NoError(t, err)

	run, ok := e.runs.EarliestOpenByName("run1")
	require.True(t, ok)
	assert.Equal(t, Running, run.State)
	assert.Len(t, w.runStarts, 1)
}

func TestEngine_RunStopBeforeStartReturnsError(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	err := e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStop, RunStop: &wire.RunStop{RunName: "ghost", Timestamp: time.Unix(1, 0)}})
	assert.ErrorIs(t, err, ErrStopCommandBeforeStartCommand)
}

func TestEngine_RunStopTwiceReturnsAlreadySet(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	start := wire.RunStart{Timestamp: time.Unix(100, 0), RunName: "run1"}
	require.NoError(t, e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStart, RunStart: &start}))

	stop := wire.RunStop{RunName: "run1", Timestamp: time.Unix(200, 0)}
	require.NoError(t, e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStop, RunStop: &stop}))

	err := e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStop, RunStop: &stop})
	assert.ErrorIs(t, err, ErrRunStopAlreadySet)
}

func TestEngine_IncompleteFrameEmitsWarning(t *testing.T) {
	e, w := newTestEngine(t)
	ctx := context.Background()
	start := wire.RunStart{Timestamp: time.Unix(100, 0), RunName: "run1"}
	require.NoError(t, e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStart, RunStart: &start}))

	frame := wire.FrameAssembledEventList{
		Metadata:     wire.FrameMetadata{Timestamp: time.Unix(150, 0), FrameNumber: 1},
		DigitiserIDs: []uint8{1},
		Complete:     false,
	}
	require.NoError(t, e.Handle(ctx, MessageContext{}, Message{Kind: KindFrameEvent, FrameEvent: &frame}))
	assert.Equal(t, 1, w.incompleteWarnings)
	assert.Len(t, w.frames, 1)
}

func TestRun_AcceptsMessageAtRoutingRule(t *testing.T) {
	r := &Run{Params: Parameters{StartTime: time.Unix(100, 0)}}
	assert.False(t, r.AcceptsMessageAt(time.Unix(50, 0)))
	assert.True(t, r.AcceptsMessageAt(time.Unix(150, 0)))

	r.Params.StopTime = time.Unix(200, 0)
	r.Params.CollectUntil = time.Unix(205, 0)
	assert.True(t, r.AcceptsMessageAt(time.Unix(203, 0)))
	assert.False(t, r.AcceptsMessageAt(time.Unix(210, 0)))
}

func TestEngine_RunFileNameIncludesStartTimestamp(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	start := wire.RunStart{Timestamp: time.Unix(1, 0), RunName: "R"}
	require.NoError(t, e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStart, RunStart: &start}))

	run, ok := e.runs.EarliestOpenByName("R")
	require.True(t, ok)
	assert.Equal(t, "/tmp/R_1970-01-01T00:00:01Z.nxs", run.FilePath)
}

func TestEngine_CloseRunRenamesFileToCompletedPath(t *testing.T) {
	dir := t.TempDir()
	completedDir := filepath.Join(dir, "completed")
	require.NoError(t, os.MkdirAll(completedDir, 0o755))

	w := &fakeWriter{}
	opener := func(_ context.Context, path string, _ nexus.Settings, _ bool) (nexus.Writer, error) {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		w.path = path
		return w, nil
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(log, nil, opener, nexus.Settings{LocalPath: dir, LocalPathCompleted: completedDir}, 0)

	ctx := context.Background()
	start := wire.RunStart{Timestamp: time.Unix(1, 0), RunName: "R"}
	require.NoError(t, e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStart, RunStart: &start}))

	stop := wire.RunStop{RunName: "R", Timestamp: time.Unix(1, 0)}
	require.NoError(t, e.Handle(ctx, MessageContext{}, Message{Kind: KindRunStop, RunStop: &stop}))

	run, ok := e.runs.AnyByName("R")
	require.True(t, ok)
	e.maybeCloseRun(ctx, run)

	assert.True(t, w.closed)
	completed := filepath.Join(completedDir, "R_1970-01-01T00:00:01Z.nxs")
	_, err := os.Stat(completed)
	assert.NoError(t, err)
}

func TestOpenRuns_EarliestOpenByNameFIFO(t *testing.T) {
	o := NewOpenRuns()
	r1 := &Run{Params: Parameters{RunName: "a"}}
	r2 := &Run{Params: Parameters{RunName: "a"}}
	o.Push(r1)
	o.Push(r2)

	got, ok := o.EarliestOpenByName("a")
	require.True(t, ok)
	assert.Same(t, r1, got)

	r1.Params.StopTime = time.Unix(1, 0)
	got, ok = o.EarliestOpenByName("a")
	require.True(t, ok)
	assert.Same(t, r2, got)
}
