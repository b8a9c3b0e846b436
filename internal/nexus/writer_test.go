package nexus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	hdf5 "github.com/sbinet/go-hdf5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermusr/data-pipeline/internal/wire"
)

func testSettings(t *testing.T) Settings {
	t.Helper()
	dir := t.TempDir()
	return Settings{
		LocalPath:          dir,
		LocalPathCompleted: filepath.Join(dir, "completed"),
		Chunks:             DefaultChunkSizes(2, 4),
	}
}

// buildRunFile writes a complete two-frame run and closes it, returning the
// path it was written to along with the parameters used.
func buildRunFile(t *testing.T, settings Settings) (path string, start time.Time) {
	t.Helper()
	ctx := context.Background()
	path = filepath.Join(settings.LocalPath, "run1.nxs")

	w, err := Open(ctx, path, settings, false)
	require.NoError(t, err)

	require.NoError(t, w.InitialiseStructure(ctx, "run1", "MUSR", 1, 7))

	start = time.Unix(1700000000, 0).UTC()
	require.NoError(t, w.PushRunStart(ctx, start))

	frame1 := wire.FrameAssembledEventList{
		Metadata: wire.FrameMetadata{
			Timestamp:    start.Add(time.Second),
			FrameNumber:  1,
			PeriodNumber: 0,
			Running:      true,
		},
		DigitiserIDs: []uint8{0, 1},
		Events: wire.EventList{
			Time:      []float64{1.0, 2.0},
			Channel:   []uint32{0, 1},
			Intensity: []float64{10, 20},
		},
		Complete: true,
	}
	require.NoError(t, w.PushFrameEventList(ctx, frame1))

	frame2 := wire.FrameAssembledEventList{
		Metadata: wire.FrameMetadata{
			Timestamp:    start.Add(2 * time.Second),
			FrameNumber:  2,
			PeriodNumber: 0,
			Running:      true,
		},
		DigitiserIDs: []uint8{0},
		Events: wire.EventList{
			Time:      []float64{3.0},
			Channel:   []uint32{2},
			Intensity: []float64{30},
		},
		Complete: false,
	}
	require.NoError(t, w.PushFrameEventList(ctx, frame2))

	stop := start.Add(3 * time.Second)
	require.NoError(t, w.PushRunStop(ctx, stop))
	require.NoError(t, w.Close(ctx))
	return path, start
}

func TestWriter_FullRunLifecycleWritesDetectorDatasets(t *testing.T) {
	settings := testSettings(t)
	path, _ := buildRunFile(t, settings)

	h5, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	require.NoError(t, err)
	defer h5.Close()

	g, err := populateGroupStructure(h5, settings.Chunks)
	require.NoError(t, err)

	// frame1 contributed 2 events, frame2 contributed 1: 3 events total.
	n, err := datasetExtent(g.Detector.group, "event_id")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)

	// one per-frame sample per appendFrame call.
	n, err = datasetExtent(g.Detector.group, "frame_number")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	n, err = datasetExtent(g.Detector.group, "event_time_zero")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	runName, err := readStringAttr(g.entry, "run_name")
	require.NoError(t, err)
	assert.Equal(t, "run1", runName)

	idfVersion, err := readStringAttr(g.entry, "IDF_version")
	require.NoError(t, err)
	assert.Equal(t, "2", idfVersion)

	definition, err := readStringAttr(g.entry, "definition")
	require.NoError(t, err)
	assert.Equal(t, "NXtofraw", definition)

	runNumber, err := readUint32Attr(g.entry, "run_number")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), runNumber)

	instrumentName, err := readStringAttr(g.instrument, "name")
	require.NoError(t, err)
	assert.Equal(t, "MUSR", instrumentName)

	source, err := g.instrument.OpenGroup("source")
	require.NoError(t, err)
	probe, err := readStringAttr(source, "probe")
	require.NoError(t, err)
	assert.Equal(t, "neutron", probe)
}

func TestOpenForResume_ReconstructsRunIdentity(t *testing.T) {
	settings := testSettings(t)
	path, start := buildRunFile(t, settings)

	w, id, err := OpenForResume(context.Background(), path, settings)
	require.NoError(t, err)
	defer w.Close(context.Background())

	assert.Equal(t, "run1", id.RunName)
	assert.Equal(t, "MUSR", id.InstrumentName)
	assert.Equal(t, uint32(1), id.Periods)
	assert.True(t, start.Equal(id.StartTime), "want %s, got %s", start, id.StartTime)
}

func TestCompletedPath(t *testing.T) {
	settings := Settings{LocalPathCompleted: "/data/completed"}
	got := CompletedPath(settings, "run1_2024-01-01T00:00:00Z.nxs")
	assert.Equal(t, filepath.Join("/data/completed", "run1_2024-01-01T00:00:00Z.nxs"), got)
}
