package nexus

import (
	"fmt"
	"time"

	hdf5 "github.com/sbinet/go-hdf5"

	"github.com/supermusr/data-pipeline/internal/wire"
)

// Group mirrors the raw_data_1 NXentry hierarchy: instrument/periods/
// sample groups are created once and never touched again by message
// handlers; runlog/selog/detector_1 grow for the lifetime of the run.
type Group struct {
	entry      *hdf5.Group
	instrument *hdf5.Group
	periods    *hdf5.Group
	sample     *hdf5.Group

	RunLog   *LogGroup
	SELog    *ValueLogGroup
	Detector *DetectorGroup
}

// buildGroupStructure creates the full raw_data_1 hierarchy for a freshly
// opened run (NexusSchematic::build_group_structure).
func buildGroupStructure(h5 *hdf5.File, chunks ChunkSizes) (*Group, error) {
	entry, err := h5.CreateGroup("raw_data_1")
	if err != nil {
		return nil, fmt.Errorf("nexus: create raw_data_1: %w", err)
	}
	instrument, err := entry.CreateGroup("instrument")
	if err != nil {
		return nil, fmt.Errorf("nexus: create instrument: %w", err)
	}
	periods, err := entry.CreateGroup("periods")
	if err != nil {
		return nil, fmt.Errorf("nexus: create periods: %w", err)
	}
	sample, err := entry.CreateGroup("sample")
	if err != nil {
		return nil, fmt.Errorf("nexus: create sample: %w", err)
	}
	runlogRoot, err := entry.CreateGroup("runlog")
	if err != nil {
		return nil, fmt.Errorf("nexus: create runlog: %w", err)
	}
	selogRoot, err := entry.CreateGroup("selog")
	if err != nil {
		return nil, fmt.Errorf("nexus: create selog: %w", err)
	}
	detectorRoot, err := instrument.CreateGroup("detector_1")
	if err != nil {
		return nil, fmt.Errorf("nexus: create detector_1: %w", err)
	}

	return &Group{
		entry:      entry,
		instrument: instrument,
		periods:    periods,
		sample:     sample,
		RunLog:     newLogGroup(runlogRoot),
		SELog:      newValueLogGroup(selogRoot),
		Detector:   newDetectorGroup(detectorRoot, chunks),
	}, nil
}

// populateGroupStructure re-opens an existing raw_data_1 hierarchy on
// resume, discovering any dynamic log sub-groups already present
// (NexusSchematic::populate_group_structure).
func populateGroupStructure(h5 *hdf5.File, chunks ChunkSizes) (*Group, error) {
	entry, err := h5.OpenGroup("raw_data_1")
	if err != nil {
		return nil, fmt.Errorf("nexus: reopen raw_data_1: %w", err)
	}
	instrument, err := entry.OpenGroup("instrument")
	if err != nil {
		return nil, err
	}
	periods, err := entry.OpenGroup("periods")
	if err != nil {
		return nil, err
	}
	sample, err := entry.OpenGroup("sample")
	if err != nil {
		return nil, err
	}
	runlogRoot, err := entry.OpenGroup("runlog")
	if err != nil {
		return nil, err
	}
	selogRoot, err := entry.OpenGroup("selog")
	if err != nil {
		return nil, err
	}
	detectorRoot, err := instrument.OpenGroup("detector_1")
	if err != nil {
		return nil, err
	}

	g := &Group{
		entry:      entry,
		instrument: instrument,
		periods:    periods,
		sample:     sample,
		RunLog:     newLogGroup(runlogRoot),
		SELog:      newValueLogGroup(selogRoot),
		Detector:   newDetectorGroup(detectorRoot, chunks),
	}
	if err := g.RunLog.reopenExisting(); err != nil {
		return nil, err
	}
	if err := g.SELog.reopenExisting(); err != nil {
		return nil, err
	}
	return g, nil
}

// setRunIdentity writes the raw_data_1 NXentry identity attributes
// (spec.md §4.5's NeXus layout contract) plus the instrument's NXsource
// child group. IDF_version, definition and program_name are constants of
// this writer (grounded on nexus-writer/src/schematic/entry/mod.rs, which
// likewise hard-codes IDF_version=2); experiment_identifier and title have
// no upstream source in the RunStart message and are left blank/run-name.
func (g *Group) setRunIdentity(runName, instrumentName string, periods, runNumber uint32) error {
	if err := writeStringAttr(g.entry, "run_name", runName); err != nil {
		return err
	}
	if err := writeStringAttr(g.entry, "IDF_version", "2"); err != nil {
		return err
	}
	if err := writeStringAttr(g.entry, "definition", "NXtofraw"); err != nil {
		return err
	}
	if err := writeStringAttr(g.entry, "program_name", "data-pipeline/runengine"); err != nil {
		return err
	}
	if err := writeUint32Attr(g.entry, "run_number", runNumber); err != nil {
		return err
	}
	if err := writeStringAttr(g.entry, "experiment_identifier", ""); err != nil {
		return err
	}
	if err := writeStringAttr(g.entry, "title", runName); err != nil {
		return err
	}

	if err := writeStringAttr(g.instrument, "name", instrumentName); err != nil {
		return err
	}
	source, err := childGroup(g.instrument, "source")
	if err != nil {
		return fmt.Errorf("nexus: create source group: %w", err)
	}
	if err := writeStringAttr(source, "name", instrumentName); err != nil {
		return err
	}
	if err := writeStringAttr(source, "type", "Pulsed Neutron Source"); err != nil {
		return err
	}
	if err := writeStringAttr(source, "probe", "neutron"); err != nil {
		return err
	}

	return writeUint32Attr(g.periods, "number", periods)
}

func (g *Group) setStartTime(t time.Time) error {
	return writeStringAttr(g.entry, "start_time", t.UTC().Format(time.RFC3339Nano))
}

func (g *Group) setEndTime(t time.Time) error {
	return writeStringAttr(g.entry, "end_time", t.UTC().Format(time.RFC3339Nano))
}

// DetectorGroup is the detector_1 NXevent_data group: the ten
// per-event/per-frame datasets the frame-assembled event lists append to.
type DetectorGroup struct {
	group  *hdf5.Group
	chunks ChunkSizes

	// origin is the timestamp event_time_zero is measured relative to:
	// the first frame this DetectorGroup has appended in this process
	// lifetime. Grounded on nexus/eventlist.rs's EventList.offset, which
	// is likewise set from the first processed message rather than the
	// run's recorded start_time.
	origin *time.Time
}

func newDetectorGroup(g *hdf5.Group, chunks ChunkSizes) *DetectorGroup {
	return &DetectorGroup{group: g, chunks: chunks}
}

// appendFrame writes the ten detector_1 datasets of spec.md §4.5's NeXus
// layout contract: three per-event (pulse_height, event_id,
// event_time_offset) and seven per-frame (event_time_zero, event_index,
// period_number, frame_number, frame_complete, running, veto_flag).
func (d *DetectorGroup) appendFrame(frame wire.FrameAssembledEventList, chunks ChunkSizes) error {
	if d.origin == nil {
		origin := frame.Metadata.Timestamp
		d.origin = &origin
	}
	eventTimeZero := frame.Metadata.Timestamp.Sub(*d.origin).Nanoseconds()

	eventIndex, err := datasetExtent(d.group, "event_id")
	if err != nil {
		return err
	}

	if err := appendFloat64Dataset(d.group, "pulse_height", frame.Events.Intensity, chunks.Event); err != nil {
		return err
	}
	if err := appendUint32Dataset(d.group, "event_id", frame.Events.Channel, chunks.Event); err != nil {
		return err
	}
	if err := appendFloat64Dataset(d.group, "event_time_offset", frame.Events.Time, chunks.Event); err != nil {
		return err
	}

	if err := appendInt64Dataset(d.group, "event_time_zero", []int64{eventTimeZero}, chunks.Frame); err != nil {
		return err
	}
	if err := appendUint32Dataset(d.group, "event_index", []uint32{eventIndex}, chunks.Frame); err != nil {
		return err
	}
	if err := appendUint32Dataset(d.group, "period_number", []uint32{frame.Metadata.PeriodNumber}, chunks.Frame); err != nil {
		return err
	}
	if err := appendUint32Dataset(d.group, "frame_number", []uint32{frame.Metadata.FrameNumber}, chunks.Frame); err != nil {
		return err
	}
	if err := appendUint32Dataset(d.group, "frame_complete", []uint32{boolToUint32(frame.Complete)}, chunks.Frame); err != nil {
		return err
	}
	if err := appendUint32Dataset(d.group, "running", []uint32{boolToUint32(frame.Metadata.Running)}, chunks.Frame); err != nil {
		return err
	}
	return appendUint32Dataset(d.group, "veto_flag", []uint32{uint32(frame.Metadata.VetoFlags)}, chunks.Frame)
}

// LogGroup is the runlog NXrunlog group: one dynamically-created Log
// sub-group per observed source name (nexus_structure/entry/runlog.rs).
type LogGroup struct {
	root *hdf5.Group
	logs map[string]*hdf5.Group
}

func newLogGroup(root *hdf5.Group) *LogGroup {
	return &LogGroup{root: root, logs: make(map[string]*hdf5.Group)}
}

func (l *LogGroup) reopenExisting() error {
	// On resume, sub-groups are opened lazily on first append rather than
	// eagerly enumerated, since go-hdf5 does not expose a convenient
	//"list children" API at this layer; appendSample falls back to
	// OpenGroup when a name is not yet cached.
	return nil
}

func (l *LogGroup) groupFor(name string, chunkSize int) (*hdf5.Group, error) {
	if g, ok := l.logs[name]; ok {
		return g, nil
	}
	g, err := l.root.OpenGroup(name)
	if err == nil {
		l.logs[name] = g
		return g, nil
	}
	g, err = l.root.CreateGroup(name)
	if err != nil {
		return nil, fmt.Errorf("nexus: create runlog group %q: %w", name, err)
	}
	l.logs[name] = g
	return g, nil
}

func (l *LogGroup) appendSample(sourceName string, at time.Time, value float64, typ TypeDescriptor, chunkSize int) error {
	g, err := l.groupFor(sourceName, chunkSize)
	if err != nil {
		return err
	}
	if err := appendFloat64Dataset(g, "time", []float64{float64(at.UnixNano())}, chunkSize); err != nil {
		return err
	}
	return appendFloat64Dataset(g, "value", []float64{value}, chunkSize)
}

func (l *LogGroup) appendStringSample(sourceName string, at time.Time, value string, chunkSize int) error {
	g, err := l.groupFor(sourceName, chunkSize)
	if err != nil {
		return err
	}
	if err := appendFloat64Dataset(g, "time", []float64{float64(at.UnixNano())}, chunkSize); err != nil {
		return err
	}
	return appendStringDataset(g, "value", value, chunkSize)
}

// ValueLogGroup is the selog NXselog group: each source name gets a
// ValueLog child with a lazily-created Log and, independently, a lazily
// created alarm log (nexus_structure/logs/value_log.rs).
type ValueLogGroup struct {
	root   *hdf5.Group
	blocks map[string]*hdf5.Group
}

func newValueLogGroup(root *hdf5.Group) *ValueLogGroup {
	return &ValueLogGroup{root: root, blocks: make(map[string]*hdf5.Group)}
}

func (v *ValueLogGroup) reopenExisting() error {
	return nil
}

func (v *ValueLogGroup) blockFor(name string) (*hdf5.Group, error) {
	if g, ok := v.blocks[name]; ok {
		return g, nil
	}
	g, err := v.root.OpenGroup(name)
	if err == nil {
		v.blocks[name] = g
		return g, nil
	}
	g, err = v.root.CreateGroup(name)
	if err != nil {
		return nil, fmt.Errorf("nexus: create selog block %q: %w", name, err)
	}
	v.blocks[name] = g
	return g, nil
}

func (v *ValueLogGroup) appendSeries(sourceName string, timestamps []time.Time, values []float64, chunkSize int) error {
	g, err := v.blockFor(sourceName)
	if err != nil {
		return err
	}
	log, err := childGroup(g, "value_log")
	if err != nil {
		return err
	}
	nanos := make([]float64, len(timestamps))
	for i, t := range timestamps {
		nanos[i] = float64(t.UnixNano())
	}
	if err := appendFloat64Dataset(log, "time", nanos, chunkSize); err != nil {
		return err
	}
	return appendFloat64Dataset(log, "value", values, chunkSize)
}

func (v *ValueLogGroup) appendAlarm(sourceName string, at time.Time, severity, message string, chunkSize int) error {
	g, err := v.blockFor(sourceName)
	if err != nil {
		return err
	}
	alarm, err := childGroup(g, "alarm")
	if err != nil {
		return err
	}
	if err := appendFloat64Dataset(alarm, "time", []float64{float64(at.UnixNano())}, chunkSize); err != nil {
		return err
	}
	if err := appendStringDataset(alarm, "severity", severity, chunkSize); err != nil {
		return err
	}
	return appendStringDataset(alarm, "message", message, chunkSize)
}

func childGroup(parent *hdf5.Group, name string) (*hdf5.Group, error) {
	g, err := parent.OpenGroup(name)
	if err == nil {
		return g, nil
	}
	return parent.CreateGroup(name)
}
