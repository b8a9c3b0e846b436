// Package nexus writes the pipeline's NeXus/HDF5 run files: the
// raw_data_1 entry, its instrument/periods/sample/runlog/selog/detector_1
// groups, and the dynamic per-source-name log sub-groups within
// runlog/selog. Every call against a given file is funnelled through one
// worker goroutine per open file so that two operations are never
// interleaved against the same underlying HDF5 handle (design note 9.4,
// "blocking off-thread").
//
// Grounded on nexus-writer/src/run_engine/settings.rs and
// nexus_structure/entry/runlog.rs; built on github.com/sbinet/go-hdf5,
// named as an out-of-pack dependency since no example repo carries an
// HDF5 binding.
package nexus

// ChunkSizes are the per-dataset-kind HDF5 chunk sizes. Defaults mirror
// run_engine/settings.rs's ChunkSizeSettings::new, which the spec leaves
// unspecified.
type ChunkSizes struct {
	Frame  int
	Event  int
	Period int
	RunLog int
	SELog  int
	Alarm  int
}

// DefaultChunkSizes returns the original implementation's defaults for
// the chunk kinds it does not derive from frame/event settings directly.
func DefaultChunkSizes(frame, event int) ChunkSizes {
	return ChunkSizes{
		Frame:  frame,
		Event:  event,
		Period: 8,
		RunLog: 64,
		SELog:  1024,
		Alarm:  32,
	}
}

// TypeDescriptor names a log's value type. Callers pass a fixed
// descriptor per log; it is not inferred from the samples. appendSample
// accepts the descriptor but does not use it: every numeric sample is
// written to a float64 "value" dataset whatever the descriptor says.
type TypeDescriptor int

const (
	TypeFloat32 TypeDescriptor = iota
	TypeFloat64
	TypeInt32
	TypeVarLenString
)

// Internally-generated runlog names and types (nexus_structure/entry/runlog.rs).
const (
	RunResumedLogName        = "SuperMuSRDataPipeline_RunResumed"
	IncompleteFrameLogName   = "SuperMuSRDataPipeline_DigitisersPresentInIncompleteFrame"
	RunAbortedLogName        = "SuperMuSRDataPipeline_RunAborted"
)

// Settings bundles everything a Writer needs to lay out a new run file.
type Settings struct {
	LocalPath          string
	LocalPathCompleted string
	ArchivePath        string
	Chunks             ChunkSizes
}
