// Package wire decodes and encodes the flatbuffer message payloads carried
// on the pipeline's Kafka topics. Each payload is prefixed by a 4-byte
// schema magic identifying the message kind, followed by the flatbuffer
// table itself. The accessors here are hand-written against
// github.com/google/flatbuffers/go's Builder/Table primitives rather than
// generated from .fbs schemas.
package wire

import (
	"fmt"
	"time"
)

// Schema magics, one per message kind carried on the pipeline's topics.
const (
	MagicDigitiserEventList      = "de00"
	MagicFrameAssembledEventList = "fe00"
	MagicRunStart                = "run0"
	MagicRunStop                 = "rst0"
	MagicLogData                 = "f144"
	MagicSampleEnvironmentData   = "se00"
	MagicAlarm                   = "al00"
)

// ErrUnknownSchema is returned by Decode when the 4-byte prefix does not
// match any known schema magic.
type ErrUnknownSchema struct {
	Magic string
}

func (e ErrUnknownSchema) Error() string {
	return fmt.Sprintf("wire: unknown schema magic %q", e.Magic)
}

// SchemaOf returns the 4-byte schema magic prefixing b, or "unknown" if b
// is too short to carry one. Used for metric labelling only; Decode does
// its own validated extraction.
func SchemaOf(b []byte) string {
	if len(b) < 4 {
		return "unknown"
	}
	return string(b[:4])
}

// FrameMetadata identifies a single detector frame and carries the
// accumulated veto state for it. Equality is defined by (Timestamp,
// FrameNumber) alone; PeriodNumber, ProtonsPerPulse and Running are
// descriptive, not identifying.
type FrameMetadata struct {
	Timestamp       time.Time
	FrameNumber     uint32
	PeriodNumber    uint32
	ProtonsPerPulse uint32
	Running         bool
	VetoFlags       uint16
}

// SameFrame reports whether m and other identify the same frame.
func (m FrameMetadata) SameFrame(other FrameMetadata) bool {
	return m.FrameNumber == other.FrameNumber && m.Timestamp.Equal(other.Timestamp)
}

// EventList is a flat, equal-length triple of time-of-flight, channel and
// intensity measurements for a single digitiser's contribution to a frame.
type EventList struct {
	Time      []float64
	Channel   []uint32
	Intensity []float64
}

// Len reports the number of events, or -1 if the three slices disagree in
// length.
func (e EventList) Len() int {
	n := len(e.Time)
	if len(e.Channel) != n || len(e.Intensity) != n {
		return -1
	}
	return n
}

// DigitiserEventList is a single digitiser's contribution towards a frame.
type DigitiserEventList struct {
	DigitiserID uint8
	Metadata    FrameMetadata
	Events      EventList
}

// FrameAssembledEventList is the aggregator's completed (or forcibly
// expired) output: every digitiser's events concatenated in ascending
// digitiser-id order.
type FrameAssembledEventList struct {
	Metadata     FrameMetadata
	DigitiserIDs []uint8
	Events       EventList
	Complete     bool
}

// RunStart requests a new run be opened under the given name.
type RunStart struct {
	Timestamp   time.Time
	RunName     string
	InstrumentName string
	Periods     uint32
}

// RunStop requests the named, currently-open run be closed at the given
// collection boundary.
type RunStop struct {
	Timestamp time.Time
	RunName   string
}

// LogData is a single named f144 run-log sample.
type LogData struct {
	Timestamp time.Time
	SourceName string
	Value     float64
}

// SampleEnvironmentData is a single se00 sample-environment log sample.
type SampleEnvironmentData struct {
	Timestamp  time.Time
	SourceName string
	Values     []float64
	Timestamps []time.Time
}

// Alarm is an al00 alarm-state transition for a named source.
type Alarm struct {
	Timestamp  time.Time
	SourceName string
	Severity   string
	Message    string
}
