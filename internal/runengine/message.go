package runengine

import (
	"time"

	"github.com/supermusr/data-pipeline/internal/wire"
)

// Kind tags a Message's payload variant. The engine dispatches on Kind
// with a plain switch rather than a generic handler interface per
// message type (design note 9.3: tagged variant, not a trait object).
type Kind int

const (
	KindRunStart Kind = iota
	KindRunStop
	KindFrameEvent
	KindLogData
	KindSampleEnvironmentData
	KindAlarm
	KindTick
)

// MessageContext is the explicit context passed alongside a Message's
// payload at each handler entry point, replacing the source's
// span-wrapped domain types (design note 9.3: "context + payload" tuple).
type MessageContext struct {
	Topic      string
	Partition  int32
	Offset     int64
	ReceivedAt time.Time
}

// Message is the tagged union of everything the engine consumes: one of
// the seven Kind values below, carried in the field matching its Kind.
type Message struct {
	Kind Kind

	RunStart              *wire.RunStart
	RunStop                *wire.RunStop
	FrameEvent             *wire.FrameAssembledEventList
	LogData                *wire.LogData
	SampleEnvironmentData  *wire.SampleEnvironmentData
	Alarm                  *wire.Alarm
	TickAt                 time.Time
}
