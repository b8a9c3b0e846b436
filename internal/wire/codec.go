package wire

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
)

// field vtable offsets, laid out the way flatc would number them for each
// table. Kept private: callers never see offsets, only the Go struct types
// in wire.go.
const (
	deFieldDigitiserID = 4
	deFieldTimestamp   = 6
	deFieldFrameNumber = 8
	deFieldPeriod      = 10
	deFieldProtons     = 12
	deFieldRunning     = 14
	deFieldVeto        = 16
	deFieldTime        = 18
	deFieldChannel     = 20
	deFieldIntensity   = 22

	feFieldTimestamp    = 4
	feFieldFrameNumber  = 6
	feFieldPeriod       = 8
	feFieldProtons      = 10
	feFieldRunning      = 12
	feFieldVeto         = 14
	feFieldComplete     = 16
	feFieldDigitiserIDs = 18
	feFieldTime         = 20
	feFieldChannel      = 22
	feFieldIntensity    = 24

	rsFieldTimestamp  = 4
	rsFieldRunName    = 6
	rsFieldInstrument = 8
	rsFieldPeriods    = 10

	rpFieldTimestamp = 4
	rpFieldRunName   = 6

	ldFieldTimestamp  = 4
	ldFieldSourceName = 6
	ldFieldValue      = 8

	seFieldSourceName = 4
	seFieldValues     = 6
	seFieldTimestamps = 8

	alFieldTimestamp  = 4
	alFieldSourceName = 6
	alFieldSeverity   = 8
	alFieldMessage    = 10
)

func tsToNanos(t time.Time) int64 { return t.UnixNano() }
func nanosToTS(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// Encode serializes msg into a schema-magic-prefixed flatbuffer payload
// suitable for publishing to a Kafka topic.
func Encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case DigitiserEventList:
		return encodeWithMagic(MagicDigitiserEventList, encodeDigitiserEventList(m)), nil
	case FrameAssembledEventList:
		return encodeWithMagic(MagicFrameAssembledEventList, encodeFrameAssembledEventList(m)), nil
	case RunStart:
		return encodeWithMagic(MagicRunStart, encodeRunStart(m)), nil
	case RunStop:
		return encodeWithMagic(MagicRunStop, encodeRunStop(m)), nil
	case LogData:
		return encodeWithMagic(MagicLogData, encodeLogData(m)), nil
	case SampleEnvironmentData:
		return encodeWithMagic(MagicSampleEnvironmentData, encodeSampleEnvironmentData(m)), nil
	case Alarm:
		return encodeWithMagic(MagicAlarm, encodeAlarm(m)), nil
	default:
		return nil, fmt.Errorf("wire: unsupported message type %T", msg)
	}
}

func encodeWithMagic(magic string, body []byte) []byte {
	out := make([]byte, 4+len(body))
	copy(out[:4], magic)
	copy(out[4:], body)
	return out
}

// Decode inspects the 4-byte schema magic prefix of b and unmarshals the
// remainder into the corresponding Go type. The returned value is one of
// the message structs defined in wire.go.
func Decode(b []byte) (any, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: payload too short for schema magic: %d bytes", len(b))
	}
	magic := string(b[:4])
	body := b[4:]
	switch magic {
	case MagicDigitiserEventList:
		return decodeDigitiserEventList(body)
	case MagicFrameAssembledEventList:
		return decodeFrameAssembledEventList(body)
	case MagicRunStart:
		return decodeRunStart(body)
	case MagicRunStop:
		return decodeRunStop(body)
	case MagicLogData:
		return decodeLogData(body)
	case MagicSampleEnvironmentData:
		return decodeSampleEnvironmentData(body)
	case MagicAlarm:
		return decodeAlarm(body)
	default:
		return nil, ErrUnknownSchema{Magic: magic}
	}
}

func rootTable(buf []byte) *flatbuffers.Table {
	n := flatbuffers.GetUOffsetT(buf)
	return &flatbuffers.Table{Bytes: buf, Pos: n}
}

func encodeDigitiserEventList(m DigitiserEventList) []byte {
	b := flatbuffers.NewBuilder(256)
	timeVec := prependFloat64Vector(b, m.Events.Time)
	chanVec := prependUint32Vector(b, m.Events.Channel)
	intVec := prependFloat64Vector(b, m.Events.Intensity)

	b.StartObject(10)
	b.PrependUint8Slot(0, m.DigitiserID, 0)
	b.PrependInt64Slot(1, tsToNanos(m.Metadata.Timestamp), 0)
	b.PrependUint32Slot(2, m.Metadata.FrameNumber, 0)
	b.PrependUint32Slot(3, m.Metadata.PeriodNumber, 0)
	b.PrependUint32Slot(4, m.Metadata.ProtonsPerPulse, 0)
	b.PrependBoolSlot(5, m.Metadata.Running, false)
	b.PrependUint16Slot(6, m.Metadata.VetoFlags, 0)
	b.PrependUOffsetTSlot(7, timeVec, 0)
	b.PrependUOffsetTSlot(8, chanVec, 0)
	b.PrependUOffsetTSlot(9, intVec, 0)
	root := b.EndObject()
	b.Finish(root)
	return b.FinishedBytes()
}

func decodeDigitiserEventList(body []byte) (DigitiserEventList, error) {
	t := rootTable(body)
	var out DigitiserEventList
	out.DigitiserID = getUint8(t, deFieldDigitiserID, 0)
	out.Metadata.Timestamp = nanosToTS(getInt64(t, deFieldTimestamp, 0))
	out.Metadata.FrameNumber = getUint32(t, deFieldFrameNumber, 0)
	out.Metadata.PeriodNumber = getUint32(t, deFieldPeriod, 0)
	out.Metadata.ProtonsPerPulse = getUint32(t, deFieldProtons, 0)
	out.Metadata.Running = getBool(t, deFieldRunning, false)
	out.Metadata.VetoFlags = getUint16(t, deFieldVeto, 0)

	out.Events.Time = readFloat64Vector(t, deFieldTime)
	out.Events.Channel = readUint32Vector(t, deFieldChannel)
	out.Events.Intensity = readFloat64Vector(t, deFieldIntensity)
	if out.Events.Len() < 0 {
		return out, fmt.Errorf("wire: digitiser event list %d has mismatched array lengths", out.DigitiserID)
	}
	return out, nil
}

func encodeFrameAssembledEventList(m FrameAssembledEventList) []byte {
	b := flatbuffers.NewBuilder(256)
	timeVec := prependFloat64Vector(b, m.Events.Time)
	chanVec := prependUint32Vector(b, m.Events.Channel)
	intVec := prependFloat64Vector(b, m.Events.Intensity)
	idsVec := prependUint8Vector(b, m.DigitiserIDs)

	b.StartObject(11)
	b.PrependInt64Slot(0, tsToNanos(m.Metadata.Timestamp), 0)
	b.PrependUint32Slot(1, m.Metadata.FrameNumber, 0)
	b.PrependUint32Slot(2, m.Metadata.PeriodNumber, 0)
	b.PrependUint32Slot(3, m.Metadata.ProtonsPerPulse, 0)
	b.PrependBoolSlot(4, m.Metadata.Running, false)
	b.PrependUint16Slot(5, m.Metadata.VetoFlags, 0)
	b.PrependBoolSlot(6, m.Complete, false)
	b.PrependUOffsetTSlot(7, idsVec, 0)
	b.PrependUOffsetTSlot(8, timeVec, 0)
	b.PrependUOffsetTSlot(9, chanVec, 0)
	b.PrependUOffsetTSlot(10, intVec, 0)
	root := b.EndObject()
	b.Finish(root)
	return b.FinishedBytes()
}

func decodeFrameAssembledEventList(body []byte) (FrameAssembledEventList, error) {
	t := rootTable(body)
	var out FrameAssembledEventList
	out.Metadata.Timestamp = nanosToTS(getInt64(t, feFieldTimestamp, 0))
	out.Metadata.FrameNumber = getUint32(t, feFieldFrameNumber, 0)
	out.Metadata.PeriodNumber = getUint32(t, feFieldPeriod, 0)
	out.Metadata.ProtonsPerPulse = getUint32(t, feFieldProtons, 0)
	out.Metadata.Running = getBool(t, feFieldRunning, false)
	out.Metadata.VetoFlags = getUint16(t, feFieldVeto, 0)
	out.Complete = getBool(t, feFieldComplete, false)

	out.DigitiserIDs = readUint8Vector(t, feFieldDigitiserIDs)
	out.Events.Time = readFloat64Vector(t, feFieldTime)
	out.Events.Channel = readUint32Vector(t, feFieldChannel)
	out.Events.Intensity = readFloat64Vector(t, feFieldIntensity)
	return out, nil
}

func encodeRunStart(m RunStart) []byte {
	b := flatbuffers.NewBuilder(128)
	name := b.CreateString(m.RunName)
	inst := b.CreateString(m.InstrumentName)
	b.StartObject(4)
	b.PrependInt64Slot(0, tsToNanos(m.Timestamp), 0)
	b.PrependUOffsetTSlot(1, name, 0)
	b.PrependUOffsetTSlot(2, inst, 0)
	b.PrependUint32Slot(3, m.Periods, 0)
	root := b.EndObject()
	b.Finish(root)
	return b.FinishedBytes()
}

func decodeRunStart(body []byte) (RunStart, error) {
	t := rootTable(body)
	var out RunStart
	out.Timestamp = nanosToTS(getInt64(t, rsFieldTimestamp, 0))
	out.RunName = readString(t, rsFieldRunName)
	out.InstrumentName = readString(t, rsFieldInstrument)
	out.Periods = getUint32(t, rsFieldPeriods, 1)
	return out, nil
}

func encodeRunStop(m RunStop) []byte {
	b := flatbuffers.NewBuilder(64)
	name := b.CreateString(m.RunName)
	b.StartObject(2)
	b.PrependInt64Slot(0, tsToNanos(m.Timestamp), 0)
	b.PrependUOffsetTSlot(1, name, 0)
	root := b.EndObject()
	b.Finish(root)
	return b.FinishedBytes()
}

func decodeRunStop(body []byte) (RunStop, error) {
	t := rootTable(body)
	var out RunStop
	out.Timestamp = nanosToTS(getInt64(t, rpFieldTimestamp, 0))
	out.RunName = readString(t, rpFieldRunName)
	return out, nil
}

func encodeLogData(m LogData) []byte {
	b := flatbuffers.NewBuilder(64)
	name := b.CreateString(m.SourceName)
	b.StartObject(3)
	b.PrependInt64Slot(0, tsToNanos(m.Timestamp), 0)
	b.PrependUOffsetTSlot(1, name, 0)
	b.PrependFloat64Slot(2, m.Value, 0)
	root := b.EndObject()
	b.Finish(root)
	return b.FinishedBytes()
}

func decodeLogData(body []byte) (LogData, error) {
	t := rootTable(body)
	var out LogData
	out.Timestamp = nanosToTS(getInt64(t, ldFieldTimestamp, 0))
	out.SourceName = readString(t, ldFieldSourceName)
	out.Value = getFloat64(t, ldFieldValue, 0)
	return out, nil
}

func encodeSampleEnvironmentData(m SampleEnvironmentData) []byte {
	b := flatbuffers.NewBuilder(128)
	name := b.CreateString(m.SourceName)
	valsVec := prependFloat64Vector(b, m.Values)
	tsNanos := make([]int64, len(m.Timestamps))
	for i, t := range m.Timestamps {
		tsNanos[i] = tsToNanos(t)
	}
	tsVec := prependInt64Vector(b, tsNanos)

	b.StartObject(3)
	b.PrependUOffsetTSlot(0, name, 0)
	b.PrependUOffsetTSlot(1, valsVec, 0)
	b.PrependUOffsetTSlot(2, tsVec, 0)
	root := b.EndObject()
	b.Finish(root)
	return b.FinishedBytes()
}

func decodeSampleEnvironmentData(body []byte) (SampleEnvironmentData, error) {
	t := rootTable(body)
	var out SampleEnvironmentData
	out.SourceName = readString(t, seFieldSourceName)
	out.Values = readFloat64Vector(t, seFieldValues)
	nanos := readInt64Vector(t, seFieldTimestamps)
	out.Timestamps = make([]time.Time, len(nanos))
	for i, n := range nanos {
		out.Timestamps[i] = nanosToTS(n)
	}
	if len(out.Values) != len(out.Timestamps) {
		return out, fmt.Errorf("wire: sample environment log %q has %d values but %d timestamps", out.SourceName, len(out.Values), len(out.Timestamps))
	}
	return out, nil
}

func encodeAlarm(m Alarm) []byte {
	b := flatbuffers.NewBuilder(128)
	name := b.CreateString(m.SourceName)
	sev := b.CreateString(m.Severity)
	msg := b.CreateString(m.Message)
	b.StartObject(4)
	b.PrependInt64Slot(0, tsToNanos(m.Timestamp), 0)
	b.PrependUOffsetTSlot(1, name, 0)
	b.PrependUOffsetTSlot(2, sev, 0)
	b.PrependUOffsetTSlot(3, msg, 0)
	root := b.EndObject()
	b.Finish(root)
	return b.FinishedBytes()
}

func decodeAlarm(body []byte) (Alarm, error) {
	t := rootTable(body)
	var out Alarm
	out.Timestamp = nanosToTS(getInt64(t, alFieldTimestamp, 0))
	out.SourceName = readString(t, alFieldSourceName)
	out.Severity = readString(t, alFieldSeverity)
	out.Message = readString(t, alFieldMessage)
	return out, nil
}

// --- scalar slot helpers, mirroring what flatc generates inline ---

func getUint8(t *flatbuffers.Table, field flatbuffers.VOffsetT, def uint8) uint8 {
	if o := t.Offset(field); o != 0 {
		return t.GetUint8(flatbuffers.UOffsetT(o) + t.Pos)
	}
	return def
}

func getUint16(t *flatbuffers.Table, field flatbuffers.VOffsetT, def uint16) uint16 {
	if o := t.Offset(field); o != 0 {
		return t.GetUint16(flatbuffers.UOffsetT(o) + t.Pos)
	}
	return def
}

func getUint32(t *flatbuffers.Table, field flatbuffers.VOffsetT, def uint32) uint32 {
	if o := t.Offset(field); o != 0 {
		return t.GetUint32(flatbuffers.UOffsetT(o) + t.Pos)
	}
	return def
}

func getInt64(t *flatbuffers.Table, field flatbuffers.VOffsetT, def int64) int64 {
	if o := t.Offset(field); o != 0 {
		return t.GetInt64(flatbuffers.UOffsetT(o) + t.Pos)
	}
	return def
}

func getFloat64(t *flatbuffers.Table, field flatbuffers.VOffsetT, def float64) float64 {
	if o := t.Offset(field); o != 0 {
		return t.GetFloat64(flatbuffers.UOffsetT(o) + t.Pos)
	}
	return def
}

func getBool(t *flatbuffers.Table, field flatbuffers.VOffsetT, def bool) bool {
	if o := t.Offset(field); o != 0 {
		return t.GetBool(flatbuffers.UOffsetT(o) + t.Pos)
	}
	return def
}

func readString(t *flatbuffers.Table, field flatbuffers.VOffsetT) string {
	o := t.Offset(field)
	if o == 0 {
		return ""
	}
	return string(t.ByteVector(flatbuffers.UOffsetT(o)))
}

func prependFloat64Vector(b *flatbuffers.Builder, vs []float64) flatbuffers.UOffsetT {
	b.StartVector(flatbuffers.SizeFloat64, len(vs), flatbuffers.SizeFloat64)
	for i := len(vs) - 1; i >= 0; i-- {
		b.PrependFloat64(vs[i])
	}
	return b.EndVector(len(vs))
}

func prependUint32Vector(b *flatbuffers.Builder, vs []uint32) flatbuffers.UOffsetT {
	b.StartVector(flatbuffers.SizeUint32, len(vs), flatbuffers.SizeUint32)
	for i := len(vs) - 1; i >= 0; i-- {
		b.PrependUint32(vs[i])
	}
	return b.EndVector(len(vs))
}

func prependUint8Vector(b *flatbuffers.Builder, vs []uint8) flatbuffers.UOffsetT {
	b.StartVector(flatbuffers.SizeUint8, len(vs), flatbuffers.SizeUint8)
	for i := len(vs) - 1; i >= 0; i-- {
		b.PrependUint8(vs[i])
	}
	return b.EndVector(len(vs))
}

func prependInt64Vector(b *flatbuffers.Builder, vs []int64) flatbuffers.UOffsetT {
	b.StartVector(flatbuffers.SizeInt64, len(vs), flatbuffers.SizeInt64)
	for i := len(vs) - 1; i >= 0; i-- {
		b.PrependInt64(vs[i])
	}
	return b.EndVector(len(vs))
}

func readFloat64Vector(t *flatbuffers.Table, field flatbuffers.VOffsetT) []float64 {
	o := t.Offset(field)
	if o == 0 {
		return nil
	}
	vec := t.Vector(flatbuffers.UOffsetT(o))
	n := t.VectorLen(flatbuffers.UOffsetT(o))
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = t.GetFloat64(vec + flatbuffers.UOffsetT(i)*flatbuffers.SizeFloat64)
	}
	return out
}

func readUint32Vector(t *flatbuffers.Table, field flatbuffers.VOffsetT) []uint32 {
	o := t.Offset(field)
	if o == 0 {
		return nil
	}
	vec := t.Vector(flatbuffers.UOffsetT(o))
	n := t.VectorLen(flatbuffers.UOffsetT(o))
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = t.GetUint32(vec + flatbuffers.UOffsetT(i)*flatbuffers.SizeUint32)
	}
	return out
}

func readUint8Vector(t *flatbuffers.Table, field flatbuffers.VOffsetT) []uint8 {
	o := t.Offset(field)
	if o == 0 {
		return nil
	}
	vec := t.Vector(flatbuffers.UOffsetT(o))
	n := t.VectorLen(flatbuffers.UOffsetT(o))
	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		out[i] = t.GetUint8(vec + flatbuffers.UOffsetT(i))
	}
	return out
}

func readInt64Vector(t *flatbuffers.Table, field flatbuffers.VOffsetT) []int64 {
	o := t.Offset(field)
	if o == 0 {
		return nil
	}
	vec := t.Vector(flatbuffers.UOffsetT(o))
	n := t.VectorLen(flatbuffers.UOffsetT(o))
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = t.GetInt64(vec + flatbuffers.UOffsetT(i)*flatbuffers.SizeInt64)
	}
	return out
}
