package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// every Encode->Decode round trip must be the identity, for each message
// kind carried on the pipeline's topics.

func TestCodec_DigitiserEventListRoundTrip(t *testing.T) {
	in := DigitiserEventList{
		DigitiserID: 3,
		Metadata: FrameMetadata{
			Timestamp:       time.Unix(1700000000, 123456789).UTC(),
			FrameNumber:     42,
			PeriodNumber:    1,
			ProtonsPerPulse: 1000,
			Running:         true,
			VetoFlags:       5,
		},
		Events: EventList{
			Time:      []float64{1.5, 2.5, 3.5},
			Channel:   []uint32{0, 1, 2},
			Intensity: []float64{10, 20, 30},
		},
	}

	encoded, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, MagicDigitiserEventList, SchemaOf(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestCodec_FrameAssembledEventListRoundTrip(t *testing.T) {
	in := FrameAssembledEventList{
		Metadata: FrameMetadata{
			Timestamp:       time.Unix(1700000001, 0).UTC(),
			FrameNumber:     7,
			PeriodNumber:    2,
			ProtonsPerPulse: 500,
			Running:         false,
			VetoFlags:       0,
		},
		DigitiserIDs: []uint8{0, 1, 2, 3},
		Events: EventList{
			Time:      []float64{0.1, 0.2},
			Channel:   []uint32{4, 5},
			Intensity: []float64{100, 200},
		},
		Complete: true,
	}

	encoded, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, MagicFrameAssembledEventList, SchemaOf(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestCodec_FrameAssembledEventListRoundTrip_Incomplete(t *testing.T) {
	in := FrameAssembledEventList{
		Metadata:     FrameMetadata{Timestamp: time.Unix(1, 0).UTC(), FrameNumber: 1},
		DigitiserIDs: []uint8{1},
		Complete:     false,
	}

	encoded, err := Encode(in)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	got := decoded.(FrameAssembledEventList)
	assert.Equal(t, in.Metadata, got.Metadata)
	assert.Equal(t, in.DigitiserIDs, got.DigitiserIDs)
	assert.False(t, got.Complete)
}

func TestCodec_RunStartRoundTrip(t *testing.T) {
	in := RunStart{
		Timestamp:      time.Unix(1700000002, 0).UTC(),
		RunName:        "run42",
		InstrumentName: "MUSR",
		Periods:        3,
	}

	encoded, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, MagicRunStart, SchemaOf(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestCodec_RunStopRoundTrip(t *testing.T) {
	in := RunStop{Timestamp: time.Unix(1700000003, 0).UTC(), RunName: "run42"}

	encoded, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, MagicRunStop, SchemaOf(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestCodec_LogDataRoundTrip(t *testing.T) {
	in := LogData{
		Timestamp:  time.Unix(1700000004, 0).UTC(),
		SourceName: "temperature",
		Value:      273.15,
	}

	encoded, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, MagicLogData, SchemaOf(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestCodec_SampleEnvironmentDataRoundTrip(t *testing.T) {
	in := SampleEnvironmentData{
		SourceName: "pressure",
		Values:     []float64{1.1, 2.2, 3.3},
		Timestamps: []time.Time{
			time.Unix(1700000005, 0).UTC(),
			time.Unix(1700000006, 0).UTC(),
			time.Unix(1700000007, 0).UTC(),
		},
	}

	encoded, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, MagicSampleEnvironmentData, SchemaOf(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	// SampleEnvironmentData.Timestamp (singular) isn't on the wire; only
	// SourceName/Values/Timestamps round trip.
	got := decoded.(SampleEnvironmentData)
	assert.Equal(t, in.SourceName, got.SourceName)
	assert.Equal(t, in.Values, got.Values)
	assert.Equal(t, in.Timestamps, got.Timestamps)
}

func TestCodec_AlarmRoundTrip(t *testing.T) {
	in := Alarm{
		Timestamp:  time.Unix(1700000008, 0).UTC(),
		SourceName: "beam_current",
		Severity:   "MAJOR",
		Message:    "beam current below threshold",
	}

	encoded, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, MagicAlarm, SchemaOf(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestDecode_UnknownSchemaMagic(t *testing.T) {
	_, err := Decode([]byte("xxxxpayload"))
	var unknown ErrUnknownSchema
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "xxxx", unknown.Magic)
}

func TestDecode_PayloadTooShort(t *testing.T) {
	_, err := Decode([]byte("ab"))
	assert.Error(t, err)
}

func TestEncode_UnsupportedType(t *testing.T) {
	_, err := Encode(42)
	assert.Error(t, err)
}
