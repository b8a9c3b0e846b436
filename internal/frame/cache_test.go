package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermusr/data-pipeline/internal/wire"
)

func testMeta(frameNumber uint32) wire.FrameMetadata {
	return wire.FrameMetadata{
		Timestamp:   time.Unix(1000, 0),
		FrameNumber: frameNumber,
	}
}

func events(n int) wire.EventList {
	e := wire.EventList{}
	for i := 0; i < n; i++ {
		e.Time = append(e.Time, float64(i))
		e.Channel = append(e.Channel, uint32(i))
		e.Intensity = append(e.Intensity, float64(i)*2)
	}
	return e
}

func TestCache_PushCompletesOnLastExpectedDigitiser(t *testing.T) {
	c := NewCache(time.Minute, []uint8{1, 2, 3})
	meta := testMeta(1)

	res, err := c.Push(time.Now(), meta, 2, events(2), 0)
	require.NoError(t, err)
	assert.Nil(t, res.Aggregated)

	res, err = c.Push(time.Now(), meta, 1, events(3), 0)
	require.NoError(t, err)
	assert.Nil(t, res.Aggregated)

	res, err = c.Push(time.Now(), meta, 3, events(1), 0)
	require.NoError(t, err)
	require.NotNil(t, res.Aggregated)
	assert.True(t, res.Complete)
	assert.Equal(t, []uint8{1, 2, 3}, res.Aggregated.DigitiserIDs)
	assert.Equal(t, 6, res.Aggregated.Events.Len())
	assert.Equal(t, 0, c.Len())
}

func TestCache_DuplicateDigitiserRejected(t *testing.T) {
	c := NewCache(time.Minute, []uint8{1, 2})
	meta := testMeta(1)

	_, err := c.Push(time.Now(), meta, 1, events(1), 0)
	require.NoError(t, err)

	_, err = c.Push(time.Now(), meta, 1, events(1), 0)
	assert.ErrorIs(t, err, ErrDuplicateDigitiser)
}

func TestCache_UnexpectedDigitiserRejected(t *testing.T) {
	c := NewCache(time.Minute, []uint8{1, 2})
	_, err := c.Push(time.Now(), testMeta(1), 99, events(1), 0)
	assert.ErrorIs(t, err, ErrUnexpectedDigitiser)
}

func TestCache_VetoFlagsAccumulateByOR(t *testing.T) {
	c := NewCache(time.Minute, []uint8{1, 2})
	meta := testMeta(1)

	_, err := c.Push(time.Now(), meta, 1, events(1), 0b0001)
	require.NoError(t, err)
	res, err := c.Push(time.Now(), meta, 2, events(1), 0b0010)
	require.NoError(t, err)
	require.NotNil(t, res.Aggregated)
	assert.Equal(t, uint16(0b0011), res.Aggregated.Metadata.VetoFlags)
}

func TestCache_PollExpiredEmitsPartial(t *testing.T) {
	c := NewCache(10*time.Millisecond, []uint8{1, 2, 3})
	base := time.Now()
	_, err := c.Push(base, testMeta(1), 1, events(1), 0)
	require.NoError(t, err)

	later := base.Add(20 * time.Millisecond)
	expired, errs := c.PollExpired(later)
	require.Empty(t, errs)
	require.Len(t, expired, 1)
	assert.False(t, expired[0].Complete)
	assert.Equal(t, []uint8{1}, expired[0].DigitiserIDs)
	assert.Equal(t, 0, c.Len())
}

func TestCache_PollExpiredLeavesUnexpiredFramesCached(t *testing.T) {
	c := NewCache(time.Hour, []uint8{1, 2})
	_, err := c.Push(time.Now(), testMeta(1), 1, events(1), 0)
	require.NoError(t, err)

	expired, errs := c.PollExpired(time.Now())
	assert.Empty(t, errs)
	assert.Empty(t, expired)
	assert.Equal(t, 1, c.Len())
}

func TestCache_CancelRunBoundaryForceExpiresBeforeCutoff(t *testing.T) {
	c := NewCache(time.Hour, []uint8{1, 2})
	earlier := wire.FrameMetadata{Timestamp: time.Unix(100, 0), FrameNumber: 1}
	later := wire.FrameMetadata{Timestamp: time.Unix(200, 0), FrameNumber: 2}

	_, err := c.Push(time.Now(), earlier, 1, events(1), 0)
	require.NoError(t, err)
	_, err = c.Push(time.Now(), later, 1, events(1), 0)
	require.NoError(t, err)

	cut, errs := c.CancelRunBoundary(time.Unix(150, 0))
	assert.Empty(t, errs)
	require.Len(t, cut, 1)
	assert.Equal(t, uint32(1), cut[0].Metadata.FrameNumber)
	assert.Equal(t, 1, c.Len())
}

func TestCache_SoftLimitForceExpiresOldestByExpiry(t *testing.T) {
	c := NewCache(time.Hour, []uint8{1, 2})
	c.SetSoftLimit(2)

	now := time.Now()
	_, err := c.Push(now, testMeta(1), 1, events(1), 0)
	require.NoError(t, err)
	_, err = c.Push(now, testMeta(2), 1, events(1), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	res, err := c.Push(now, testMeta(3), 1, events(1), 0)
	require.NoError(t, err)
	require.Len(t, res.Forced, 1)
	assert.Equal(t, uint32(1), res.Forced[0].Metadata.FrameNumber)
	assert.False(t, res.Forced[0].Complete)
	assert.Equal(t, 2, c.Len())
}

func TestCache_DeterministicAscendingDigitiserOrder(t *testing.T) {
	c := NewCache(time.Minute, []uint8{5, 1, 3})
	meta := testMeta(1)
	_, err := c.Push(time.Now(), meta, 5, events(1), 0)
	require.NoError(t, err)
	_, err = c.Push(time.Now(), meta, 3, events(1), 0)
	require.NoError(t, err)
	res, err := c.Push(time.Now(), meta, 1, events(1), 0)
	require.NoError(t, err)
	require.NotNil(t, res.Aggregated)
	assert.Equal(t, []uint8{1, 3, 5}, res.Aggregated.DigitiserIDs)
}
