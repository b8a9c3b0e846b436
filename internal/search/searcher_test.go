package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker is an in-memory partition: messages[i].ts is the timestamp
// at offset i, strictly non-decreasing, as a real partition's would be.
type fakeBroker struct {
	timestamps []time.Time
	values     []any
	timeoutAt  map[int64]bool
}

func (f *fakeBroker) Watermarks(context.Context) (int64, int64, error) {
	return 0, int64(len(f.timestamps)), nil
}

func (f *fakeBroker) FetchAt(_ context.Context, offset int64) (Timestamp, any, error) {
	if f.timeoutAt[offset] {
		return time.Time{}, nil, ErrBrokerTimeout
	}
	if offset < 0 || offset >= int64(len(f.timestamps)) {
		return time.Time{}, nil, ErrEndOfTopicReached
	}
	return f.timestamps[offset], f.values[offset], nil
}

func newFakeBroker(tss []int64) *fakeBroker {
	b := &fakeBroker{timeoutAt: map[int64]bool{}}
	for _, s := range tss {
		b.timestamps = append(b.timestamps, time.Unix(s, 0))
		b.values = append(b.values, s)
	}
	return b
}

func TestBinarySearch_FindsOffsetMaintainingInvariant(t *testing.T) {
	broker := newFakeBroker([]int64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90})
	bs, err := NewBinarySearch(context.Background(), broker, time.Unix(45, 0))
	require.NoError(t, err)

	offset, err := bs.Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, broker.timestamps[offset].Unix(), int64(45))
	if int(offset)+1 < len(broker.timestamps) {
		assert.Greater(t, broker.timestamps[offset+1].Unix(), int64(45))
	}
}

func TestBinarySearch_EmptyTopicReturnsEndOfTopic(t *testing.T) {
	broker := newFakeBroker(nil)
	_, err := NewBinarySearch(context.Background(), broker, time.Unix(1, 0))
	assert.ErrorIs(t, err, ErrEndOfTopicReached)
}

func TestBinarySearch_AdvancesPastBrokerTimeout(t *testing.T) {
	broker := newFakeBroker([]int64{0, 10, 20, 30, 40, 50, 60, 70})
	broker.timeoutAt[3] = true
	broker.timeoutAt[4] = true

	bs, err := NewBinarySearch(context.Background(), broker, time.Unix(35, 0))
	require.NoError(t, err)
	_, err = bs.Run(context.Background())
	require.NoError(t, err)
}

func TestDragnet_CollectsTiesAndRespectsMaxTimestamps(t *testing.T) {
	broker := newFakeBroker([]int64{10, 10, 20, 20, 20, 30, 40})
	always := func(any) bool { return true }

	matches, err := Dragnet(context.Background(), broker, 0, len(broker.timestamps), 2, always)
	require.NoError(t, err)

	// timestamps 10 and 20 are the first two distinct timestamps seen,
	// so both occurrences of each are collected (ties); the first
	// occurrence of 30 is a third distinct timestamp and must be
	// dropped since max_timestamps=2.
	var got []int64
	for _, m := range matches {
		got = append(got, m.Timestamp.Unix())
	}
	assert.Equal(t, []int64{10, 10, 20, 20, 20}, got)
}

func TestBackstep_ClampsAtLowWatermark(t *testing.T) {
	broker := newFakeBroker([]int64{0, 10, 20, 30})
	offset, err := Backstep(context.Background(), broker, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
}

func TestSessions_LifecycleAndSweep(t *testing.T) {
	s := NewSessions(10 * time.Millisecond)
	sess, ctx := s.Start(context.Background())

	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)

	s.Complete(sess.ID, Result{}, nil)
	got, _ = s.Get(sess.ID)
	assert.Equal(t, StatusSucceeded, got.Status)

	assert.NoError(t, ctx.Err())

	time.Sleep(20 * time.Millisecond)
	s.Sweep(time.Now())
	_, ok = s.Get(sess.ID)
	assert.False(t, ok)
}

func TestSessions_CancelStopsContext(t *testing.T) {
	s := NewSessions(time.Minute)
	sess, ctx := s.Start(context.Background())

	ok := s.Cancel(sess.ID)
	assert.True(t, ok)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	got, _ := s.Get(sess.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}
