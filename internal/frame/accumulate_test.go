package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermusr/data-pipeline/internal/wire"
)

func TestAccumulate_ConcatenatesInOrder(t *testing.T) {
	merged, errs := Accumulate([]wire.EventList{
		{Time: []float64{1}, Channel: []uint32{1}, Intensity: []float64{1}},
		{Time: []float64{2, 3}, Channel: []uint32{2, 3}, Intensity: []float64{2, 3}},
	})
	require.Empty(t, errs)
	assert.Equal(t, []float64{1, 2, 3}, merged.Time)
	assert.Equal(t, []uint32{1, 2, 3}, merged.Channel)
}

func TestAccumulate_DropsMismatchedContributionOnly(t *testing.T) {
	merged, errs := Accumulate([]wire.EventList{
		{Time: []float64{1}, Channel: []uint32{1}, Intensity: []float64{1}},
		{Time: []float64{1, 2}, Channel: []uint32{1}, Intensity: []float64{1, 2}},
		{Time: []float64{4}, Channel: []uint32{4}, Intensity: []float64{4}},
	})
	require.Len(t, errs, 1)
	var mismatchErr ErrMismatchedArrayLengths
	assert.ErrorAs(t, errs[0], &mismatchErr)
	assert.Equal(t, 1, mismatchErr.Index)
	assert.Equal(t, []float64{1, 4}, merged.Time)
}
