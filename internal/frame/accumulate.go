package frame

import (
	"fmt"

	"github.com/supermusr/data-pipeline/internal/wire"
)

// ErrMismatchedArrayLengths is returned by Accumulate when one of the
// contributions being merged has time/channel/intensity arrays of
// unequal length.
type ErrMismatchedArrayLengths struct {
	Index int
}

func (e ErrMismatchedArrayLengths) Error() string {
	return fmt.Sprintf("frame: contribution %d has mismatched time/channel/intensity array lengths", e.Index)
}

// Accumulate concatenates a set of per-digitiser event contributions,
// already ordered by ascending digitiser id, into one flat event list.
// Each contribution is validated independently: one with mismatched
// array lengths is dropped (its index reported in errs) without
// affecting the rest of the merge.
func Accumulate(contributions []wire.EventList) (events wire.EventList, errs []error) {
	total := 0
	valid := make([]wire.EventList, 0, len(contributions))
	for i, c := range contributions {
		n := c.Len()
		if n < 0 {
			errs = append(errs, ErrMismatchedArrayLengths{Index: i})
			continue
		}
		total += n
		valid = append(valid, c)
	}

	merged := wire.EventList{
		Time:      make([]float64, 0, total),
		Channel:   make([]uint32, 0, total),
		Intensity: make([]float64, 0, total),
	}
	for _, c := range valid {
		merged.Time = append(merged.Time, c.Time...)
		merged.Channel = append(merged.Channel, c.Channel...)
		merged.Intensity = append(merged.Intensity, c.Intensity...)
	}
	return merged, errs
}
