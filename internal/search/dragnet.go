package search

import (
	"context"
	"fmt"
)

// Backstep moves a broker's read position back by a configurable amount,
// clamped so it never steps before the partition's low watermark
// (back_step.rs's backstep_until_time, specialised here to a single
// unconditional step rather than a repeated search since the dragnet
// driver only ever needs one).
func Backstep(ctx context.Context, broker Broker, fromOffset int64, amount int64) (int64, error) {
	low, _, err := broker.Watermarks(ctx)
	if err != nil {
		return 0, fmt.Errorf("search: read watermarks for backstep: %w", err)
	}
	target := fromOffset - amount
	if target < low {
		target = low
	}
	return target, nil
}

// Match is one message collected by a dragnet scan, paired with the
// timestamp it was collected at.
type Match struct {
	Offset    int64
	Timestamp Timestamp
	Value     any
}

// Predicate reports whether a decoded message should be collected by a
// dragnet scan.
type Predicate func(value any) bool

// Dragnet performs the forward scan of spec.md §4.3 Phase B: starting at
// startOffset, examine up to forwardDistance messages; a message is
// collected if it matches predicate AND either its timestamp has already
// been seen in this scan, or fewer than maxTimestamps distinct
// timestamps have been seen so far (ties always collected; a new,
// additional timestamp only collected while there is still room).
//
// Grounded on topic_searcher/iterators/dragnet.rs's acquire_matches.
func Dragnet(ctx context.Context, broker Broker, startOffset int64, forwardDistance int, maxTimestamps int, predicate Predicate) ([]Match, error) {
	var matches []Match
	seen := make([]Timestamp, 0, maxTimestamps)

	for i := 0; i < forwardDistance; i++ {
		offset := startOffset + int64(i)
		ts, value, err := broker.FetchAt(ctx, offset)
		if err != nil {
			return matches, fmt.Errorf("search: dragnet fetch at offset %d: %w", offset, err)
		}
		if !predicate(value) {
			continue
		}

		alreadySeen := false
		for _, s := range seen {
			if s.Equal(ts) {
				alreadySeen = true
				break
			}
		}
		switch {
		case alreadySeen:
			matches = append(matches, Match{Offset: offset, Timestamp: ts, Value: value})
		case len(seen) < maxTimestamps:
			seen = append(seen, ts)
			matches = append(matches, Match{Offset: offset, Timestamp: ts, Value: value})
		default:
			// neither a tie with an already-collected timestamp nor room
			// for a new one: drop.
		}
	}
	return matches, nil
}
