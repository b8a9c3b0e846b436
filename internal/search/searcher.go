// Package search implements the two-phase topic searcher: a binary
// bisection over Kafka offsets to locate a target timestamp (Phase A),
// followed by a "dragnet" forward scan to collect every message at that
// timestamp matching a predicate (Phase B). A Driver runs this twice,
// correlating a trace-topic search with a digitiser-event-topic search on
// the resulting offset.
//
// Grounded on
// trace-viewer/src/finder/topic_searcher/iterators/{binary,back_step,dragnet,forward}.rs
// and trace-viewer/src/finder/task/dragnet.rs.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Timestamp is a message's logical time, compared against search targets.
type Timestamp = time.Time

// Broker is the minimal Kafka surface the searcher needs: offset
// watermarks and fetching a single message at a given offset. Production
// code backs this with github.com/twmb/franz-go/pkg/kgo; tests use an
// in-memory fake.
type Broker interface {
	// Watermarks returns the (low, high) offset bounds currently known
	// for the topic-partition.
	Watermarks(ctx context.Context) (low, high int64, err error)
	// FetchAt returns the timestamp and decoded message at the given
	// offset, or ErrBrokerTimeout if the broker did not respond within
	// the bounded RPC timeout (2s for watermark/single-message fetch
	// queries per spec.md §5).
	FetchAt(ctx context.Context, offset int64) (Timestamp, any, error)
}

// ErrBrokerTimeout is returned by a Broker when a bounded RPC did not
// complete in time. The binary search advances past it rather than
// failing outright (see BinarySearch.Bisect).
var ErrBrokerTimeout = errors.New("search: broker request timed out")

// ErrStartOfTopicReached and ErrEndOfTopicReached report that bisection
// narrowed all the way to one of the topic's current watermarks without
// ever finding a message at or after the target timestamp.
var (
	ErrStartOfTopicReached = errors.New("search: start of topic reached")
	ErrEndOfTopicReached   = errors.New("search: end of topic reached")
)

// timeoutAdvance is the constant the low bound is nudged forward by when
// a broker RPC times out mid-bisection, so a consistently slow/missing
// offset does not stall the search forever.
const timeoutAdvance = 2

// BinarySearch maintains the invariant ts(Low) <= target < ts(High) while
// narrowing [Low, High) towards a single matching offset.
type BinarySearch struct {
	broker   Broker
	target   Timestamp
	low, high int64
	maxLow, maxHigh int64
}

// NewBinarySearch initialises a search by reading the partition's current
// watermarks. Returns ErrEndOfTopicReached immediately if the partition
// is empty (low == high).
func NewBinarySearch(ctx context.Context, broker Broker, target Timestamp) (*BinarySearch, error) {
	low, high, err := broker.Watermarks(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: read watermarks: %w", err)
	}
	if low >= high {
		return nil, ErrEndOfTopicReached
	}
	return &BinarySearch{
		broker: broker,
		target: target,
		low:    low,
		high:   high,
		maxLow: low,
		maxHigh: high,
	}, nil
}

// Done reports whether the search range has narrowed to a single offset
// (high - low <= 1): Bisect should not be called again once true.
func (b *BinarySearch) Done() bool {
	return b.high-b.low <= 1
}

// Offset returns the current low bound: once Done, the message at this
// offset is timestamped at or before target, and the one at High after
// it.
func (b *BinarySearch) Offset() int64 {
	return b.low
}

// Bisect performs one narrowing step. On a broker timeout it advances Low
// by a small constant instead of failing, so a single missing offset
// cannot wedge the search (grounded on binary.rs's `self.bound.start +=
// 2` fallback). Returns true once Done.
func (b *BinarySearch) Bisect(ctx context.Context) (bool, error) {
	if b.Done() {
		return true, nil
	}

	mid := b.low + (b.high-b.low)/2
	ts, _, err := b.broker.FetchAt(ctx, mid)
	if err != nil {
		if errors.Is(err, ErrBrokerTimeout) {
			b.low += timeoutAdvance
			if b.low >= b.high {
				b.low = b.high - 1
			}
			return b.Done(), nil
		}
		return false, err
	}

	if !ts.After(b.target) {
		b.low = mid
	} else {
		b.high = mid
	}

	if mid == b.maxLow {
		return false, ErrStartOfTopicReached
	}
	if mid == b.maxHigh {
		return false, ErrEndOfTopicReached
	}
	return b.Done(), nil
}

// Run drives Bisect to completion and returns the matched offset.
func (b *BinarySearch) Run(ctx context.Context) (int64, error) {
	for {
		done, err := b.Bisect(ctx)
		if err != nil {
			return 0, err
		}
		if done {
			return b.Offset(), nil
		}
	}
}
