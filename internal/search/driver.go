package search

import (
	"context"
	"fmt"

	"github.com/supermusr/data-pipeline/internal/wire"
)

// Config bundles the tunables of the two-phase algorithm (spec.md §4.3's
// configurable backstep amount, forward distance and max distinct
// timestamps).
type Config struct {
	Backstep        int64
	ForwardDistance int
	MaxTimestamps   int
}

// DefaultConfig mirrors the original implementation's defaults where the
// spec leaves them unspecified.
func DefaultConfig() Config {
	return Config{Backstep: 1000, ForwardDistance: 2000, MaxTimestamps: 8}
}

// Result is the outcome of a correlated two-topic search: the trace
// messages collected at the matched timestamps, and the digitiser-event
// messages whose digitiser id appears among those traces and whose
// timestamp is one of theirs. The two lists are filtered by id set and
// timestamp set separately; they are not paired up per (digitiser id,
// timestamp).
type Result struct {
	Traces         []Match
	DigitiserEvents []Match
}

// Driver runs the two-topic correlated search of spec.md §4.4: a trace
// topic search first locates the target timestamp and the digitiser ids
// present at it, then a digitiser-event-topic search starting from that
// offset collects the matching per-digitiser contributions.
type Driver struct {
	traceBroker    Broker
	eventBroker    Broker
	cfg            Config
	getDigitiserID func(value any) (uint8, bool)
}

// NewDriver constructs a Driver. getDigitiserID extracts a digitiser id
// from a decoded digitiser-event-topic message, used to join against the
// ids observed in the trace-topic results.
func NewDriver(traceBroker, eventBroker Broker, cfg Config, getDigitiserID func(value any) (uint8, bool)) *Driver {
	return &Driver{traceBroker: traceBroker, eventBroker: eventBroker, cfg: cfg, getDigitiserID: getDigitiserID}
}

// Search runs both phases, on both topics, and returns the joined
// result. ctx is checked before the trace-topic search and again before
// the digitiser-event-topic search (spec.md §4.4 "Cancellation"); the
// loops inside each phase do not check it and end only when they finish
// or a broker call fails.
func (d *Driver) Search(ctx context.Context, target Timestamp, traceMatch Predicate) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	traceOffset, traceTimestamps, err := d.searchTopic(ctx, d.traceBroker, target, traceMatch)
	if err != nil {
		return Result{}, fmt.Errorf("search: trace topic phase: %w", err)
	}
	if len(traceTimestamps) == 0 {
		return Result{}, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	digitiserIDs := map[uint8]bool{}
	for _, m := range traceTimestamps {
		if id, ok := d.getDigitiserID(m.Value); ok {
			digitiserIDs[id] = true
		}
	}
	timestampSet := map[int64]bool{}
	for _, m := range traceTimestamps {
		timestampSet[m.Timestamp.UnixNano()] = true
	}

	eventPredicate := func(value any) bool {
		id, ok := d.getDigitiserID(value)
		if !ok || !digitiserIDs[id] {
			return false
		}
		return true
	}

	eventOffset, eventMatches, err := d.searchTopicFrom(ctx, d.eventBroker, traceOffset, target, eventPredicate)
	if err != nil {
		return Result{}, fmt.Errorf("search: digitiser event topic phase: %w", err)
	}
	_ = eventOffset

	filtered := make([]Match, 0, len(eventMatches))
	for _, m := range eventMatches {
		if timestampSet[m.Timestamp.UnixNano()] {
			filtered = append(filtered, m)
		}
	}

	return Result{Traces: traceTimestamps, DigitiserEvents: filtered}, nil
}

// searchTopic runs Phase A then Phase B against broker starting from its
// own bisected offset, and returns that bisected offset with the matches.
func (d *Driver) searchTopic(ctx context.Context, broker Broker, target Timestamp, predicate Predicate) (int64, []Match, error) {
	bs, err := NewBinarySearch(ctx, broker, target)
	if err != nil {
		return 0, nil, err
	}
	offset, err := bs.Run(ctx)
	if err != nil {
		return 0, nil, err
	}
	_, matches, err := d.searchTopicFrom(ctx, broker, offset, target, predicate)
	if err != nil {
		return 0, nil, err
	}
	return offset, matches, nil
}

// searchTopicFrom runs Phase B starting from a caller-supplied offset
// (used for the digitiser-event topic, which starts from the trace
// topic's matched offset rather than bisecting independently).
func (d *Driver) searchTopicFrom(ctx context.Context, broker Broker, offset int64, target Timestamp, predicate Predicate) (int64, []Match, error) {
	backstepped, err := Backstep(ctx, broker, offset, d.cfg.Backstep)
	if err != nil {
		return 0, nil, err
	}
	matches, err := Dragnet(ctx, broker, backstepped, d.cfg.ForwardDistance, d.cfg.MaxTimestamps, predicate)
	if err != nil {
		return 0, nil, err
	}
	return backstepped, matches, nil
}

// DigitiserIDFromWireValue is the getDigitiserID function used in
// production: it inspects wire.DigitiserEventList and
// wire.FrameAssembledEventList payloads (the latter via its first
// digitiser id, for trace-topic correlation).
func DigitiserIDFromWireValue(value any) (uint8, bool) {
	switch v := value.(type) {
	case wire.DigitiserEventList:
		return v.DigitiserID, true
	case wire.FrameAssembledEventList:
		if len(v.DigitiserIDs) == 0 {
			return 0, false
		}
		return v.DigitiserIDs[0], true
	default:
		return 0, false
	}
}
