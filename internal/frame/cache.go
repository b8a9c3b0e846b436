// Package frame implements the frame cache: the aggregator's in-memory
// accumulation of per-digitiser event contributions into whole-frame
// aggregates, keyed by frame identity (timestamp, frame number).
//
// Grounded on digitiser-aggregator/src/frame/{partial,aggregated}.rs: a
// partial frame tracks an expiry deadline and the digitiser ids seen so
// far; once every expected digitiser has contributed, or the deadline
// passes, the frame is handed to Accumulate and emitted.
package frame

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/supermusr/data-pipeline/internal/wire"
)

// ErrDuplicateDigitiser is returned by Cache.Push when a digitiser pushes
// a second contribution to a frame it has already contributed to
// (invariant P1).
var ErrDuplicateDigitiser = errors.New("frame: duplicate digitiser contribution for frame")

// ErrUnexpectedDigitiser is returned by Cache.Push when a digitiser id is
// not a member of the cache's configured expected set (invariant P2).
var ErrUnexpectedDigitiser = errors.New("frame: digitiser id not in expected set")

type frameKey struct {
	timestamp   int64
	frameNumber uint32
}

func keyOf(m wire.FrameMetadata) frameKey {
	return frameKey{timestamp: m.Timestamp.UnixNano(), frameNumber: m.FrameNumber}
}

// partial is a frame with some, but not necessarily all, expected
// digitiser contributions.
type partial struct {
	metadata   wire.FrameMetadata
	expiry     time.Time
	digitisers map[uint8]wire.EventList
}

func newPartial(ttl time.Duration, meta wire.FrameMetadata, now time.Time) *partial {
	return &partial{
		metadata:   meta,
		expiry:     now.Add(ttl),
		digitisers: make(map[uint8]wire.EventList),
	}
}

func (p *partial) digitiserIDs() []uint8 {
	ids := make([]uint8, 0, len(p.digitisers))
	for id := range p.digitisers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *partial) isComplete(expected []uint8) bool {
	if len(p.digitisers) != len(expected) {
		return false
	}
	for _, id := range expected {
		if _, ok := p.digitisers[id]; !ok {
			return false
		}
	}
	return true
}

func (p *partial) isExpired(now time.Time) bool {
	return now.After(p.expiry)
}

// DefaultSoftLimit bounds the number of partial frames a Cache holds
// before Push starts force-expiring the oldest-by-expiry PF to make room
// (spec.md §4.1's backpressure: "push never blocks; if the cache size
// exceeds a soft limit the oldest PF by expiry is force-expired").
const DefaultSoftLimit = 4096

// Cache accumulates per-digitiser event contributions into whole-frame
// aggregates. A Cache is owned exclusively by the consumer goroutine that
// calls Push/PollExpired/CancelRunBoundary; it holds no internal locking
// (spec: "frame cache ... owned solely by the consumer task, no locks").
type Cache struct {
	ttl                time.Duration
	softLimit          int
	expectedDigitisers []uint8

	frames map[frameKey]*partial
	order  []frameKey // insertion order; also expiry order, since ttl is constant across partials
}

// NewCache constructs a Cache with the given per-frame time-to-live and
// the set of digitiser ids every frame is expected to eventually collect a
// contribution from. The cache's soft size limit starts at DefaultSoftLimit;
// override it with SetSoftLimit.
func NewCache(ttl time.Duration, expectedDigitisers []uint8) *Cache {
	expected := append([]uint8(nil), expectedDigitisers...)
	sort.Slice(expected, func(i, j int) bool { return expected[i] < expected[j] })
	return &Cache{
		ttl:                ttl,
		softLimit:          DefaultSoftLimit,
		expectedDigitisers: expected,
		frames:             make(map[frameKey]*partial),
	}
}

// SetSoftLimit overrides the cache's backpressure soft limit.
func (c *Cache) SetSoftLimit(n int) {
	c.softLimit = n
}

// PushResult reports the outcome of a Push call.
type PushResult struct {
	// Aggregated is set when this push completed the frame.
	Aggregated *wire.FrameAssembledEventList
	// Complete reports whether Aggregated was a complete frame (all
	// expected digitisers present) as opposed to absent.
	Complete bool
	// AccumulateErrs holds one error per contribution dropped from the
	// merge due to mismatched array lengths. Non-nil only when
	// Aggregated is set.
	AccumulateErrs []error
	// Forced holds any other, unrelated PFs force-expired by this push to
	// keep the cache within its soft size limit.
	Forced []wire.FrameAssembledEventList
	// ForcedErrs holds the accumulate errors for Forced, in the same order.
	ForcedErrs []error
}

// Push records a single digitiser's contribution to the frame identified
// by meta. If this contribution completes the frame (every expected
// digitiser has now contributed), the aggregated frame is
// returned immediately and removed from the cache.
func (c *Cache) Push(now time.Time, meta wire.FrameMetadata, digitiserID uint8, events wire.EventList, veto uint16) (PushResult, error) {
	if !c.isExpectedDigitiser(digitiserID) {
		return PushResult{}, fmt.Errorf("%w: digitiser %d, frame %d", ErrUnexpectedDigitiser, digitiserID, meta.FrameNumber)
	}

	key := keyOf(meta)
	p, ok := c.frames[key]
	var forced []wire.FrameAssembledEventList
	var forcedErrs []error
	if !ok {
		p = newPartial(c.ttl, meta, now)
		c.frames[key] = p
		c.order = append(c.order, key)
		forced, forcedErrs = c.enforceSoftLimit()
	}

	if _, dup := p.digitisers[digitiserID]; dup {
		return PushResult{}, fmt.Errorf("%w: digitiser %d, frame %d", ErrDuplicateDigitiser, digitiserID, meta.FrameNumber)
	}

	p.digitisers[digitiserID] = events
	p.metadata.VetoFlags |= veto

	if !p.isComplete(c.expectedDigitisers) {
		return PushResult{Forced: forced, ForcedErrs: forcedErrs}, nil
	}

	aggregated, errs := c.emit(key, p, true)
	return PushResult{Aggregated: &aggregated, Complete: true, AccumulateErrs: errs, Forced: forced, ForcedErrs: forcedErrs}, nil
}

// enforceSoftLimit force-expires the oldest-by-expiry PFs until the cache is
// back within its soft size limit. Insertion order doubles as expiry order
// here: every partial in a Cache shares the same ttl, so the partial
// inserted first always expires first.
func (c *Cache) enforceSoftLimit() ([]wire.FrameAssembledEventList, []error) {
	if c.softLimit <= 0 || len(c.frames) <= c.softLimit {
		return nil, nil
	}
	var out []wire.FrameAssembledEventList
	var errs []error
	for len(c.frames) > c.softLimit && len(c.order) > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		p, ok := c.frames[key]
		if !ok {
			continue
		}
		aggregated, accumErrs := c.emit(key, p, false)
		out = append(out, aggregated)
		errs = append(errs, accumErrs...)
	}
	return out, errs
}

func (c *Cache) isExpectedDigitiser(id uint8) bool {
	for _, e := range c.expectedDigitisers {
		if e == id {
			return true
		}
	}
	return false
}

// PollExpired removes every frame whose TTL has elapsed as of now and
// returns its partial aggregate (Complete is always false: a frame that
// reached completeness was already emitted by Push).
func (c *Cache) PollExpired(now time.Time) ([]wire.FrameAssembledEventList, []error) {
	var out []wire.FrameAssembledEventList
	var errs []error
	remaining := c.order[:0]
	for _, key := range c.order {
		p, ok := c.frames[key]
		if !ok {
			continue
		}
		if !p.isExpired(now) {
			remaining = append(remaining, key)
			continue
		}
		aggregated, accumErrs := c.emit(key, p, false)
		out = append(out, aggregated)
		errs = append(errs, accumErrs...)
	}
	c.order = remaining
	return out, errs
}

// CancelRunBoundary force-expires every frame currently cached whose
// timestamp is strictly before the given boundary, without waiting for
// their TTL. Used when a run stop closes a collection window early.
func (c *Cache) CancelRunBoundary(before time.Time) ([]wire.FrameAssembledEventList, []error) {
	var out []wire.FrameAssembledEventList
	var errs []error
	remaining := c.order[:0]
	for _, key := range c.order {
		p, ok := c.frames[key]
		if !ok {
			continue
		}
		if !p.metadata.Timestamp.Before(before) {
			remaining = append(remaining, key)
			continue
		}
		aggregated, accumErrs := c.emit(key, p, false)
		out = append(out, aggregated)
		errs = append(errs, accumErrs...)
	}
	c.order = remaining
	return out, errs
}

// emit finalises a cached partial frame. Any contribution with mismatched
// array lengths is dropped from the merge (and reported) rather than
// failing the whole frame.
func (c *Cache) emit(key frameKey, p *partial, complete bool) (wire.FrameAssembledEventList, []error) {
	delete(c.frames, key)
	ids := p.digitiserIDs()
	events := make([]wire.EventList, len(ids))
	for i, id := range ids {
		events[i] = p.digitisers[id]
	}
	merged, errs := Accumulate(events)
	return wire.FrameAssembledEventList{
		Metadata:     p.metadata,
		DigitiserIDs: ids,
		Events:       merged,
		Complete:     complete,
	}, errs
}

// Len reports the number of frames currently cached (for tests and
// metrics).
func (c *Cache) Len() int {
	return len(c.frames)
}
