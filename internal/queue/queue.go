// Package queue provides the generic consume/process/acknowledge
// processing loop and the Run tick-task driver used by the aggregator,
// the searcher and the archive mover.
//
// Adapted from the teacher's queue/queue.go: the Consumer/Processor/
// Acknowledger interfaces and the at-most-once/at-least-once item
// processors are kept unchanged in shape and generic over any item type
// T (internal/archive instantiates them over file paths). The
// bedrock-specific App/Runner/Builder wrapper is dropped; cmd/* wires
// signal-driven shutdown directly with os/signal.NotifyContext.
package queue

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// EOQ is returned by a Consumer reading from a finite queue to signal
// that the queue is exhausted and the runtime should shut down cleanly.
var EOQ = errors.New("queue: no more items")

// Consumer consumes message(s), T, from a queue. Implementations should
// return EOQ when the queue is exhausted.
type Consumer[T any] interface {
	Consume(context.Context) (T, error)
}

// Processor implements the business logic for processing message(s), T.
type Processor[T any] interface {
	Process(context.Context, T) error
}

// Acknowledger confirms message(s), T, have been durably processed.
type Acknowledger[T any] interface {
	Acknowledge(context.Context, T) error
}

// AtMostOnceItemProcessor acknowledges before processing: a crash between
// acknowledge and process loses the message rather than reprocessing it.
type AtMostOnceItemProcessor[T any] struct {
	tracer trace.Tracer
	log    *slog.Logger

	c Consumer[T]
	p Processor[T]
	a Acknowledger[T]
}

// ProcessAtMostOnce constructs an AtMostOnceItemProcessor.
func ProcessAtMostOnce[T any](log *slog.Logger, c Consumer[T], p Processor[T], a Acknowledger[T]) *AtMostOnceItemProcessor[T] {
	return &AtMostOnceItemProcessor[T]{
		tracer: otel.Tracer("queue"),
		log:    log,
		c:      c,
		p:      p,
		a:      a,
	}
}

// ProcessItem consumes, acknowledges, then processes a single item.
func (it *AtMostOnceItemProcessor[T]) ProcessItem(ctx context.Context) error {
	spanCtx, span := it.tracer.Start(ctx, "AtMostOnceItemProcessor.ProcessItem")
	defer span.End()

	item, err := it.c.Consume(spanCtx)
	if err != nil {
		return err
	}

	if err := it.a.Acknowledge(spanCtx, item); err != nil {
		return err
	}

	return it.p.Process(spanCtx, item)
}

// AtLeastOnceItemProcessor processes before acknowledging: a crash
// between process and acknowledge redelivers the message, so Process
// must be idempotent or tolerate reprocessing.
type AtLeastOnceItemProcessor[T any] struct {
	tracer trace.Tracer
	log    *slog.Logger

	c Consumer[T]
	p Processor[T]
	a Acknowledger[T]
}

// ProcessAtLeastOnce constructs an AtLeastOnceItemProcessor.
func ProcessAtLeastOnce[T any](log *slog.Logger, c Consumer[T], p Processor[T], a Acknowledger[T]) *AtLeastOnceItemProcessor[T] {
	return &AtLeastOnceItemProcessor[T]{
		tracer: otel.Tracer("queue"),
		log:    log,
		c:      c,
		p:      p,
		a:      a,
	}
}

// ProcessItem consumes, processes, then acknowledges a single item.
func (it *AtLeastOnceItemProcessor[T]) ProcessItem(ctx context.Context) error {
	spanCtx, span := it.tracer.Start(ctx, "AtLeastOnceItemProcessor.ProcessItem")
	defer span.End()

	item, err := it.c.Consume(spanCtx)
	if err != nil {
		return err
	}

	if err := it.p.Process(spanCtx, item); err != nil {
		return err
	}

	return it.a.Acknowledge(spanCtx, item)
}

// Runtime orchestrates a queue processing loop; ProcessQueue returns when
// the runtime should shut down (context cancellation or EOQ).
type Runtime interface {
	ProcessQueue(context.Context) error
}

// Run drives an item processor in a loop until ctx is cancelled or the
// processor returns EOQ, logging and swallowing any other processing
// error so a single bad message never halts the loop (spec.md §7's "the
// per-message runtime loop never propagates an error upward except for
// context cancellation").
func Run(ctx context.Context, log *slog.Logger, processItem func(context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		err := processItem(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, EOQ) {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		log.Error("item processing failed", slog.Any("error", err))
	}
}
