// Package archive implements the periodic sweep that moves completed
// NeXus files out of the run engine's local "completed" directory into a
// remote archive location.
//
// Grounded on original_source/nexus-writer/src/flush_to_archive.rs: copy
// then remove, log-but-don't-halt on a single file's failure, and a
// dedicated tick loop that also watches for graceful shutdown.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/supermusr/data-pipeline/internal/queue"
	"github.com/supermusr/data-pipeline/internal/try"
)

// Metrics is the subset of counters the mover reports through, kept
// interface-shaped like runengine.Metrics so both can share one
// Prometheus/OTel wiring.
type Metrics interface {
	IncFileWriteFailed()
}

type noopMetrics struct{}

func (noopMetrics) IncFileWriteFailed() {}

// Mover periodically globs a completed-runs directory and copies each
// matching file into an archive directory, removing the local copy once
// the copy succeeds.
type Mover struct {
	log     *slog.Logger
	metrics Metrics

	globPattern string
	archivePath string
	interval    time.Duration
}

// New constructs a Mover. globPattern is matched with filepath.Glob on
// every tick (e.g. "/data/completed/*.nxs").
func New(log *slog.Logger, metrics Metrics, globPattern, archivePath string, interval time.Duration) *Mover {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Mover{
		log:         log,
		metrics:     metrics,
		globPattern: globPattern,
		archivePath: archivePath,
		interval:    interval,
	}
}

// Run ticks Sweep on interval until ctx is cancelled. It is intended to be
// run as one of the engine-wide tick tasks, and drives its loop through
// queue.Run so every tick-task in this pipeline shuts down the same way.
func (m *Mover) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("starting archive mover", slog.String("glob", m.globPattern), slog.String("archive_path", m.archivePath))

	return queue.Run(ctx, m.log, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Warn("archive sweep encountered errors", slog.Any("error", err))
			}
			return nil
		}
	})
}

// Sweep runs one pass over every file matching globPattern, driving each
// through a queue.AtLeastOnceItemProcessor: copy into the archive first,
// remove the local copy only once the copy has landed. A crash between the
// two steps leaves the local file in place for the next sweep to pick back
// up, rather than losing it -- the same at-least-once contract
// AtLeastOnceItemProcessor documents for Kafka-style consumers, here
// applied to a directory glob standing in for the queue. A single file's
// failure is logged and counted, not fatal to the sweep; Sweep returns a
// joined error of every failure so callers can inspect them if they want
// to, but Run never treats it as a reason to stop.
func (m *Mover) Sweep(ctx context.Context) error {
	consumer := &globConsumer{pattern: m.globPattern}
	processor := &archiveCopyProcessor{archivePath: m.archivePath}
	acknowledger := &archiveRemoveAcknowledger{log: m.log}
	item := queue.ProcessAtLeastOnce[string](m.log, consumer, processor, acknowledger)

	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := item.ProcessItem(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, queue.EOQ) {
			return errors.Join(errs...)
		}
		m.metrics.IncFileWriteFailed()
		m.log.Warn("failed to move file to archive", slog.Any("error", err))
		errs = append(errs, err)
	}
}

// globConsumer implements queue.Consumer[string] over a single glob
// pattern, snapshotting matches on first Consume and returning queue.EOQ
// once every match from that snapshot has been handed out.
type globConsumer struct {
	pattern string
	matches []string
	globbed bool
}

func (c *globConsumer) Consume(context.Context) (string, error) {
	if !c.globbed {
		matches, err := filepath.Glob(c.pattern)
		if err != nil {
			return "", fmt.Errorf("archive: glob %q: %w", c.pattern, err)
		}
		c.matches = matches
		c.globbed = true
	}
	if len(c.matches) == 0 {
		return "", queue.EOQ
	}
	next := c.matches[0]
	c.matches = c.matches[1:]
	return next, nil
}

// archiveCopyProcessor implements queue.Processor[string]: it copies a
// completed run file into the archive directory without touching the
// local copy, leaving the remove step to Acknowledge.
type archiveCopyProcessor struct {
	archivePath string
}

func (p *archiveCopyProcessor) Process(_ context.Context, path string) error {
	dest := filepath.Join(p.archivePath, filepath.Base(path))
	if err := copyFile(path, dest); err != nil {
		return fmt.Errorf("archive: copy %s to %s: %w", path, dest, err)
	}
	return nil
}

// archiveRemoveAcknowledger implements queue.Acknowledger[string]: it
// removes the local copy once Process has confirmed the archive copy
// landed, and is only ever reached after that has happened.
type archiveRemoveAcknowledger struct {
	log *slog.Logger
}

func (a *archiveRemoveAcknowledger) Acknowledge(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("archive: remove local copy %s: %w", path, err)
	}
	a.log.Info("moved file to archive", slog.String("path", path))
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer try.Close(&err, in)

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer try.Close(&err, out)

	_, err = io.Copy(out, in)
	return err
}
