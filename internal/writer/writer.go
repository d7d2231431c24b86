/*
Package writer drains classified output entries onto up to three sink files.

A single consumer goroutine owns every file handle, so no locking is needed
on the write path; progress counters are exported through atomics. Flushing
follows a dual trigger: a pending-write batch threshold and a periodic tick
that fires even while the input channel is idle, so an entry written just
before a quiet period reaches disk within one interval.
*/
package writer

/*
checkerbase — high-throughput credential checking engine in Go
Copyright (C) 2025  Pepijn van der Stap <checkerbase@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EntryKind classifies an output entry.
type EntryKind int

const (
	KindSuccess EntryKind = iota
	KindFailed
	KindIgnored
)

func (k EntryKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailed:
		return "failed"
	case KindIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Capture is a named key/value extracted by a checker on success.
type Capture struct {
	Key   string
	Value string
}

// Entry is one classified result destined for a sink file.
type Entry struct {
	Kind     EntryKind
	Line     string
	Captures []Capture
}

// Formatter renders the output line body. When nil, the original line is
// written verbatim.
type Formatter func(line string, captures []Capture) string

// Config holds writer construction parameters. Empty sink paths disable that
// kind; entries for a disabled sink are dropped and counted.
type Config struct {
	SuccessPath      string
	FailedPath       string
	IgnoredPath      string
	AppendToExisting bool
	MaxBatchSize     int           // pending writes across all sinks before a forced flush
	FlushInterval    time.Duration // idle flush period
	Formatter        Formatter
	BufferSize       int
}

const (
	// DefaultMaxBatchSize is the pending-write count that forces a flush.
	DefaultMaxBatchSize = 1000

	// DefaultFlushInterval is the idle flush period.
	DefaultFlushInterval = time.Second

	// DefaultBufferSize is the per-sink bufio size.
	DefaultBufferSize = 256 * 1024
)

// sink is a lazily opened output file.
type sink struct {
	path string
	file *os.File
	bw   *bufio.Writer
}

// ResultWriter is the single consumer of the engine's output channel.
type ResultWriter struct {
	cfg   Config
	log   *zap.SugaredLogger
	sinks [3]*sink // indexed by EntryKind

	pending int // un-flushed writes across all sinks

	entriesWritten atomic.Int64
	flushCount     atomic.Int64
	droppedEntries atomic.Int64
}

// New creates a ResultWriter. Files are not opened until the first entry of
// their kind arrives.
func New(cfg Config, log *zap.SugaredLogger) *ResultWriter {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	w := &ResultWriter{cfg: cfg, log: log}
	w.sinks[KindSuccess] = newSink(cfg.SuccessPath)
	w.sinks[KindFailed] = newSink(cfg.FailedPath)
	w.sinks[KindIgnored] = newSink(cfg.IgnoredPath)

	return w
}

func newSink(path string) *sink {
	if path == "" {
		return nil
	}

	return &sink{path: path}
}

// HasSink reports whether a destination is configured for kind.
func (w *ResultWriter) HasSink(kind EntryKind) bool {
	return w.sinks[kind] != nil
}

// EntriesWritten returns the number of entries written to any sink.
func (w *ResultWriter) EntriesWritten() int64 { return w.entriesWritten.Load() }

// FlushCount returns the number of flush passes performed.
func (w *ResultWriter) FlushCount() int64 { return w.flushCount.Load() }

// DroppedEntries returns the number of entries discarded for lack of a sink.
func (w *ResultWriter) DroppedEntries() int64 { return w.droppedEntries.Load() }

// Run consumes entries until in is closed or ctx is cancelled. Pending data
// is flushed before returning in both cases. The returned error reflects the
// first write failure, which is fatal to the run.
func (w *ResultWriter) Run(ctx context.Context, in <-chan Entry) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flushAll := func() error {
		if w.pending == 0 {
			return nil
		}
		for _, s := range w.sinks {
			if s == nil || s.bw == nil {
				continue
			}
			if err := s.bw.Flush(); err != nil {
				return fmt.Errorf("failed to flush %q: %w", s.path, err)
			}
		}
		w.pending = 0
		w.flushCount.Add(1)

		return nil
	}

	for {
		select {
		case entry, ok := <-in:
			if !ok {
				return flushAll()
			}
			if err := w.write(entry); err != nil {
				return err
			}
			if w.pending >= w.cfg.MaxBatchSize {
				if err := flushAll(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flushAll(); err != nil {
				return err
			}
		case <-ctx.Done():
			// Take what is already queued, then flush and exit. Entries
			// emitted after cancellation was observed never arrive here.
		drain:
			for {
				select {
				case entry, ok := <-in:
					if !ok {
						break drain
					}
					if err := w.write(entry); err != nil {
						w.log.Warnw("write during cancellation failed", "error", err)

						break drain
					}
				default:
					break drain
				}
			}
			if err := flushAll(); err != nil {
				w.log.Warnw("flush on cancellation failed", "error", err)
			}

			return ctx.Err()
		}
	}
}

func (w *ResultWriter) write(entry Entry) error {
	s := w.sinks[entry.Kind]
	if s == nil {
		w.droppedEntries.Add(1)

		return nil
	}

	if s.bw == nil {
		if err := w.open(s); err != nil {
			return err
		}
	}

	body := entry.Line
	if w.cfg.Formatter != nil {
		body = w.cfg.Formatter(entry.Line, entry.Captures)
	}

	if _, err := s.bw.WriteString(body); err != nil {
		return fmt.Errorf("failed writing to %q: %w", s.path, err)
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed writing to %q: %w", s.path, err)
	}

	w.pending++
	w.entriesWritten.Add(1)

	return nil
}

// open creates the sink's directory and file on first write. UTF-8, no BOM.
func (w *ResultWriter) open(s *sink) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory %q: %w", dir, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if w.cfg.AppendToExisting {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output file %q: %w", s.path, err)
	}

	s.file = f
	s.bw = bufio.NewWriterSize(f, w.cfg.BufferSize)

	return nil
}

// Close flushes and closes every opened sink, aggregating disposal errors.
func (w *ResultWriter) Close() error {
	var errs []error

	for _, s := range w.sinks {
		if s == nil || s.file == nil {
			continue
		}
		if err := s.bw.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %q: %w", s.path, err))
		}
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", s.path, err))
		}
		s.file = nil
		s.bw = nil
	}

	return errors.Join(errs...)
}
