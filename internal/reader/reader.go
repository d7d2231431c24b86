/*
Package reader streams a line-oriented text file into a bounded channel.

The reader owns the file handle for the duration of the run, splits the byte
stream on '\n' (stripping a single trailing '\r' and a leading UTF-8 BOM),
and reports committed byte consumption deltas to a callback after every
segment. Lines that span segment boundaries are assembled through a small
stack-sized array when short, or a pooled buffer when long, to keep the hot
path free of per-line heap allocation.
*/
package reader

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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// DefaultSegmentSize is the read buffer size per I/O call.
	DefaultSegmentSize = 1 << 20 // 1 MiB

	// DefaultQueueCapacity is the bound of the downstream line channel.
	DefaultQueueCapacity = 10_000

	// smallLineMax is the threshold under which a segment-spanning line is
	// assembled in a stack-sized array instead of a pooled buffer.
	smallLineMax = 256
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// OnBytesRead receives the number of source bytes whose consumption has been
// committed since the previous report.
type OnBytesRead func(delta int64)

// LineReader streams one file. Instances are single-use.
type LineReader struct {
	path        string
	segmentSize int
	onBytesRead OnBytesRead

	bufPool sync.Pool // *bytes.Buffer for long segment-spanning lines
}

// Option configures a LineReader.
type Option func(*LineReader)

// WithSegmentSize overrides the read segment size.
func WithSegmentSize(n int) Option {
	return func(r *LineReader) {
		if n > 0 {
			r.segmentSize = n
		}
	}
}

// WithBytesRead installs the committed-bytes callback.
func WithBytesRead(fn OnBytesRead) Option {
	return func(r *LineReader) {
		r.onBytesRead = fn
	}
}

// New creates a LineReader for path.
func New(path string, opts ...Option) *LineReader {
	r := &LineReader{
		path:        path,
		segmentSize: DefaultSegmentSize,
		bufPool: sync.Pool{
			New: func() interface{} {
				return &bytes.Buffer{}
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// carry accumulates the residue of a segment that did not end in '\n'.
// Short residues live in the inline array; long ones spill to a pooled
// buffer which is returned to the pool on reset.
type carry struct {
	small [smallLineMax]byte
	n     int
	big   *bytes.Buffer
	pool  *sync.Pool
}

func (c *carry) len() int {
	if c.big != nil {
		return c.big.Len()
	}

	return c.n
}

func (c *carry) append(b []byte) {
	if c.big != nil {
		c.big.Write(b)

		return
	}
	if c.n+len(b) <= smallLineMax {
		copy(c.small[c.n:], b)
		c.n += len(b)

		return
	}

	buf := c.pool.Get().(*bytes.Buffer)
	buf.Reset()
	buf.Write(c.small[:c.n])
	buf.Write(b)
	c.big = buf
	c.n = 0
}

func (c *carry) bytes() []byte {
	if c.big != nil {
		return c.big.Bytes()
	}

	return c.small[:c.n]
}

func (c *carry) reset() {
	if c.big != nil {
		c.pool.Put(c.big)
		c.big = nil
	}
	c.n = 0
}

// Run streams the file, sending each line to out. The channel is closed on
// return regardless of outcome. A non-nil error means the run failed (or was
// cancelled); the engine decides how to surface it.
func (r *LineReader) Run(ctx context.Context, out chan<- string) (err error) {
	defer close(out)

	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open input %q: %w", r.path, err)
	}
	defer f.Close()

	var (
		seg       = make([]byte, r.segmentSize)
		pending   = carry{pool: &r.bufPool}
		committed int64 // file offset one past the last committed byte
		reported  int64 // last value handed to onBytesRead
		offset    int64 // file offset of the next unread byte
		first     = true
	)
	defer pending.reset()

	report := func() {
		if r.onBytesRead != nil && committed > reported {
			r.onBytesRead(committed - reported)
			reported = committed
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := f.Read(seg)
		chunk := seg[:n]

		if first && n >= 3 {
			if bytes.Equal(chunk[:3], utf8BOM) {
				chunk = chunk[3:]
				committed = offset + 3
			}
			first = false
		}
		offset += int64(n)

		// Drain complete lines from this segment.
		base := offset - int64(len(chunk))
		for {
			nl := bytes.IndexByte(chunk, '\n')
			if nl < 0 {
				break
			}

			line := chunk[:nl]
			if pending.len() > 0 {
				pending.append(line)
				line = pending.bytes()
			}
			line = trimCR(line)

			if err := send(ctx, out, string(line)); err != nil {
				return err
			}
			pending.reset()

			committed = base + int64(nl) + 1
			chunk = chunk[nl+1:]
			base = committed
		}

		if len(chunk) > 0 {
			pending.append(chunk)
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return fmt.Errorf("failed reading input %q: %w", r.path, readErr)
			}

			// Final, unterminated line.
			if pending.len() > 0 {
				line := trimCR(pending.bytes())
				if err := send(ctx, out, string(line)); err != nil {
					return err
				}
				pending.reset()
			}

			committed = offset
			report()

			return nil
		}

		report()
	}
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}

	return b
}

// send offers the line without blocking first; a full queue falls back to an
// awaiting send that also observes cancellation.
func send(ctx context.Context, out chan<- string, line string) error {
	select {
	case out <- line:
		return nil
	default:
	}

	select {
	case out <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
