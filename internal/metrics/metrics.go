/*
Package metrics aggregates run counters and derives progress figures.

Counters are lock-free atomics updated by the reader (bytes) and workers
(classification counts). Snapshot is a point-in-time approximation: each
field is a consistent read, but the set of fields is not taken under a lock,
so a skew of a few counts between them is expected and acceptable.
*/
package metrics

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
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds the counters for one run. A zero Metrics is ready to use.
type Metrics struct {
	totalBytes     atomic.Int64
	processedBytes atomic.Int64
	success        atomic.Int64
	failed         atomic.Int64
	ignored        atomic.Int64
	retries        atomic.Int64

	// Stopwatch. The elapsed time of a run excludes paused windows:
	// accumulated collects finished segments, startedAt anchors the
	// currently running segment.
	mu          sync.Mutex
	accumulated time.Duration
	startedAt   time.Time
	running     bool
}

// Snapshot is an immutable view of the counters with derived fields.
type Snapshot struct {
	TotalBytes     int64
	ProcessedBytes int64
	ProcessedLines int64
	Success        int64
	Failed         int64
	Ignored        int64
	Retries        int64
	Elapsed        time.Duration
	ProgressPct    float64
	CPM            float64
	BytesPerSec    float64
	ETA            *time.Duration
}

// SetTotalBytes records the input file length.
func (m *Metrics) SetTotalBytes(n int64) { m.totalBytes.Store(n) }

// AddProcessedBytes advances the committed byte count.
func (m *Metrics) AddProcessedBytes(delta int64) { m.processedBytes.Add(delta) }

// AddSuccess increments the success counter.
func (m *Metrics) AddSuccess() { m.success.Add(1) }

// AddFailed increments the failed counter.
func (m *Metrics) AddFailed() { m.failed.Add(1) }

// AddIgnored increments the ignored counter.
func (m *Metrics) AddIgnored() { m.ignored.Add(1) }

// AddRetry increments the retry counter. Retries are attempts, not lines.
func (m *Metrics) AddRetry() { m.retries.Add(1) }

// Start starts the stopwatch. Starting a running stopwatch is a no-op.
func (m *Metrics) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		m.startedAt = time.Now()
		m.running = true
	}
}

// Stop halts the stopwatch, folding the active segment into the total.
func (m *Metrics) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.accumulated += time.Since(m.startedAt)
		m.running = false
	}
}

// Pause stops the stopwatch; counter updates remain allowed.
func (m *Metrics) Pause() { m.Stop() }

// Resume restarts the stopwatch after a Pause.
func (m *Metrics) Resume() { m.Start() }

// Elapsed returns run time excluding paused windows.
func (m *Metrics) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.accumulated
	if m.running {
		d += time.Since(m.startedAt)
	}

	return d
}

// Snapshot reads all counters and computes the derived fields.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		TotalBytes:     m.totalBytes.Load(),
		ProcessedBytes: m.processedBytes.Load(),
		Success:        m.success.Load(),
		Failed:         m.failed.Load(),
		Ignored:        m.ignored.Load(),
		Retries:        m.retries.Load(),
		Elapsed:        m.Elapsed(),
	}
	s.ProcessedLines = s.Success + s.Failed + s.Ignored

	if s.TotalBytes > 0 {
		s.ProgressPct = float64(s.ProcessedBytes) / float64(s.TotalBytes) * 100
	}

	secs := s.Elapsed.Seconds()
	if secs > 0 {
		s.BytesPerSec = float64(s.ProcessedBytes) / secs
		s.CPM = float64(s.ProcessedLines) / (secs / 60)
	}

	if s.BytesPerSec > 0 && s.TotalBytes > s.ProcessedBytes {
		eta := time.Duration(float64(s.TotalBytes-s.ProcessedBytes) / s.BytesPerSec * float64(time.Second))
		s.ETA = &eta
	}

	return s
}
