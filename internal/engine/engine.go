/*
Package engine orchestrates the processing pipeline: one reader streaming
lines into a bounded queue, N workers running the per-record
retry/classification loop, and one writer fanning classified entries out to
the sink files. The engine owns the run's linked cancellation scope, the
pause gate, and the shutdown ordering that keeps partial failures from
turning into hangs.

Engine instances are single-use: construct, Run, dispose.
*/
package engine

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
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/x-stp/checkerbase/internal/checker"
	"github.com/x-stp/checkerbase/internal/metrics"
	"github.com/x-stp/checkerbase/internal/proxy"
	"github.com/x-stp/checkerbase/internal/reader"
	"github.com/x-stp/checkerbase/internal/writer"
)

const (
	// DefaultInputQueueCapacity bounds the line channel between the reader
	// and the workers.
	DefaultInputQueueCapacity = 10_000

	// outputQueueFactor sizes the worker→writer channel relative to the
	// input queue. The output side is modeled as unbounded; in practice a
	// deep buffer plus a writer that only stops on fatal error (which
	// cancels the run) means workers never deadlock on it.
	outputQueueFactor = 4
)

// ErrEngineReused is returned when Run is called twice on one instance.
var ErrEngineReused = errors.New("engine instances are single-use")

// Config holds engine construction parameters.
type Config struct {
	InputPath          string
	Parallelism        int
	MaxRetries         int
	InputQueueCapacity int
	// RateLimit caps processed records per second across all workers.
	// Zero means no limit.
	RateLimit float64
	// PinWorkers requests best-effort CPU affinity for worker goroutines.
	PinWorkers bool
}

// Engine runs one checking pass over one input file. E is the checker's
// parsed record type, C its per-attempt client type.
type Engine[E any, C checker.Client] struct {
	cfg     Config
	chk     checker.Checker[E, C]
	proxies *proxy.Rotator
	out     *writer.ResultWriter
	met     *metrics.Metrics
	gate    *Gate
	limiter *rate.Limiter
	log     *zap.SugaredLogger

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	started  atomic.Bool
}

// New constructs an engine. The writer is owned by the caller for disposal
// (Close) but driven by the engine for the duration of Run.
func New[E any, C checker.Client](
	cfg Config,
	chk checker.Checker[E, C],
	proxies *proxy.Rotator,
	out *writer.ResultWriter,
	met *metrics.Metrics,
	log *zap.SugaredLogger,
) *Engine[E, C] {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.InputQueueCapacity <= 0 {
		cfg.InputQueueCapacity = DefaultInputQueueCapacity
	}

	e := &Engine[E, C]{
		cfg:     cfg,
		chk:     chk,
		proxies: proxies,
		out:     out,
		met:     met,
		gate:    NewGate(),
		log:     log,
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return e
}

// Metrics exposes the run counters.
func (e *Engine[E, C]) Metrics() *metrics.Metrics { return e.met }

// Pause closes the gate and pauses the run clock. Records already being
// processed run to completion; no new record begins until Resume.
func (e *Engine[E, C]) Pause() {
	e.gate.Reset()
	e.met.Pause()
}

// Resume reopens the gate and restarts the run clock.
func (e *Engine[E, C]) Resume() {
	e.gate.Set()
	e.met.Resume()
}

// Cancel fires the run's linked cancellation scope.
func (e *Engine[E, C]) Cancel() {
	e.cancelMu.Lock()
	cancel := e.cancel
	e.cancelMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Run executes the pipeline to completion. It returns nil on a clean run,
// ctx's error on cancellation, or the first fatal reader/worker/writer
// error. The shutdown sequence is fixed: await reader, close lines, await
// workers, close output, await writer, stop the clock.
func (e *Engine[E, C]) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineReused
	}

	info, err := os.Stat(e.cfg.InputPath)
	if err != nil {
		return fmt.Errorf("failed to stat input %q: %w", e.cfg.InputPath, err)
	}
	e.met.SetTotalBytes(info.Size())
	e.met.Start()
	defer e.met.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()

	lines := make(chan string, e.cfg.InputQueueCapacity)
	entries := make(chan writer.Entry, e.cfg.InputQueueCapacity*outputQueueFactor)

	// Reader. It closes the line channel on every exit path, which doubles
	// as the end-of-input signal for the workers.
	rd := reader.New(e.cfg.InputPath,
		reader.WithBytesRead(func(delta int64) { e.met.AddProcessedBytes(delta) }))
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- rd.Run(runCtx, lines)
	}()

	// Workers.
	var (
		wg          sync.WaitGroup
		workerErrMu sync.Mutex
		workerErr   error
	)
	for i := 0; i < e.cfg.Parallelism; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			if e.cfg.PinWorkers {
				pinWorker(id)
			}

			if err := e.workerLoop(runCtx, lines, entries); err != nil {
				workerErrMu.Lock()
				if workerErr == nil {
					workerErr = err
				}
				workerErrMu.Unlock()
				// Unblock the reader immediately; without this a full line
				// queue and a dead worker pool would deadlock the shutdown
				// sequence.
				cancel()
			}
		}(i)
	}

	// Writer. A fatal sink error cancels the whole run so workers blocked
	// on the output channel observe it.
	writerDone := make(chan error, 1)
	go func() {
		err := e.out.Run(runCtx, entries)
		if err != nil && !errors.Is(err, context.Canceled) {
			cancel()
		}
		writerDone <- err
	}()

	// 1. Await the reader; a reader failure cancels the linked scope.
	readerErr := <-readerDone
	if readerErr != nil && !errors.Is(readerErr, context.Canceled) {
		e.log.Errorw("reader failed", "error", readerErr)
		cancel()
	}

	// 2. The line queue is already closed by the reader (all exit paths).
	// 3. Await the workers; a worker failure has already cancelled the
	// linked scope at the point it was recorded.
	wg.Wait()
	if workerErr != nil {
		e.log.Errorw("worker failed", "error", workerErr)
	}

	// 4. Close the output queue; 5. await the writer, swallowing a
	// cancellation-only completion.
	close(entries)
	writerErr := <-writerDone
	if errors.Is(writerErr, context.Canceled) {
		writerErr = nil
	}

	// 6. The deferred met.Stop freezes the clock.

	switch {
	case readerErr != nil && !errors.Is(readerErr, context.Canceled):
		return readerErr
	case workerErr != nil:
		return workerErr
	case writerErr != nil:
		return writerErr
	default:
		// Nil on a clean run; context.Canceled when Cancel or the parent
		// context stopped it. The deferred cancel has not fired yet here.
		return runCtx.Err()
	}
}

// workerLoop drains the line queue. Cancellation exits silently (nil); a
// returned error is fatal to the run.
func (e *Engine[E, C]) workerLoop(ctx context.Context, lines <-chan string, entries chan<- writer.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker: %v", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			// Pause gate between successive records.
			if err := e.gate.Wait(ctx); err != nil {
				return nil
			}
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return nil
				}
			}

			if err := e.processLine(ctx, line, entries); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}

				return err
			}
		}
	}
}

// processLine runs the retry/classification state machine for one record.
func (e *Engine[E, C]) processLine(ctx context.Context, line string, entries chan<- writer.Entry) error {
	// Prefilter rejects are counted but never written.
	if !e.chk.QuickValidate(line) {
		e.met.AddIgnored()

		return nil
	}

	record, ok := e.chk.Parse(line)
	if !ok {
		e.met.AddIgnored()
		if e.out.HasSink(writer.KindIgnored) {
			e.emit(ctx, entries, writer.Entry{Kind: writer.KindIgnored, Line: line})
		}

		return nil
	}

	retryCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := e.attempt(ctx, record)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if e.chk.IsTransient(err) && retryCount < e.cfg.MaxRetries {
				e.met.AddRetry()
				retryCount++

				continue
			}

			e.met.AddFailed()
			if e.out.HasSink(writer.KindFailed) {
				e.emit(ctx, entries, writer.Entry{Kind: writer.KindFailed, Line: line})
			}

			return nil
		}

		switch res.Outcome {
		case checker.OutcomeSuccess:
			e.met.AddSuccess()
			e.emit(ctx, entries, writer.Entry{Kind: writer.KindSuccess, Line: line, Captures: res.Captures})

			return nil
		case checker.OutcomeFailed:
			e.met.AddFailed()
			if e.out.HasSink(writer.KindFailed) {
				e.emit(ctx, entries, writer.Entry{Kind: writer.KindFailed, Line: line, Captures: res.Captures})
			}

			return nil
		case checker.OutcomeIgnored:
			e.met.AddIgnored()
			if e.out.HasSink(writer.KindIgnored) {
				e.emit(ctx, entries, writer.Entry{Kind: writer.KindIgnored, Line: line, Captures: res.Captures})
			}

			return nil
		case checker.OutcomeRetry:
			if retryCount < e.cfg.MaxRetries {
				e.met.AddRetry()
				retryCount++

				continue
			}

			e.met.AddFailed()
			if e.out.HasSink(writer.KindFailed) {
				e.emit(ctx, entries, writer.Entry{Kind: writer.KindFailed, Line: line})
			}

			return nil
		default:
			return fmt.Errorf("checker returned unknown outcome %d", res.Outcome)
		}
	}
}

// attempt performs one client-scoped process call. The client is released on
// every exit path, including panics; retries never see a previous attempt's
// client.
func (e *Engine[E, C]) attempt(ctx context.Context, record E) (checker.Result, error) {
	p := e.proxies.Next()

	client, err := e.chk.CreateClient(ctx, p)
	if err != nil {
		return checker.Result{}, err
	}
	defer client.Close()

	return e.chk.Process(ctx, record, client)
}

// emit places an entry on the output queue, abandoning it only if the run is
// cancelled while the queue is full.
func (e *Engine[E, C]) emit(ctx context.Context, entries chan<- writer.Entry, entry writer.Entry) {
	select {
	case entries <- entry:
	case <-ctx.Done():
	}
}
