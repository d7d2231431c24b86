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
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/x-stp/checkerbase/internal/checker"
	"github.com/x-stp/checkerbase/internal/config"
	"github.com/x-stp/checkerbase/internal/metrics"
	"github.com/x-stp/checkerbase/internal/proxy"
	"github.com/x-stp/checkerbase/internal/writer"
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange is delivered on the controller's event channel at every
// transition.
type StateChange struct {
	State State
	Err   error
}

// ValidationError aggregates the human-readable problems that prevented a
// run from starting.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "settings validation failed: " + strings.Join(e.Problems, "; ")
}

// Options tunes controller construction beyond the persisted settings.
type Options struct {
	// WriteIgnored adds an ignored.txt sink alongside success/failed.
	WriteIgnored bool
	// AppendOutputs opens sinks in append mode instead of truncating.
	AppendOutputs bool
	// RateLimit caps records/sec across workers; zero disables.
	RateLimit float64
	// PinWorkers requests CPU affinity for worker goroutines.
	PinWorkers bool
	// Formatter renders sink lines; nil writes the original line.
	Formatter writer.Formatter
}

// Controller wraps one engine in the Idle/Running/Paused/... state machine,
// validates settings up front, and handles the resume temp file.
type Controller[E any, C checker.Client] struct {
	settingsPath string
	settings     *config.AppSettings
	opts         Options
	chk          checker.Checker[E, C]
	log          *zap.SugaredLogger

	met         *metrics.Metrics
	out         *writer.ResultWriter
	eng         *Engine[E, C]
	rotator     *proxy.Rotator
	checkpoints *CheckpointManager

	mu     sync.Mutex
	state  State
	events chan StateChange

	resumeBase int64  // byte offset the current run started from
	tempPath   string // resume temp file, deleted when the run ends
}

// NewController builds an idle controller around chk.
func NewController[E any, C checker.Client](
	settingsPath string,
	settings *config.AppSettings,
	opts Options,
	chk checker.Checker[E, C],
	log *zap.SugaredLogger,
) *Controller[E, C] {
	return &Controller[E, C]{
		settingsPath: settingsPath,
		settings:     settings,
		opts:         opts,
		chk:          chk,
		log:          log,
		state:        StateIdle,
		events:       make(chan StateChange, 16),
		checkpoints:  NewCheckpointManager(settingsPath, settings),
	}
}

// Events returns the state transition channel. Events are dropped, not
// blocked on, when the receiver lags.
func (c *Controller[E, C]) Events() <-chan StateChange { return c.events }

// State returns the current state.
func (c *Controller[E, C]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Metrics exposes the run counters once Initialize has succeeded.
func (c *Controller[E, C]) Metrics() *metrics.Metrics { return c.met }

// Checkpoints exposes the checkpoint manager.
func (c *Controller[E, C]) Checkpoints() *CheckpointManager { return c.checkpoints }

func (c *Controller[E, C]) transition(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	select {
	case c.events <- StateChange{State: s, Err: err}:
	default:
		c.log.Warnw("dropped state event", "state", s.String())
	}
}

// Initialize validates the settings, verifies the output directory is
// writable, loads proxies when configured, and constructs the engine. It
// must be called in StateIdle, before Run.
func (c *Controller[E, C]) Initialize() error {
	if st := c.State(); st != StateIdle {
		return fmt.Errorf("cannot initialize in state %s", st)
	}

	problems := c.settings.Validate()

	if c.settings.InputPath != "" {
		if info, err := os.Stat(c.settings.InputPath); err != nil {
			problems = append(problems, fmt.Sprintf("input file %q not found", c.settings.InputPath))
		} else if info.Size() == 0 {
			problems = append(problems, fmt.Sprintf("input file %q is empty", c.settings.InputPath))
		}
	}

	if c.settings.OutputDir != "" {
		if err := ensureWritableDir(c.settings.OutputDir); err != nil {
			problems = append(problems, err.Error())
		}
	}

	var rot *proxy.Rotator
	if c.settings.ProxyPath != "" {
		res, err := proxy.LoadFile(c.settings.ProxyPath, proxy.Type(c.settings.ProxyType))
		if err != nil {
			problems = append(problems, fmt.Sprintf("proxy file: %v", err))
		} else {
			if len(res.Failed) > 0 {
				c.log.Warnw("proxy file has unparseable lines", "count", len(res.Failed))
			}
			if len(res.Proxies) == 0 {
				problems = append(problems, fmt.Sprintf("proxy file %q contains no usable proxies", c.settings.ProxyPath))
			}
			rot = proxy.NewRotator(res.Proxies)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	c.rotator = rot
	c.met = &metrics.Metrics{}

	ignoredPath := ""
	if c.opts.WriteIgnored {
		ignoredPath = filepath.Join(c.settings.OutputDir, "ignored.txt")
	}
	c.out = writer.New(writer.Config{
		SuccessPath:      filepath.Join(c.settings.OutputDir, "success.txt"),
		FailedPath:       filepath.Join(c.settings.OutputDir, "failed.txt"),
		IgnoredPath:      ignoredPath,
		AppendToExisting: c.opts.AppendOutputs,
		Formatter:        c.opts.Formatter,
	}, c.log)

	c.eng = New(Config{
		InputPath:   c.settings.InputPath,
		Parallelism: c.settings.Parallelism,
		MaxRetries:  c.settings.MaxRetries,
		RateLimit:   c.opts.RateLimit,
		PinWorkers:  c.opts.PinWorkers,
	}, c.chk, c.rotator, c.out, c.met, c.log)

	return nil
}

// ensureWritableDir creates dir if needed and proves writability with a
// throwaway test file.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("output directory %q cannot be created: %v", dir, err)
	}

	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("output directory %q is not writable: %v", dir, err)
	}
	os.Remove(probe)

	return nil
}

// Run executes the engine to completion, blocking the caller. When
// resumeFromByte is positive the run consumes a temp file holding bytes
// [offset, end) of the input, deleted when the run ends.
//
// A cancelled run saves a checkpoint at the committed byte position; a
// completed run clears any checkpoint.
func (c *Controller[E, C]) Run(ctx context.Context, resumeFromByte int64) error {
	if st := c.State(); st != StateIdle {
		return fmt.Errorf("cannot start in state %s", st)
	}
	if c.eng == nil {
		return errors.New("controller not initialized")
	}

	inputPath := c.settings.InputPath
	c.resumeBase = 0

	if resumeFromByte > 0 {
		tmp, err := CreateResumeTemp(inputPath, resumeFromByte)
		if err != nil {
			c.transition(StateError, err)

			return err
		}
		c.tempPath = tmp
		c.resumeBase = resumeFromByte
		c.eng.cfg.InputPath = tmp
		c.log.Infow("resuming from checkpoint", "offset", resumeFromByte, "temp", tmp)
	}
	defer c.removeTemp()

	c.transition(StateRunning, nil)

	err := c.eng.Run(ctx)

	switch {
	case err == nil:
		if clearErr := c.checkpoints.Clear(); clearErr != nil {
			c.log.Warnw("failed to clear checkpoint", "error", clearErr)
		}
		c.transition(StateCompleted, nil)

		return nil
	case errors.Is(err, context.Canceled):
		c.saveCancelCheckpoint()
		c.transition(StateCancelled, nil)

		return err
	default:
		c.transition(StateError, err)

		return err
	}
}

// saveCancelCheckpoint persists the committed byte position so the next run
// can pick up where this one stopped.
func (c *Controller[E, C]) saveCancelCheckpoint() {
	offset := c.resumeBase + c.met.Snapshot().ProcessedBytes
	if offset <= 0 {
		return
	}

	if err := c.checkpoints.SaveCheckpoint(offset); err != nil {
		c.log.Warnw("failed to save checkpoint", "offset", offset, "error", err)
	} else {
		c.log.Infow("checkpoint saved", "offset", offset)
	}
}

func (c *Controller[E, C]) removeTemp() {
	if c.tempPath == "" {
		return
	}
	if err := os.Remove(c.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warnw("failed to remove resume temp file", "path", c.tempPath, "error", err)
	}
	c.tempPath = ""
}

// Pause suspends record intake. Legal only while running.
func (c *Controller[E, C]) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return fmt.Errorf("cannot pause in state %s", c.state)
	}

	c.eng.Pause()
	c.state = StatePaused
	select {
	case c.events <- StateChange{State: StatePaused}:
	default:
	}

	return nil
}

// Resume reopens the gate after a Pause.
func (c *Controller[E, C]) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		return fmt.Errorf("cannot resume in state %s", c.state)
	}

	c.eng.Resume()
	c.state = StateRunning
	select {
	case c.events <- StateChange{State: StateRunning}:
	default:
	}

	return nil
}

// Cancel fires the run's cancellation scope. A paused run is released first
// so workers can observe the cancellation.
func (c *Controller[E, C]) Cancel() {
	c.mu.Lock()
	eng := c.eng
	paused := c.state == StatePaused
	c.mu.Unlock()

	if eng == nil {
		return
	}
	if paused {
		eng.Resume()
	}
	eng.Cancel()
}

// Reset returns a finished controller to Idle. The engine is discarded;
// Initialize must run again before the next Run.
func (c *Controller[E, C]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eng = nil
	c.out = nil
	c.met = nil
	c.state = StateIdle
	select {
	case c.events <- StateChange{State: StateIdle}:
	default:
	}
}

// Writer exposes the result writer for disposal after a run.
func (c *Controller[E, C]) Writer() *writer.ResultWriter { return c.out }
