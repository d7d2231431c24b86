/*
Package checker defines the capability contract between the engine and a
concrete record checker, plus the transient-error classification helpers the
engine consults when Process fails.

The engine never inspects record or client internals: both are type
parameters fixed at the engine's construction site.
*/
package checker

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
	"io"
	"net"
	"os"
	"syscall"

	"github.com/x-stp/checkerbase/internal/proxy"
	"github.com/x-stp/checkerbase/internal/writer"
)

// Outcome is the terminal-or-retry classification of one process attempt.
type Outcome int

const (
	// OutcomeSuccess is terminal; the record was accepted.
	OutcomeSuccess Outcome = iota
	// OutcomeFailed is terminal; the record was processed and rejected.
	OutcomeFailed
	// OutcomeIgnored is terminal; the record is inapplicable.
	OutcomeIgnored
	// OutcomeRetry is transient; the engine re-enters the attempt loop until
	// max retries are exhausted.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Result carries the outcome of one Process call. Captures are only
// meaningful for OutcomeSuccess; Cause optionally explains an OutcomeRetry.
type Result struct {
	Outcome  Outcome
	Captures []writer.Capture
	Cause    error
}

// Client is a per-attempt scoped resource created by the checker's factory.
// The engine guarantees release on every exit path of an attempt.
type Client interface {
	Close() error
}

// Checker is the capability set the engine depends on. E is the parsed
// record type, C the per-attempt client type.
type Checker[E any, C Client] interface {
	// QuickValidate is an allocation-free prefilter over the raw line.
	QuickValidate(line string) bool

	// Parse converts the line to a record; ok=false means unparseable.
	Parse(line string) (record E, ok bool)

	// CreateClient builds a fresh client for one attempt, optionally routed
	// through p. Retries never reuse a client.
	CreateClient(ctx context.Context, p *proxy.Proxy) (C, error)

	// Process runs the business check. A returned error is classified via
	// IsTransient; a returned Result drives the engine's state machine.
	Process(ctx context.Context, record E, client C) (Result, error)

	// IsTransient reports whether err warrants a retry rather than a Failed
	// classification.
	IsTransient(err error) bool
}

// IsTransientNetErr is the default transient classification shared by
// checkers: timeouts, refused/reset connections, unexpected stream ends and
// DNS lookup failures are all conditions a retry with a fresh client (and
// usually a different proxy) can clear.
func IsTransientNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// DeadlineExceeded from a per-attempt timeout is transient; outer
		// cancellation is handled by the engine before classification.
		return errors.Is(err, context.DeadlineExceeded)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary || dnsErr.IsNotFound
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
