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
	"sync"
)

// Gate is a binary, awaitable, resettable event. Open means waiters pass
// immediately; Reset closes the gate so waiters suspend until the next Set.
// Safe to Set with no waiters and to Reset while a waiter is suspended.
//
// Workers wait on the gate between successive records, which is what makes
// pause take effect only at record boundaries.
type Gate struct {
	mu sync.Mutex
	ch chan struct{} // closed iff the gate is open
}

// NewGate returns a gate in the open state.
func NewGate() *Gate {
	g := &Gate{ch: make(chan struct{})}
	close(g.ch)

	return g
}

// Set opens the gate, releasing all current and future waiters.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.ch:
		// Already open.
	default:
		close(g.ch)
	}
}

// Reset closes the gate. Waiters arriving afterwards suspend until Set.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// Already closed.
	}
}

// IsSet reports whether the gate is open.
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait suspends until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
