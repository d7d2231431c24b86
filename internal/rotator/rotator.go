/*
Package rotator provides a lock-free cyclic dispenser over a fixed slice.
It is used to hand out proxies (and any other fixed resource set) to many
worker goroutines without coordination beyond a single atomic counter.
*/
package rotator

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
	"errors"
	"sync/atomic"
)

// ErrEmpty is returned by New when constructed with no elements.
var ErrEmpty = errors.New("rotator: empty element set")

// RoundRobin dispenses elements of a fixed slice in cyclic order.
// The counter is unsigned so wrap-around on overflow keeps the modulo
// arithmetic correct without any special casing.
type RoundRobin[T any] struct {
	elems []T
	next  atomic.Uint64
}

// New creates a RoundRobin over elems. The slice is not copied; callers
// must not mutate it after construction.
func New[T any](elems []T) (*RoundRobin[T], error) {
	if len(elems) == 0 {
		return nil, ErrEmpty
	}

	return &RoundRobin[T]{elems: elems}, nil
}

// Next returns the next element in cyclic order. Safe for concurrent use.
func (r *RoundRobin[T]) Next() T {
	idx := r.next.Add(1) - 1

	return r.elems[idx%uint64(len(r.elems))]
}

// Len returns the number of elements in the cycle.
func (r *RoundRobin[T]) Len() int {
	return len(r.elems)
}
