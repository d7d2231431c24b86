package discovery

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

	"github.com/zeebo/xxh3"
)

// trackerShards is the fixed shard count of the pending map. Sharding keeps
// unrelated domains off the same sync.Map when many workers miss the cache
// at once.
const trackerShards = 16

// Pending is a promise for the candidate list of one in-flight discovery.
type Pending struct {
	done chan struct{}
	cfgs []ServerConfig
	err  error
}

// Wait blocks until the producing caller completes the lookup, or ctx fires.
func (p *Pending) Wait(ctx context.Context) ([]ServerConfig, error) {
	select {
	case <-p.done:
		return p.cfgs, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingTracker coalesces concurrent lookups for the same domain. The
// LoadOrStore insertion is the atomic insert-or-observe step: exactly one
// caller sees isFirst=true and becomes the producer; everyone else awaits
// that caller's promise.
type PendingTracker struct {
	shards [trackerShards]sync.Map // domain -> *Pending
}

// NewPendingTracker creates an empty tracker.
func NewPendingTracker() *PendingTracker {
	return &PendingTracker{}
}

func (t *PendingTracker) shard(domain string) *sync.Map {
	return &t.shards[xxh3.HashString(domain)%trackerShards]
}

// GetOrCreate returns the pending promise for domain and whether the caller
// is the producer. The producer must eventually call Complete, Fail or
// Cancel; failure to do so leaks waiters.
func (t *PendingTracker) GetOrCreate(domain string) (*Pending, bool) {
	m := t.shard(domain)

	// Fast path: observe an existing entry without allocating.
	if v, ok := m.Load(domain); ok {
		return v.(*Pending), false
	}

	p := &Pending{done: make(chan struct{})}
	actual, loaded := m.LoadOrStore(domain, p)
	if loaded {
		// Lost the race between Load and LoadOrStore; another caller is
		// already producing.
		return actual.(*Pending), false
	}

	return p, true
}

// Complete fulfills domain's promise with cfgs and removes the entry.
func (t *PendingTracker) Complete(domain string, cfgs []ServerConfig) {
	t.fulfill(domain, cfgs, nil)
}

// Fail fulfills domain's promise with err and removes the entry.
func (t *PendingTracker) Fail(domain string, err error) {
	t.fulfill(domain, nil, err)
}

// Cancel fulfills domain's promise with context.Canceled and removes the
// entry.
func (t *PendingTracker) Cancel(domain string) {
	t.fulfill(domain, nil, context.Canceled)
}

func (t *PendingTracker) fulfill(domain string, cfgs []ServerConfig, err error) {
	v, ok := t.shard(domain).LoadAndDelete(domain)
	if !ok {
		return
	}

	p := v.(*Pending)
	p.cfgs = cfgs
	p.err = err
	close(p.done)
}

// InFlight reports whether a discovery for domain is currently pending.
func (t *PendingTracker) InFlight(domain string) bool {
	_, ok := t.shard(domain).Load(domain)

	return ok
}
