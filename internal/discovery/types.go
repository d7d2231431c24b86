/*
Package discovery locates candidate mail server configurations for a domain.

The service consults a persistent two-tier cache (verified configs, then
candidates) before fanning out across the probing strategies, and coalesces
concurrent lookups for the same domain so that at most one discovery per key
is in flight at any instant.
*/
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
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Security is the transport security of a server endpoint.
type Security string

const (
	SecuritySSL      Security = "SSL"
	SecuritySTARTTLS Security = "STARTTLS"
	SecurityNone     Security = "None"
)

// UsernameFormat tells the checker what to present as the login name.
type UsernameFormat string

const (
	// UsernameEmail uses the full address.
	UsernameEmail UsernameFormat = "Email"
	// UsernameLocalPart uses only the part before the '@'.
	UsernameLocalPart UsernameFormat = "LocalPart"
)

// Strategy source priorities. Lower is more authoritative and tried first.
const (
	PriorityISPDB      = 1
	PriorityAutoconfig = 2
	PriorityMX         = 3
	PriorityGuess      = 4
)

// ServerConfig is one discovered or verified server endpoint.
type ServerConfig struct {
	Hostname       string
	Port           int
	Security       Security
	UsernameFormat UsernameFormat
	Source         string
	Priority       int
}

// Addr returns the host:port dial address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

func (c ServerConfig) String() string {
	return fmt.Sprintf("%s/%s (%s, prio %d)", c.Addr(), c.Security, c.Source, c.Priority)
}

// NormalizeDomain lowercases and trims a lookup key.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// Registry is the durable cache the service consults and maintains. A nil
// Registry degrades the service to uncached discovery.
type Registry interface {
	GetVerified(ctx context.Context, domain string) (*ServerConfig, error)
	SetVerified(ctx context.Context, domain string, cfg ServerConfig, ttl time.Duration) error
	GetCandidates(ctx context.Context, domain string) ([]ServerConfig, error)
	SetCandidates(ctx context.Context, domain string, cfgs []ServerConfig, ttl time.Duration) error
	CleanExpired(ctx context.Context) error
}

// Strategy is one independent discovery probe. Implementations must be
// side-effect free and resilient: internal failures surface as an empty
// candidate list, never as an error that aborts the lookup.
type Strategy interface {
	Name() string
	Priority() int
	Discover(ctx context.Context, domain string) ([]ServerConfig, error)
}
