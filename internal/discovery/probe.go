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
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	imapclient "github.com/emersion/go-imap/client"
	"golang.org/x/sync/errgroup"
)

// DefaultProbeTimeout bounds one connect attempt.
const DefaultProbeTimeout = 5 * time.Second

// ProbeStrategy guesses common IMAP endpoints and keeps every candidate that
// accepts a connection. Each attempt honors the candidate's declared
// security: 993 is dialed with TLS, 143 in the clear for a later STARTTLS.
type ProbeStrategy struct {
	// Timeout overrides DefaultProbeTimeout when positive.
	Timeout time.Duration
}

func (ProbeStrategy) Name() string  { return "guess" }
func (ProbeStrategy) Priority() int { return PriorityGuess }

func (s ProbeStrategy) Discover(ctx context.Context, domain string) ([]ServerConfig, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	type attempt struct {
		host     string
		port     int
		security Security
	}

	var attempts []attempt
	for _, prefix := range []string{"imap.", "mail.", ""} {
		host := prefix + domain
		attempts = append(attempts,
			attempt{host: host, port: 993, security: SecuritySSL},
			attempt{host: host, port: 143, security: SecuritySTARTTLS},
		)
	}

	var (
		mu   sync.Mutex
		cfgs []ServerConfig
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range attempts {
		g.Go(func() error {
			if gctx.Err() != nil {
				// A sibling failed attempt never cancels the group (errors
				// below are swallowed); only outer cancellation lands here.
				return gctx.Err()
			}

			if !s.connect(gctx, a.host, a.port, a.security, timeout) {
				return nil
			}

			mu.Lock()
			cfgs = append(cfgs, ServerConfig{
				Hostname:       a.host,
				Port:           a.port,
				Security:       a.security,
				UsernameFormat: UsernameEmail,
				Source:         s.Name(),
				Priority:       s.Priority(),
			})
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return cfgs, err
	}

	return cfgs, nil
}

// connect performs one connect-and-disconnect probe.
func (s ProbeStrategy) connect(ctx context.Context, host string, port int, security Security, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := &net.Dialer{Deadline: deadline}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var (
		c   *imapclient.Client
		err error
	)
	if security == SecuritySSL {
		c, err = imapclient.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: host})
	} else {
		c, err = imapclient.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return false
	}

	_ = c.Logout()

	return true
}
