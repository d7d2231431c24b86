/*
Package proxy holds the proxy data model, the proxy list file parser and a
dialer factory used by checkers to route connections through a rotated proxy.

Accepted line forms in a proxy file:

	host:port
	host:port:user:pass
	user:pass@host:port

Any form may be prefixed by a scheme (http://, https://, socks4://, socks5://).
Lines without a scheme inherit the configured default type. Blank lines are
skipped; lines that fail to parse are collected for diagnostics rather than
aborting the load.
*/
package proxy

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
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/x-stp/checkerbase/internal/rotator"
)

// Type identifies the proxy protocol.
type Type string

const (
	TypeHTTP   Type = "http"
	TypeHTTPS  Type = "https"
	TypeSocks4 Type = "socks4"
	TypeSocks5 Type = "socks5"
)

// Proxy is a single upstream proxy endpoint, optionally authenticated.
type Proxy struct {
	Type     Type
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the host:port dial address.
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p *Proxy) String() string {
	return fmt.Sprintf("%s://%s", p.Type, p.Addr())
}

// FailedLine records one unparseable proxy file line for diagnostics.
type FailedLine struct {
	LineNo int
	Text   string
	Reason string
}

// LoadResult is the outcome of parsing a proxy file.
type LoadResult struct {
	Proxies []*Proxy
	Failed  []FailedLine
}

// LoadFile parses the proxy list at path. Unparseable lines never abort the
// load; they are returned in LoadResult.Failed.
func LoadFile(path string, defaultType Type) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file %q: %w", path, err)
	}
	defer f.Close()

	result := &LoadResult{}
	sc := bufio.NewScanner(f)
	lineNo := 0

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		p, err := ParseLine(line, defaultType)
		if err != nil {
			result.Failed = append(result.Failed, FailedLine{LineNo: lineNo, Text: line, Reason: err.Error()})
			continue
		}

		result.Proxies = append(result.Proxies, p)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed reading proxy file %q: %w", path, err)
	}

	return result, nil
}

// ParseLine parses a single proxy specification.
func ParseLine(line string, defaultType Type) (*Proxy, error) {
	typ := defaultType

	for _, scheme := range []Type{TypeHTTPS, TypeHTTP, TypeSocks5, TypeSocks4} {
		prefix := string(scheme) + "://"
		if strings.HasPrefix(line, prefix) {
			typ = scheme
			line = line[len(prefix):]

			break
		}
	}
	if typ == "" {
		typ = TypeHTTP
	}

	p := &Proxy{Type: typ}

	// user:pass@host:port
	if at := strings.LastIndexByte(line, '@'); at >= 0 {
		cred := line[:at]
		user, pass, ok := strings.Cut(cred, ":")
		if !ok {
			return nil, fmt.Errorf("credentials %q missing ':' separator", cred)
		}
		p.Username = user
		p.Password = pass
		line = line[at+1:]
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		// host:port
	case 4:
		// host:port:user:pass; rejected when '@' credentials were already given.
		if p.Username != "" || p.Password != "" {
			return nil, fmt.Errorf("duplicate credentials in %q", line)
		}
		p.Username = parts[2]
		p.Password = parts[3]
	default:
		return nil, fmt.Errorf("expected host:port or host:port:user:pass, got %q", line)
	}

	host := strings.TrimSpace(parts[0])
	if host == "" {
		return nil, fmt.Errorf("empty host in %q", line)
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", parts[1])
	}

	p.Host = host
	p.Port = port

	return p, nil
}

// Rotator hands out proxies round-robin. A nil or empty Rotator always
// returns nil from Next, so an unconfigured proxy list degrades to direct
// connections without branching at every call site.
type Rotator struct {
	inner *rotator.RoundRobin[*Proxy]
}

// NewRotator builds a Rotator over proxies. An empty slice yields a Rotator
// whose Next always returns nil; the inner round-robin is never constructed.
func NewRotator(proxies []*Proxy) *Rotator {
	if len(proxies) == 0 {
		return &Rotator{}
	}

	rr, err := rotator.New(proxies)
	if err != nil {
		// Unreachable: len checked above.
		return &Rotator{}
	}

	return &Rotator{inner: rr}
}

// Next returns the next proxy, or nil when no proxies are configured.
func (r *Rotator) Next() *Proxy {
	if r == nil || r.inner == nil {
		return nil
	}

	return r.inner.Next()
}

// Len returns the number of configured proxies.
func (r *Rotator) Len() int {
	if r == nil || r.inner == nil {
		return 0
	}

	return r.inner.Len()
}
