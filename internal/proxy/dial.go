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
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// DialTimeout bounds the TCP connect to the proxy itself and, for HTTP
// proxies, the CONNECT round trip.
const DialTimeout = 10 * time.Second

// ContextDialer dials a network address, optionally through a proxy.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dialer returns a ContextDialer routed through p. A nil proxy yields a
// direct dialer. SOCKS5 is handled by golang.org/x/net/proxy; HTTP and HTTPS
// proxies use a CONNECT tunnel. SOCKS4 has no authenticated CONNECT-style
// support in x/net and is rejected at dial time.
func Dialer(p *Proxy) ContextDialer {
	direct := &net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}
	if p == nil {
		return direct
	}

	switch p.Type {
	case TypeSocks5:
		var auth *xproxy.Auth
		if p.Username != "" {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}

		return &socks5Dialer{proxy: p, auth: auth, forward: direct}
	case TypeHTTP, TypeHTTPS:
		return &connectDialer{proxy: p, forward: direct}
	default:
		return &unsupportedDialer{typ: p.Type}
	}
}

type socks5Dialer struct {
	proxy   *Proxy
	auth    *xproxy.Auth
	forward *net.Dialer
}

func (d *socks5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	s, err := xproxy.SOCKS5(network, d.proxy.Addr(), d.auth, d.forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", d.proxy.Addr(), err)
	}

	cd, ok := s.(xproxy.ContextDialer)
	if !ok {
		// x/net always returns a ContextDialer today; fall back defensively.
		return s.Dial(network, addr)
	}

	return cd.DialContext(ctx, network, addr)
}

// connectDialer tunnels a TCP stream through an HTTP proxy via CONNECT.
type connectDialer struct {
	proxy   *Proxy
	forward *net.Dialer
}

func (d *connectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, network, d.proxy.Addr())
	if err != nil {
		return nil, fmt.Errorf("connect to http proxy %s: %w", d.proxy.Addr(), err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.proxy.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.proxy.Username + ":" + d.proxy.Password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	deadline := time.Now().Add(DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()

		return nil, fmt.Errorf("write CONNECT to %s: %w", d.proxy.Addr(), err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("read CONNECT response from %s: %w", d.proxy.Addr(), err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()

		return nil, fmt.Errorf("http proxy %s refused CONNECT: %s", d.proxy.Addr(), resp.Status)
	}

	// Buffered bytes past the response headers belong to the tunnel.
	if br.Buffered() > 0 {
		peeked, _ := br.Peek(br.Buffered())
		conn = &bufferedConn{Conn: conn, buffered: peeked}
	}

	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}

type bufferedConn struct {
	net.Conn
	buffered []byte
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if len(c.buffered) > 0 {
		n := copy(p, c.buffered)
		c.buffered = c.buffered[n:]

		return n, nil
	}

	return c.Conn.Read(p)
}

type unsupportedDialer struct {
	typ Type
}

func (d *unsupportedDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, fmt.Errorf("proxy type %q is not supported for dialing", d.typ)
}
