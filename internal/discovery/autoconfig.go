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
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/x-stp/checkerbase/internal/client"
)

// maxAutoconfigBody caps the response size read from autoconfig endpoints.
const maxAutoconfigBody = 1 << 20 // 1 MiB

// clientConfig mirrors the Mozilla autoconfig XML document. Only the
// incomingServer elements matter here.
type clientConfig struct {
	XMLName       xml.Name `xml:"clientConfig"`
	EmailProvider struct {
		IncomingServers []incomingServer `xml:"incomingServer"`
	} `xml:"emailProvider"`
}

type incomingServer struct {
	Type       string `xml:"type,attr"`
	Hostname   string `xml:"hostname"`
	Port       string `xml:"port"`
	SocketType string `xml:"socketType"`
	Username   string `xml:"username"`
}

// ParseAutoconfig extracts IMAP server configs from a Mozilla autoconfig
// document. Elements missing a hostname or carrying a non-integer port are
// skipped; malformed XML yields an empty list.
func ParseAutoconfig(data []byte, source string, priority int) []ServerConfig {
	var doc clientConfig
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil
	}

	var cfgs []ServerConfig
	for _, srv := range doc.EmailProvider.IncomingServers {
		if !strings.EqualFold(srv.Type, "imap") {
			continue
		}

		hostname := strings.TrimSpace(srv.Hostname)
		if hostname == "" {
			continue
		}

		port, err := strconv.Atoi(strings.TrimSpace(srv.Port))
		if err != nil || port < 1 || port > 65535 {
			continue
		}

		security := SecurityNone
		switch strings.TrimSpace(srv.SocketType) {
		case "SSL":
			security = SecuritySSL
		case "STARTTLS":
			security = SecuritySTARTTLS
		}

		format := UsernameEmail
		if strings.TrimSpace(srv.Username) == "%EMAILLOCALPART%" {
			format = UsernameLocalPart
		}

		cfgs = append(cfgs, ServerConfig{
			Hostname:       hostname,
			Port:           port,
			Security:       security,
			UsernameFormat: format,
			Source:         source,
			Priority:       priority,
		})
	}

	return cfgs
}

// fetchAutoconfig GETs url and parses the body as autoconfig XML. Non-200
// responses and transport failures yield an error; the caller treats any
// error as an empty contribution.
func fetchAutoconfig(ctx context.Context, url, source string, priority int) ([]ServerConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build autoconfig request for %q: %w", url, err)
	}

	resp, err := client.GetHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("autoconfig fetch %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoconfig fetch %q: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAutoconfigBody))
	if err != nil {
		return nil, fmt.Errorf("autoconfig body %q: %w", url, err)
	}

	return ParseAutoconfig(body, source, priority), nil
}
