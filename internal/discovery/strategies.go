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
	"sort"
	"strings"
)

// ISPDBStrategy queries Thunderbird's public configuration directory.
type ISPDBStrategy struct{}

func (ISPDBStrategy) Name() string  { return "ispdb" }
func (ISPDBStrategy) Priority() int { return PriorityISPDB }

func (s ISPDBStrategy) Discover(ctx context.Context, domain string) ([]ServerConfig, error) {
	url := fmt.Sprintf("https://live.thunderbird.net/autoconfig/v1.1/%s", domain)

	return fetchAutoconfig(ctx, url, s.Name(), s.Priority())
}

// WellKnownStrategy fetches the domain's own autoconfig endpoints. The
// dedicated autoconfig vhost is tried before the .well-known path; the first
// non-empty result wins.
type WellKnownStrategy struct{}

func (WellKnownStrategy) Name() string  { return "autoconfig" }
func (WellKnownStrategy) Priority() int { return PriorityAutoconfig }

func (s WellKnownStrategy) Discover(ctx context.Context, domain string) ([]ServerConfig, error) {
	urls := []string{
		fmt.Sprintf("https://autoconfig.%s/mail/config-v1.1.xml", domain),
		fmt.Sprintf("https://%s/.well-known/autoconfig/mail/config-v1.1.xml", domain),
	}

	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfgs, err := fetchAutoconfig(ctx, url, s.Name(), s.Priority())
		if err != nil {
			continue
		}
		if len(cfgs) > 0 {
			return cfgs, nil
		}
	}

	return nil, nil
}

// Resolver is the subset of net.Resolver the MX strategy needs.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// MXStrategy resolves the domain's MX records and, when mail is hosted by a
// different provider, repeats the directory and well-known lookups against
// that provider's domain.
//
// The provider is derived from the two trailing labels of the best MX host,
// which is knowingly wrong for multi-label public suffixes (.co.uk); an
// acknowledged limitation, kept as-is.
type MXStrategy struct {
	Resolver Resolver
}

func (MXStrategy) Name() string  { return "mx" }
func (MXStrategy) Priority() int { return PriorityMX }

func (s MXStrategy) Discover(ctx context.Context, domain string) ([]ServerConfig, error) {
	resolver := s.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	records, err := resolver.LookupMX(ctx, domain)
	if err != nil || len(records) == 0 {
		return nil, err
	}

	// Best MX = lowest preference value.
	sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	mxHost := strings.TrimSuffix(strings.ToLower(records[0].Host), ".")

	provider := trailingTwoLabels(mxHost)
	if provider == "" || provider == domain {
		return nil, nil
	}

	var cfgs []ServerConfig
	for _, inner := range []Strategy{ISPDBStrategy{}, WellKnownStrategy{}} {
		if err := ctx.Err(); err != nil {
			return cfgs, err
		}

		found, err := inner.Discover(ctx, provider)
		if err != nil {
			continue
		}
		for _, cfg := range found {
			// Results adopt this strategy's identity: the config was reached
			// through the MX indirection, not the domain's own records.
			cfg.Source = s.Name()
			cfg.Priority = s.Priority()
			cfgs = append(cfgs, cfg)
		}
		if len(cfgs) > 0 {
			break
		}
	}

	return cfgs, nil
}

func trailingTwoLabels(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}

	return strings.Join(labels[len(labels)-2:], ".")
}
