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
	"errors"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	// DefaultStrategyTimeout bounds one strategy invocation.
	DefaultStrategyTimeout = 10 * time.Second

	// DefaultCandidateTTL is how long discovered candidates stay cached.
	DefaultCandidateTTL = 30 * 24 * time.Hour

	// DefaultVerifiedTTL is how long a verified config stays authoritative.
	DefaultVerifiedTTL = 90 * 24 * time.Hour

	// hotCacheTTL bounds the in-memory verified-config tier. Shorter than
	// the registry TTL so external invalidation is picked up eventually.
	hotCacheTTL = 10 * time.Minute
)

// Config holds service construction parameters.
type Config struct {
	StrategyTimeout time.Duration
	CandidateTTL    time.Duration
	VerifiedTTL     time.Duration
}

// Service coordinates cache lookups, single-flight deduplication and the
// strategy fan-out.
type Service struct {
	cfg        Config
	registry   Registry // may be nil: degrade to uncached
	strategies []Strategy
	tracker    *PendingTracker
	hot        *gocache.Cache // domain -> ServerConfig, verified fast path
	log        *zap.SugaredLogger
}

// NewService builds a Service over the given strategies, sorted by priority.
// A nil registry disables the durable cache; registry errors at lookup time
// degrade the same way.
func NewService(cfg Config, reg Registry, strategies []Strategy, log *zap.SugaredLogger) *Service {
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = DefaultStrategyTimeout
	}
	if cfg.CandidateTTL <= 0 {
		cfg.CandidateTTL = DefaultCandidateTTL
	}
	if cfg.VerifiedTTL <= 0 {
		cfg.VerifiedTTL = DefaultVerifiedTTL
	}

	ordered := make([]Strategy, len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	return &Service{
		cfg:        cfg,
		registry:   reg,
		strategies: ordered,
		tracker:    NewPendingTracker(),
		hot:        gocache.New(hotCacheTTL, 2*hotCacheTTL),
		log:        log,
	}
}

// DefaultStrategies returns the standard probe set in priority order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		ISPDBStrategy{},
		WellKnownStrategy{},
		MXStrategy{},
		ProbeStrategy{},
	}
}

// GetCandidates returns server configs for domain, most authoritative
// first. The verified fast path returns a single-element list. Concurrent
// callers for the same domain share one strategy fan-out.
func (s *Service) GetCandidates(ctx context.Context, domain string) ([]ServerConfig, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return nil, errors.New("discovery: empty domain")
	}

	// Fast path: verified config, hot tier first.
	if v, ok := s.hot.Get(domain); ok {
		cfg := v.(ServerConfig)

		return []ServerConfig{cfg}, nil
	}
	if cfg := s.verified(ctx, domain); cfg != nil {
		s.hot.Set(domain, *cfg, gocache.DefaultExpiration)

		return []ServerConfig{*cfg}, nil
	}

	// Cached path: unexpired candidates.
	if s.registry != nil {
		cached, err := s.registry.GetCandidates(ctx, domain)
		if err != nil {
			s.log.Debugw("registry candidate lookup failed", "domain", domain, "error", err)
		} else if len(cached) > 0 {
			return cached, nil
		}
	}

	// Single-flight: first caller produces, the rest await.
	pending, isFirst := s.tracker.GetOrCreate(domain)
	if !isFirst {
		return pending.Wait(ctx)
	}

	cfgs, err := s.discover(ctx, domain)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.tracker.Cancel(domain)
		} else {
			s.tracker.Fail(domain, err)
		}

		return nil, err
	}

	if len(cfgs) > 0 && s.registry != nil {
		if err := s.registry.SetCandidates(ctx, domain, cfgs, s.cfg.CandidateTTL); err != nil {
			// Degrade to "no cache"; the lookup result is still good.
			s.log.Warnw("failed to persist candidates", "domain", domain, "error", err)
		}
	}

	s.tracker.Complete(domain, cfgs)

	return cfgs, nil
}

func (s *Service) verified(ctx context.Context, domain string) *ServerConfig {
	if s.registry == nil {
		return nil
	}

	cfg, err := s.registry.GetVerified(ctx, domain)
	if err != nil {
		s.log.Debugw("registry verified lookup failed", "domain", domain, "error", err)

		return nil
	}

	return cfg
}

// discover runs every strategy in priority order, each under its own
// timeout, and aggregates the deduplicated result. Strategy errors are
// swallowed; cancellation of ctx propagates.
func (s *Service) discover(ctx context.Context, domain string) ([]ServerConfig, error) {
	var all []ServerConfig

	for _, strat := range s.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sctx, cancel := context.WithTimeout(ctx, s.cfg.StrategyTimeout)
		cfgs, err := strat.Discover(sctx, domain)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Debugw("strategy failed", "strategy", strat.Name(), "domain", domain, "error", err)
		}

		all = append(all, cfgs...)
	}

	return Dedupe(all), nil
}

// MarkVerified records that authentication succeeded against cfg for domain.
// Subsequent fast-path lookups return only this config until it expires.
func (s *Service) MarkVerified(ctx context.Context, domain string, cfg ServerConfig) error {
	domain = NormalizeDomain(domain)
	s.hot.Set(domain, cfg, gocache.DefaultExpiration)

	if s.registry == nil {
		return nil
	}

	return s.registry.SetVerified(ctx, domain, cfg, s.cfg.VerifiedTTL)
}

// Dedupe groups configs by case-insensitive (hostname, port) and keeps the
// lowest-priority (most authoritative) entry of each group, returning the
// result sorted by priority ascending.
func Dedupe(cfgs []ServerConfig) []ServerConfig {
	type key struct {
		host string
		port int
	}

	best := make(map[key]ServerConfig, len(cfgs))
	order := make([]key, 0, len(cfgs))

	for _, cfg := range cfgs {
		k := key{host: strings.ToLower(cfg.Hostname), port: cfg.Port}
		prev, seen := best[k]
		if !seen {
			best[k] = cfg
			order = append(order, k)

			continue
		}
		if cfg.Priority < prev.Priority {
			best[k] = cfg
		}
	}

	out := make([]ServerConfig, 0, len(best))
	for _, k := range order {
		out = append(out, best[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})

	return out
}
