package discovery

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memRegistry is an in-memory Registry with call counters.
type memRegistry struct {
	mu         sync.Mutex
	verified   map[string]ServerConfig
	candidates map[string][]ServerConfig

	setCandidatesCalls atomic.Int64
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		verified:   make(map[string]ServerConfig),
		candidates: make(map[string][]ServerConfig),
	}
}

func (m *memRegistry) GetVerified(_ context.Context, domain string) (*ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg, ok := m.verified[domain]; ok {
		return &cfg, nil
	}

	return nil, nil
}

func (m *memRegistry) SetVerified(_ context.Context, domain string, cfg ServerConfig, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verified[domain] = cfg

	return nil
}

func (m *memRegistry) GetCandidates(_ context.Context, domain string) ([]ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]ServerConfig(nil), m.candidates[domain]...), nil
}

func (m *memRegistry) SetCandidates(_ context.Context, domain string, cfgs []ServerConfig, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[domain] = append([]ServerConfig(nil), cfgs...)
	m.setCandidatesCalls.Add(1)

	return nil
}

func (m *memRegistry) CleanExpired(context.Context) error { return nil }

// scriptedStrategy returns fixed configs after an optional delay.
type scriptedStrategy struct {
	name     string
	priority int
	configs  []ServerConfig
	delay    time.Duration
	calls    atomic.Int64
}

func (s *scriptedStrategy) Name() string  { return s.name }
func (s *scriptedStrategy) Priority() int { return s.priority }

func (s *scriptedStrategy) Discover(ctx context.Context, _ string) ([]ServerConfig, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return append([]ServerConfig(nil), s.configs...), nil
}

func newTestService(reg Registry, strategies ...Strategy) *Service {
	return NewService(Config{}, reg, strategies, zap.NewNop().Sugar())
}

func TestDedupeKeepsMostAuthoritative(t *testing.T) {
	t.Parallel()

	a := ServerConfig{Hostname: "imap.x.com", Port: 993, Priority: 2, Source: "autoconfig"}
	b := ServerConfig{Hostname: "IMAP.x.com", Port: 993, Priority: 1, Source: "ispdb"}
	c := ServerConfig{Hostname: "imap.x.com", Port: 143, Priority: 3, Source: "mx"}

	got := Dedupe([]ServerConfig{a, b, c})
	require.Len(t, got, 2)
	assert.Equal(t, b, got[0], "case-insensitive host match keeps lowest priority")
	assert.Equal(t, c, got[1])
}

func TestGetCandidatesAggregatesAndPersists(t *testing.T) {
	t.Parallel()

	reg := newMemRegistry()
	s1 := &scriptedStrategy{name: "ispdb", priority: 1, configs: []ServerConfig{
		{Hostname: "imap.example.com", Port: 993, Priority: 1, Security: SecuritySSL},
	}}
	s2 := &scriptedStrategy{name: "guess", priority: 4, configs: []ServerConfig{
		{Hostname: "IMAP.example.com", Port: 993, Priority: 4, Security: SecuritySSL},
		{Hostname: "mail.example.com", Port: 143, Priority: 4, Security: SecuritySTARTTLS},
	}}

	svc := newTestService(reg, s2, s1) // out of order on purpose

	got, err := svc.GetCandidates(context.Background(), "Example.COM")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Priority, "strategies run and merge in priority order")
	assert.Equal(t, "imap.example.com", got[0].Hostname)
	assert.Equal(t, "mail.example.com", got[1].Hostname)

	// Candidates were persisted under the normalized key.
	stored, _ := reg.GetCandidates(context.Background(), "example.com")
	assert.Len(t, stored, 2)
}

func TestGetCandidatesUsesCachedCandidates(t *testing.T) {
	t.Parallel()

	reg := newMemRegistry()
	reg.candidates["example.com"] = []ServerConfig{
		{Hostname: "cached.example.com", Port: 993, Priority: 1},
	}

	strat := &scriptedStrategy{name: "ispdb", priority: 1}
	svc := newTestService(reg, strat)

	got, err := svc.GetCandidates(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cached.example.com", got[0].Hostname)
	assert.Zero(t, strat.calls.Load(), "cached path must not fan out")
}

func TestVerifiedFastPath(t *testing.T) {
	t.Parallel()

	reg := newMemRegistry()
	verified := ServerConfig{Hostname: "imap.example.com", Port: 993, Priority: 1}
	reg.verified["example.com"] = verified

	strat := &scriptedStrategy{name: "ispdb", priority: 1, configs: []ServerConfig{
		{Hostname: "other.example.com", Port: 993, Priority: 1},
	}}
	svc := newTestService(reg, strat)

	got, err := svc.GetCandidates(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, verified, got[0])
	assert.Zero(t, strat.calls.Load())
}

func TestMarkVerifiedShortCircuitsNextLookup(t *testing.T) {
	t.Parallel()

	reg := newMemRegistry()
	strat := &scriptedStrategy{name: "guess", priority: 4, configs: []ServerConfig{
		{Hostname: "a.example.com", Port: 993, Priority: 4},
		{Hostname: "b.example.com", Port: 143, Priority: 4},
	}}
	svc := newTestService(reg, strat)

	first, err := svc.GetCandidates(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, svc.MarkVerified(context.Background(), "example.com", first[0]))

	second, err := svc.GetCandidates(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0], second[0])
}

func TestSingleFlightFanOut(t *testing.T) {
	t.Parallel()

	reg := newMemRegistry()
	strat := &scriptedStrategy{
		name:     "ispdb",
		priority: 1,
		delay:    200 * time.Millisecond,
		configs: []ServerConfig{
			{Hostname: "imap.example.com", Port: 993, Priority: 1},
		},
	}
	svc := newTestService(reg, strat)

	const callers = 10
	results := make([][]ServerConfig, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.GetCandidates(context.Background(), "example.com")
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), strat.calls.Load(), "exactly one fan-out may execute")
	assert.Equal(t, int64(1), reg.setCandidatesCalls.Load(), "registry written exactly once")

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i], "all callers receive identical lists")
	}
}

func TestStrategyErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	failing := &failingStrategy{}
	ok := &scriptedStrategy{name: "guess", priority: 4, configs: []ServerConfig{
		{Hostname: "imap.example.com", Port: 993, Priority: 4},
	}}
	svc := newTestService(newMemRegistry(), failing, ok)

	got, err := svc.GetCandidates(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

type failingStrategy struct{}

func (failingStrategy) Name() string  { return "broken" }
func (failingStrategy) Priority() int { return 1 }
func (failingStrategy) Discover(context.Context, string) ([]ServerConfig, error) {
	return nil, assert.AnError
}

func TestNilRegistryDegradesToUncached(t *testing.T) {
	t.Parallel()

	strat := &scriptedStrategy{name: "guess", priority: 4, configs: []ServerConfig{
		{Hostname: "imap.example.com", Port: 993, Priority: 4},
	}}
	svc := newTestService(nil, strat)

	got, err := svc.GetCandidates(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// A second lookup fans out again: nothing was cached durably, and the
	// pending entry was removed on completion.
	_, err = svc.GetCandidates(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), strat.calls.Load())
}

// fixedResolver feeds the MX strategy without DNS.
type fixedResolver struct {
	records []*net.MX
	err     error
}

func (r fixedResolver) LookupMX(context.Context, string) ([]*net.MX, error) {
	return r.records, r.err
}

func TestMXStrategySelectsLowestPreference(t *testing.T) {
	t.Parallel()

	// The best MX resolves to the queried domain itself, so the strategy
	// stops before re-running the HTTP lookups; what matters here is the
	// preference ordering and provider derivation.
	strat := MXStrategy{Resolver: fixedResolver{records: []*net.MX{
		{Host: "backup.mx.other.net.", Pref: 20},
		{Host: "mx1.example.com.", Pref: 5},
	}}}

	got, err := strat.Discover(context.Background(), "example.com")
	assert.NoError(t, err)
	assert.Empty(t, got, "provider equal to domain yields no indirection")
}

func TestMXStrategyNoRecords(t *testing.T) {
	t.Parallel()

	strat := MXStrategy{Resolver: fixedResolver{}}
	got, err := strat.Discover(context.Background(), "example.com")
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestTrailingTwoLabels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "google.com", trailingTwoLabels("aspmx.l.google.com"))
	assert.Equal(t, "example.com", trailingTwoLabels("example.com"))
	assert.Equal(t, "", trailingTwoLabels("localhost"))
}
