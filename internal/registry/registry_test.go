package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/x-stp/checkerbase/internal/discovery"
)

func newTestRegistry(t *testing.T) *ServerRegistry {
	t.Helper()

	r := New(filepath.Join(t.TempDir(), "registry.db"), zap.NewNop().Sugar())
	t.Cleanup(func() { r.Close() })

	return r
}

func cfg(host string, port, prio int) discovery.ServerConfig {
	return discovery.ServerConfig{
		Hostname:       host,
		Port:           port,
		Security:       discovery.SecuritySSL,
		UsernameFormat: discovery.UsernameEmail,
		Source:         "ispdb",
		Priority:       prio,
	}
}

func TestVerifiedRoundTrip(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	got, err := r.GetVerified(ctx, "example.com")
	require.NoError(t, err)
	assert.Nil(t, got, "empty registry returns nil")

	want := cfg("imap.example.com", 993, 1)
	require.NoError(t, r.SetVerified(ctx, "example.com", want, time.Hour))

	got, err = r.GetVerified(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestVerifiedUpsertReplaces(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetVerified(ctx, "example.com", cfg("old.example.com", 993, 1), time.Hour))
	require.NoError(t, r.SetVerified(ctx, "example.com", cfg("new.example.com", 143, 2), time.Hour))

	got, err := r.GetVerified(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new.example.com", got.Hostname)
}

func TestVerifiedExpires(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetVerified(ctx, "example.com", cfg("imap.example.com", 993, 1), -time.Second))

	got, err := r.GetVerified(ctx, "example.com")
	require.NoError(t, err)
	assert.Nil(t, got, "expired rows are invisible")
}

func TestCandidatesRoundTripSorted(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	in := []discovery.ServerConfig{
		cfg("c.example.com", 143, 4),
		cfg("a.example.com", 993, 1),
		cfg("b.example.com", 993, 3),
	}
	require.NoError(t, r.SetCandidates(ctx, "example.com", in, time.Hour))

	got, err := r.GetCandidates(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a.example.com", got[0].Hostname)
	assert.Equal(t, "b.example.com", got[1].Hostname)
	assert.Equal(t, "c.example.com", got[2].Hostname)
}

func TestCandidatesDuplicatesKeepLowestPriority(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	// Regardless of input order, a duplicate (domain, hostname, port)
	// collapses to the lowest-priority entry.
	ascending := []discovery.ServerConfig{
		cfg("imap.example.com", 993, 1),
		cfg("imap.example.com", 993, 4),
	}
	descending := []discovery.ServerConfig{
		cfg("imap.example.com", 993, 4),
		cfg("imap.example.com", 993, 1),
	}

	for name, in := range map[string][]discovery.ServerConfig{
		"ascending": ascending, "descending": descending,
	} {
		require.NoError(t, r.SetCandidates(ctx, "example.com", in, time.Hour), name)

		got, err := r.GetCandidates(ctx, "example.com")
		require.NoError(t, err, name)
		require.Len(t, got, 1, "unique (domain, hostname, port): %s", name)
		assert.Equal(t, 1, got[0].Priority, "lowest priority wins: %s", name)
	}
}

func TestCandidatesDuplicateRowCarriesWinnersFields(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	worse := cfg("imap.example.com", 993, 4)
	worse.Source = "guess"
	worse.Security = discovery.SecuritySTARTTLS
	better := cfg("imap.example.com", 993, 1)
	better.Source = "ispdb"

	require.NoError(t, r.SetCandidates(ctx, "example.com",
		[]discovery.ServerConfig{worse, better}, time.Hour))

	got, err := r.GetCandidates(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, better, got[0], "the surviving row is the authoritative entry wholesale")
}

func TestSetCandidatesReplacesPreviousSet(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetCandidates(ctx, "example.com",
		[]discovery.ServerConfig{cfg("stale.example.com", 993, 1)}, time.Hour))
	require.NoError(t, r.SetCandidates(ctx, "example.com",
		[]discovery.ServerConfig{cfg("fresh.example.com", 993, 1)}, time.Hour))

	got, err := r.GetCandidates(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh.example.com", got[0].Hostname)
}

func TestCandidatesPerDomainIsolation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetCandidates(ctx, "a.com",
		[]discovery.ServerConfig{cfg("imap.a.com", 993, 1)}, time.Hour))
	require.NoError(t, r.SetCandidates(ctx, "b.com",
		[]discovery.ServerConfig{cfg("imap.b.com", 993, 1)}, time.Hour))

	got, err := r.GetCandidates(ctx, "a.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "imap.a.com", got[0].Hostname)
}

func TestCleanExpired(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetVerified(ctx, "dead.com", cfg("imap.dead.com", 993, 1), -time.Second))
	require.NoError(t, r.SetVerified(ctx, "live.com", cfg("imap.live.com", 993, 1), time.Hour))
	require.NoError(t, r.SetCandidates(ctx, "dead.com",
		[]discovery.ServerConfig{cfg("imap.dead.com", 993, 1)}, -time.Second))

	require.NoError(t, r.CleanExpired(ctx))

	live, err := r.GetVerified(ctx, "live.com")
	require.NoError(t, err)
	assert.NotNil(t, live)

	// The expired rows are physically gone, not just filtered.
	db, err := r.conn(ctx)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verified_configs WHERE domain = 'dead.com'`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM server_candidates WHERE domain = 'dead.com'`).Scan(&n))
	assert.Zero(t, n)
}

func TestInitializationIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registry.db")
	log := zap.NewNop().Sugar()

	r1 := New(path, log)
	require.NoError(t, r1.SetVerified(context.Background(), "example.com", cfg("imap.example.com", 993, 1), time.Hour))
	require.NoError(t, r1.Close())

	// Reopening runs the schema DDL again against the same file.
	r2 := New(path, log)
	defer r2.Close()

	got, err := r2.GetVerified(context.Background(), "example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "imap.example.com", got.Hostname)
}
