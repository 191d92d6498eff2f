package resolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/wdpv/internal/retry"
)

const replicaSchema = `
CREATE TABLE page (page_id INTEGER PRIMARY KEY, page_namespace INTEGER, page_title BLOB, page_is_redirect INTEGER);
CREATE TABLE page_props (pp_page INTEGER, pp_propname TEXT, pp_value BLOB);
CREATE TABLE redirect (rd_from INTEGER, rd_namespace INTEGER, rd_title BLOB, rd_interwiki TEXT, rd_fragment TEXT);

INSERT INTO page VALUES (1, 0, 'Douglas_Adams', 0);
INSERT INTO page VALUES (2, 0, 'Berlin', 0);
INSERT INTO page VALUES (3, 0, 'D._Adams', 1);
INSERT INTO page VALUES (4, 1, 'Berlin', 0);
INSERT INTO page VALUES (5, 0, 'Old_Name', 1);
INSERT INTO page VALUES (6, 0, 'Lowercase', 0);

INSERT INTO page_props VALUES (1, 'wikibase_item', 'Q42');
INSERT INTO page_props VALUES (2, 'wikibase_item', 'Q64');
INSERT INTO page_props VALUES (4, 'wikibase_item', 'Q999');
INSERT INTO page_props VALUES (6, 'wikibase_item', 'q7');

INSERT INTO redirect VALUES (3, 0, 'Douglas_Adams', '', '');
INSERT INTO redirect VALUES (5, 0, 'Berlin', '', 'Section');
`

func sqliteConnector(t *testing.T, calls *int) Connector {
	t.Helper()
	return func(dbname string) (*sqlx.DB, error) {
		*calls++
		db, err := sqlx.Open("sqlite", ":memory:")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(replicaSchema); err != nil {
			return nil, err
		}
		t.Cleanup(func() { db.Close() })
		return db, nil
	}
}

func TestReplicaResolve(t *testing.T) {
	calls := 0
	r := NewReplica(sqliteConnector(t, &calls), zap.NewNop(), WithChunkSize(2))

	got, err := r.Resolve(context.Background(), "enwiki",
		[]string{"Douglas_Adams", "Berlin", "D._Adams", "Old_Name", "Lowercase", "Nowhere"})
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"Douglas_Adams": 42,
		"Berlin":        64, // namespace 1 page ignored
		"D._Adams":      42, // via redirect
		"Lowercase":     7,
	}, got, "redirects with a fragment are not followed")

	_, err = r.Resolve(context.Background(), "enwiki", []string{"Berlin"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "connection reused")
	require.NoError(t, r.Close())
}

func TestReplicaWikidataNeedsNoConnection(t *testing.T) {
	r := NewReplica(func(string) (*sqlx.DB, error) {
		t.Fatal("no connection expected")
		return nil, nil
	}, zap.NewNop())

	got, err := r.Resolve(context.Background(), "wikidatawiki", []string{"Q42", "q5", "Special:Random", "Q", "Q-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Q42": 42, "q5": 5}, got)
}

func TestReplicaConnectError(t *testing.T) {
	boom := errors.New("no route")
	r := NewReplica(func(string) (*sqlx.DB, error) { return nil, boom }, zap.NewNop())
	_, err := r.Resolve(context.Background(), "dewiki", []string{"Berlin"})
	assert.ErrorIs(t, err, boom)
}

func TestReplicaQueryRetriesThenFails(t *testing.T) {
	r := NewReplica(func(string) (*sqlx.DB, error) {
		// No tables: every query fails.
		db, err := sqlx.Open("sqlite", ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db, nil
	}, zap.NewNop(), WithRetry(retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}))

	_, err := r.Resolve(context.Background(), "dewiki", []string{"Berlin"})
	assert.ErrorContains(t, err, "failed after 2 attempts")
}

type countingResolver struct {
	calls  int
	titles []string
	result map[string]int64
}

func (c *countingResolver) Resolve(_ context.Context, _ string, titles []string) (map[string]int64, error) {
	c.calls++
	c.titles = append(c.titles, titles...)
	out := map[string]int64{}
	for _, t := range titles {
		if id, ok := c.result[t]; ok {
			out[t] = id
		}
	}
	return out, nil
}

func TestCachedResolver(t *testing.T) {
	next := &countingResolver{result: map[string]int64{"Berlin": 64}}
	cache := NewMemoryCache(time.Hour)
	r := NewCached(next, cache, zap.NewNop())
	ctx := context.Background()

	got, err := r.Resolve(ctx, "dewiki", []string{"Berlin", "Nowhere"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Berlin": 64}, got)
	assert.Equal(t, 2, cache.Len(), "misses are cached too")

	got, err = r.Resolve(ctx, "dewiki", []string{"Berlin", "Nowhere", "Paris"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Berlin": 64}, got)

	sort.Strings(next.titles)
	assert.Equal(t, []string{"Berlin", "Nowhere", "Paris"}, next.titles)
	assert.Equal(t, 2, next.calls)
}

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "enwiki", map[string]int64{"A": 1}))
	got, _ := c.Get(ctx, "enwiki", []string{"A"})
	assert.Equal(t, map[string]int64{"A": 1}, got)

	got, _ = c.Get(ctx, "dewiki", []string{"A"})
	assert.Empty(t, got, "keys are per wiki")

	now = now.Add(2 * time.Minute)
	got, _ = c.Get(ctx, "enwiki", []string{"A"})
	assert.Empty(t, got)
}

func TestParseQID(t *testing.T) {
	id, ok := ParseQID("Q42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "Q42", FormatQID(42))

	for _, bad := range []string{"", "Q", "P31", "Q0", "Qabc", "42"} {
		_, ok := ParseQID(bad)
		assert.False(t, ok, bad)
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.my.cnf")
	require.NoError(t, os.WriteFile(path, []byte("[client]\nuser = s12345\npassword = secret\n"), 0o600))

	user, pass, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "s12345", user)
	assert.Equal(t, "secret", pass)

	require.NoError(t, os.WriteFile(path, []byte("[other]\nuser = x\n"), 0o600))
	_, _, err = LoadCredentials(path)
	assert.Error(t, err)
}
