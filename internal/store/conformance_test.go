package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/shellvault/internal/metrics"
)

// The conformance suite runs every test against each available engine.
// SQLite always runs in-memory; Postgres runs when
// SHELLVAULT_TEST_POSTGRES_DSN points at a disposable database.

type testEnv struct {
	backend Backend
	metrics *metrics.Metrics
}

func forEachBackend(t *testing.T, fn func(t *testing.T, env testEnv)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		m := metrics.New(prometheus.NewRegistry())
		backend, err := NewSQLite(context.Background(), ":memory:", Options{
			Logger:  zaptest.NewLogger(t),
			Metrics: m,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = backend.Close() })
		fn(t, testEnv{backend: backend, metrics: m})
	})

	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("SHELLVAULT_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("SHELLVAULT_TEST_POSTGRES_DSN not set")
		}
		m := metrics.New(prometheus.NewRegistry())
		backend, err := NewPostgres(context.Background(), dsn, Options{
			Logger:  zaptest.NewLogger(t),
			Metrics: m,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = backend.Close() })
		fn(t, testEnv{backend: backend, metrics: m})
	})
}

// newTestUser registers a unique user so engine state shared across tests
// (a real postgres database) cannot leak between cases.
func newTestUser(t *testing.T, db Backend) *User {
	t.Helper()
	ctx := context.Background()
	name := "u-" + uuid.NewString()

	id, err := db.AddUser(ctx, NewUser{
		Username: name,
		Email:    name + "@example.com",
		Password: "hashed-password",
	})
	require.NoError(t, err)
	user, err := db.GetUser(ctx, name)
	require.NoError(t, err)
	require.Equal(t, id, user.ID)
	t.Cleanup(func() { _ = db.DeleteUser(context.Background(), user) })
	return user
}

func makeRecords(host uuid.UUID, tag string, start uint64, n int) []Record {
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, Record{
			ID:                   uuid.New(),
			Host:                 host,
			Tag:                  tag,
			Idx:                  start + uint64(i),
			Timestamp:            uint64(time.Now().UnixNano()),
			Version:              "v0",
			Data:                 fmt.Sprintf("ciphertext-%d", start+uint64(i)),
			ContentEncryptionKey: "wrapped-key",
		})
	}
	return records
}

func rawDB(t *testing.T, db Backend) *sql.DB {
	t.Helper()
	switch b := db.(type) {
	case *SQLite:
		return b.db
	case *Postgres:
		return b.db
	default:
		t.Fatalf("unexpected backend type %T", db)
		return nil
	}
}

// cachedIdx reads the index cache directly, bypassing the Backend surface.
func cachedIdx(t *testing.T, db Backend, userID int64, host uuid.UUID, tag string) (int64, bool) {
	t.Helper()
	query := `SELECT idx FROM store_idx_cache WHERE user_id = ? AND host = ? AND tag = ?`
	if db.Name() == "postgres" {
		query = `SELECT idx FROM store_idx_cache WHERE user_id = $1 AND host = $2 AND tag = $3`
	}
	var idx int64
	err := rawDB(t, db).QueryRow(query, userID, host.String(), tag).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false
	}
	require.NoError(t, err)
	return idx, true
}

func TestAddRecordsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		user := newTestUser(t, env.backend)
		host := uuid.New()
		batch := makeRecords(host, "history", 1, 5)

		require.NoError(t, env.backend.AddRecords(ctx, user, batch))
		require.NoError(t, env.backend.AddRecords(ctx, user, batch))

		records, err := env.backend.NextRecords(ctx, user, host, "history", 0, 10)
		require.NoError(t, err)
		require.Len(t, records, 5)

		status, err := env.backend.Status(ctx, user)
		require.NoError(t, err)
		idx, ok := status.Get(host, "history")
		require.True(t, ok)
		assert.Equal(t, uint64(5), idx)
	})
}

func TestNextRecordsPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		user := newTestUser(t, env.backend)
		host := uuid.New()
		require.NoError(t, env.backend.AddRecords(ctx, user, makeRecords(host, "history", 1, 5)))

		page, err := env.backend.NextRecords(ctx, user, host, "history", 3, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(3), page[0].Idx)
		assert.Equal(t, uint64(4), page[1].Idx)

		all, err := env.backend.NextRecords(ctx, user, host, "history", 0, 10)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, r := range all {
			assert.Equal(t, uint64(i+1), r.Idx)
			assert.Equal(t, host, r.Host)
			assert.Equal(t, "history", r.Tag)
		}

		// One past the final index means caught up.
		tail, err := env.backend.NextRecords(ctx, user, host, "history", 6, 10)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})
}

func TestNextRecordsEmptyStreamIsNotAnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		user := newTestUser(t, env.backend)

		records, err := env.backend.NextRecords(ctx, user, uuid.New(), "nope", 0, 100)
		require.NoError(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
		assert.Empty(t, records)
	})
}

func TestIdxCacheTracksMaximumAcrossBatches(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		user := newTestUser(t, env.backend)
		host := uuid.New()

		first := makeRecords(host, "history", 0, 4)
		second := makeRecords(host, "history", 4, 2)
		require.NoError(t, env.backend.AddRecords(ctx, user, first))
		require.NoError(t, env.backend.AddRecords(ctx, user, second))

		idx, ok := cachedIdx(t, env.backend, user.ID, host, "history")
		require.True(t, ok)
		assert.Equal(t, int64(5), idx)

		// A retried old batch must not move the cache backwards.
		require.NoError(t, env.backend.AddRecords(ctx, user, first))
		idx, ok = cachedIdx(t, env.backend, user.ID, host, "history")
		require.True(t, ok)
		assert.Equal(t, int64(5), idx)

		status, err := env.backend.Status(ctx, user)
		require.NoError(t, err)
		got, ok := status.Get(host, "history")
		require.True(t, ok)
		assert.Equal(t, uint64(5), got)
	})
}

func TestStreamIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		user := newTestUser(t, env.backend)
		hostA, hostB := uuid.New(), uuid.New()

		require.NoError(t, env.backend.AddRecords(ctx, user, makeRecords(hostA, "history", 0, 3)))
		require.NoError(t, env.backend.AddRecords(ctx, user, makeRecords(hostA, "kv", 0, 7)))
		require.NoError(t, env.backend.AddRecords(ctx, user, makeRecords(hostB, "history", 0, 1)))

		status, err := env.backend.Status(ctx, user)
		require.NoError(t, err)

		idx, ok := status.Get(hostA, "history")
		require.True(t, ok)
		assert.Equal(t, uint64(2), idx)
		idx, ok = status.Get(hostA, "kv")
		require.True(t, ok)
		assert.Equal(t, uint64(6), idx)
		idx, ok = status.Get(hostB, "history")
		require.True(t, ok)
		assert.Equal(t, uint64(0), idx)
		_, ok = status.Get(hostB, "kv")
		assert.False(t, ok)

		records, err := env.backend.NextRecords(ctx, user, hostB, "history", 0, 100)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestDeleteStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		user := newTestUser(t, env.backend)
		host := uuid.New()
		require.NoError(t, env.backend.AddRecords(ctx, user, makeRecords(host, "history", 0, 5)))

		require.NoError(t, env.backend.DeleteStore(ctx, user))

		status, err := env.backend.Status(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, status.Hosts)

		records, err := env.backend.NextRecords(ctx, user, host, "history", 0, 100)
		require.NoError(t, err)
		assert.Empty(t, records)

		_, ok := cachedIdx(t, env.backend, user.ID, host, "history")
		assert.False(t, ok, "cache rows must be removed with the store")
	})
}

func TestConcurrentPushesSameStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		user := newTestUser(t, env.backend)
		host := uuid.New()

		const workers = 4
		const perBatch = 25

		var wg sync.WaitGroup
		errs := make([]error, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				batch := makeRecords(host, "history", uint64(w*perBatch), perBatch)
				errs[w] = env.backend.AddRecords(ctx, user, batch)
			}(w)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		status, err := env.backend.Status(ctx, user)
		require.NoError(t, err)
		idx, ok := status.Get(host, "history")
		require.True(t, ok)
		assert.Equal(t, uint64(workers*perBatch-1), idx)

		idxCached, ok := cachedIdx(t, env.backend, user.ID, host, "history")
		require.True(t, ok)
		assert.Equal(t, int64(workers*perBatch-1), idxCached)

		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.IdxCacheConsistentTotal))
		assert.Equal(t, float64(0), testutil.ToFloat64(env.metrics.IdxCacheInconsistentTotal))
	})
}

func TestStatusSurvivesCacheDivergence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		user := newTestUser(t, env.backend)
		host := uuid.New()
		require.NoError(t, env.backend.AddRecords(ctx, user, makeRecords(host, "history", 0, 10)))

		// Damage the cache behind the backend's back; status must still
		// return the authoritative aggregation and flag the divergence.
		query := `UPDATE store_idx_cache SET idx = 2 WHERE user_id = ? AND host = ? AND tag = ?`
		if env.backend.Name() == "postgres" {
			query = `UPDATE store_idx_cache SET idx = 2 WHERE user_id = $1 AND host = $2 AND tag = $3`
		}
		_, err := rawDB(t, env.backend).Exec(query, user.ID, host.String(), "history")
		require.NoError(t, err)

		status, err := env.backend.Status(ctx, user)
		require.NoError(t, err)
		idx, ok := status.Get(host, "history")
		require.True(t, ok)
		assert.Equal(t, uint64(9), idx)

		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.IdxCacheInconsistentTotal))
	})
}
