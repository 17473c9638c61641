package jobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pulsedeck/realtime/pkg/wire"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := wire.Job{
				ID:        "j1",
				ContentID: "c1",
				Platforms: []string{"twitter", "linkedin"},
				Status:    wire.JobCompleted,
				Progress:  100,
				StartedMs: 1000,
				Results: []wire.PlatformResult{
					{Platform: "twitter", Status: wire.PlatformSuccess, RemoteID: "tw-1"},
				},
			}
			require.NoError(t, store.Save(ctx, job))

			got, ok, err := store.Get(ctx, "j1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, job, got)

			_, ok, err = store.Get(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSaveUpsertsByID(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, wire.Job{ID: "j1", ContentID: "c1", Status: wire.JobQueued, StartedMs: 1}))
			require.NoError(t, store.Save(ctx, wire.Job{ID: "j1", ContentID: "c1", Status: wire.JobCompleted, Progress: 100, StartedMs: 1}))

			got, ok, err := store.Get(ctx, "j1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, wire.JobCompleted, got.Status)

			items, err := store.List(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, items, 1)
		})
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, wire.Job{ID: "a", ContentID: "c1", Status: wire.JobCompleted, StartedMs: 100}))
			require.NoError(t, store.Save(ctx, wire.Job{ID: "b", ContentID: "c1", Status: wire.JobFailed, StartedMs: 200}))
			require.NoError(t, store.Save(ctx, wire.Job{ID: "c", ContentID: "c2", Status: wire.JobCompleted, StartedMs: 300}))

			items, err := store.List(ctx, Query{ContentID: "c1"})
			require.NoError(t, err)
			require.Len(t, items, 2)
			// newest first
			require.Equal(t, "b", items[0].ID)

			items, err = store.List(ctx, Query{Status: wire.JobCompleted})
			require.NoError(t, err)
			require.Len(t, items, 2)

			items, err = store.List(ctx, Query{SinceMs: 150})
			require.NoError(t, err)
			require.Len(t, items, 2)

			items, err = store.List(ctx, Query{Limit: 1})
			require.NoError(t, err)
			require.Len(t, items, 1)
			require.Equal(t, "c", items[0].ID)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, wire.Job{ID: "j1", ContentID: "c1", Status: wire.JobQueued, StartedMs: 1}))
			require.NoError(t, store.Delete(ctx, "j1"))

			_, ok, err := store.Get(ctx, "j1")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSaveValidates(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.Error(t, store.Save(context.Background(), wire.Job{}))
		})
	}
}

func TestMemoryStoreEvictsOldestTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithCap(3)

	require.NoError(t, store.Save(ctx, wire.Job{ID: "old", Status: wire.JobCompleted, StartedMs: 1}))
	require.NoError(t, store.Save(ctx, wire.Job{ID: "active", Status: wire.JobProcessing, StartedMs: 2}))
	require.NoError(t, store.Save(ctx, wire.Job{ID: "newer", Status: wire.JobFailed, StartedMs: 3}))
	require.NoError(t, store.Save(ctx, wire.Job{ID: "newest", Status: wire.JobCompleted, StartedMs: 4}))

	_, ok, err := store.Get(ctx, "old")
	require.NoError(t, err)
	require.False(t, ok)

	for _, id := range []string{"active", "newer", "newest"} {
		_, ok, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, id)
	}

	// active jobs survive even when the store is over cap
	require.NoError(t, store.Save(ctx, wire.Job{ID: "active2", Status: wire.JobQueued, StartedMs: 5}))
	require.NoError(t, store.Save(ctx, wire.Job{ID: "active3", Status: wire.JobPublishing, StartedMs: 6}))
	jobs, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		require.False(t, job.Status.Terminal())
	}
}
