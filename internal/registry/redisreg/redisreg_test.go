package redisreg

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/registry"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Minute)
}

func TestUpsertGetDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	w := registry.Worker{
		ID:            "w1",
		Capabilities:  map[string]string{"code": "v1"},
		Health:        registry.Healthy,
		Saturation:    0.2,
		LastHeartbeat: time.Unix(1700000000, 0),
		CreatedAt:     time.Unix(1700000000, 0),
	}

	require.NoError(t, repo.Upsert(ctx, w))

	got, ok, err := repo.Get(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, w.ID, got.ID)
	require.Equal(t, w.Capabilities, got.Capabilities)

	require.NoError(t, repo.Delete(ctx, "w1"))
	_, ok, err = repo.Get(ctx, "w1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, registry.Worker{ID: "w1", LastHeartbeat: time.Now(), CreatedAt: time.Now()}))
	require.NoError(t, repo.Upsert(ctx, registry.Worker{ID: "w2", LastHeartbeat: time.Now(), CreatedAt: time.Now()}))

	workers, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
}
