package redis

import (
	"context"
	"testing"

	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/test/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *goredis.Client) {
	t.Helper()
	mr := testutil.StartMiniRedis(t)
	store, err := Open(context.Background(), Options{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store, client
}

func TestRedisStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) ltm.Store {
		store, _ := newTestStore(t)
		return store
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	store, client := newTestStore(t)
	defer store.Close()

	testutil.MustCreate(t, store, "A", "conversation", 6, testutil.Epoch)
	testutil.MustCreate(t, store, "C", "semantic", 7, testutil.Epoch)
	req := ltm.LinkRequest{SourceIDs: []string{"A"}, DerivedID: "C", Confidence: 0.5}
	require.NoError(t, req.Normalize())
	linkID, err := store.Link(ctx, req, testutil.Epoch)
	require.NoError(t, err)

	fields, err := client.HGetAll(ctx, "test:record:A").Result()
	require.NoError(t, err)
	assert.Equal(t, "episodic", fields["category"])
	assert.Equal(t, "conversation", fields["legacy_category"])
	assert.Equal(t, "0", fields["access_count"])

	derived, err := client.SMembers(ctx, "test:derived:A").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, derived)

	rows, err := client.SCard(ctx, "test:link:"+linkID).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
}

func TestRedisStore_UnavailableServer(t *testing.T) {
	mr := testutil.StartMiniRedis(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), Options{Addr: addr})
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable), "got %v", err)
}

func TestRedisStore_SharedServerPrefixes(t *testing.T) {
	ctx := context.Background()
	mr := testutil.StartMiniRedis(t)

	first, err := Open(ctx, Options{Addr: mr.Addr(), KeyPrefix: "one:"})
	require.NoError(t, err)
	defer first.Close()
	second, err := Open(ctx, Options{Addr: mr.Addr(), KeyPrefix: "two:"})
	require.NoError(t, err)
	defer second.Close()

	testutil.MustCreate(t, first, "rec-1", "episodic", 5, testutil.Epoch)

	_, err = second.Get(ctx, "rec-1")
	assert.True(t, errors.Is(err, errors.ErrUnknownRecord), "got %v", err)
	testutil.MustCreate(t, second, "rec-1", "semantic", 3, testutil.Epoch)

	got, err := first.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, ltm.CategoryEpisodic, got.Category)
}
