package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCacheCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &types.BinaryCache{
		ID: "c1", Name: "main", URL: "http://localhost:8081", Token: "tok",
		Access: types.AccessPublic, Port: 8081, Retention: -1, CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertCache(ctx, c))

	got, err := s.GetCache(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.Equal(t, c.Port, got.Port)

	byPort, err := s.GetCacheByPort(ctx, 8081)
	require.NoError(t, err)
	assert.Equal(t, c.Name, byPort.Name)

	c.Name = "renamed"
	c.Retention = 4
	require.NoError(t, s.UpdateCache(ctx, c))
	got, err = s.GetCache(ctx, "renamed")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Retention)

	_, err = s.GetCache(ctx, "main")
	assert.True(t, apierr.Is(err, apierr.NotFound))

	require.NoError(t, s.DeleteCache(ctx, "renamed"))
	_, err = s.GetCache(ctx, "renamed")
	assert.True(t, apierr.Is(err, apierr.NotFound))
}

func TestListCachesFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCache(ctx, &types.BinaryCache{
		ID: "c1", Name: "pub", URL: "u1", Token: "t1", Access: types.AccessPublic, Port: 1, Retention: -1, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.InsertCache(ctx, &types.BinaryCache{
		ID: "c2", Name: "priv", URL: "u2", Token: "t2", Access: types.AccessPrivate, Port: 2, Retention: -1, CreatedAt: time.Now(),
	}))

	all, err := s.ListCaches(ctx, types.CacheFilterAll)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pub, err := s.ListCaches(ctx, types.CacheFilterPublic)
	require.NoError(t, err)
	assert.Len(t, pub, 1)
	assert.Equal(t, "pub", pub[0].Name)

	priv, err := s.ListCaches(ctx, types.CacheFilterPrivate)
	require.NoError(t, err)
	assert.Len(t, priv, 1)
	assert.Equal(t, "priv", priv[0].Name)
}

func TestStorePathRoundTripAndReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sp := &types.StorePath{
		ID: "sp1", CacheName: "main", StoreHash: "abc123", StoreSuffix: "foo-1.0",
		FileHash: "def456", FileSize: 100, NarHash: "sha256:xyz", NarSize: 200,
		Deriver: "/nix/store/drv-foo.drv", References: []string{"abc-a", "abc-b"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertStorePath(ctx, sp))

	got, err := s.GetStorePathByHash(ctx, "main", "abc123")
	require.NoError(t, err)
	assert.Equal(t, sp.References, got.References)
	assert.Equal(t, sp.FileHash, got.FileHash)

	byFile, err := s.GetStorePathByFileHash(ctx, "main", "def456")
	require.NoError(t, err)
	assert.Equal(t, sp.StoreHash, byFile.StoreHash)

	list, err := s.ListStorePaths(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteStorePath(ctx, "main", "abc123"))
	_, err = s.GetStorePathByHash(ctx, "main", "abc123")
	assert.True(t, apierr.Is(err, apierr.NotFound))
}

func TestDeleteAllCachePaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, hash := range []string{"h1", "h2", "h3"} {
		require.NoError(t, s.InsertStorePath(ctx, &types.StorePath{
			ID: hash, CacheName: "main", StoreHash: hash, StoreSuffix: "foo",
			FileHash: hash, FileSize: int64(i), NarHash: "h", NarSize: 1,
			CreatedAt: time.Now(),
		}))
	}
	require.NoError(t, s.DeleteAllCachePaths(ctx, "main"))
	list, err := s.ListStorePaths(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWorkspaceAndAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &types.Workspace{ID: "w1", Name: "ws1", Token: "wtok", CacheName: "main"}
	require.NoError(t, s.InsertWorkspace(ctx, w))

	got, err := s.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "main", got.CacheName)

	w.CacheName = "other"
	require.NoError(t, s.UpdateWorkspace(ctx, w))
	got, err = s.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "other", got.CacheName)

	a := &types.Agent{ID: "a1", Name: "agent1", Token: "atok", WorkspaceName: "ws1"}
	require.NoError(t, s.InsertAgent(ctx, a))

	gotAgent, err := s.GetAgent(ctx, "agent1")
	require.NoError(t, err)
	assert.Equal(t, "ws1", gotAgent.WorkspaceName)

	agents, err := s.ListAgents(ctx, "ws1")
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, s.DeleteAgent(ctx, "agent1"))
	_, err = s.GetAgent(ctx, "agent1")
	assert.True(t, apierr.Is(err, apierr.NotFound))

	require.NoError(t, s.DeleteWorkspace(ctx, "ws1"))
	_, err = s.GetWorkspace(ctx, "ws1")
	assert.True(t, apierr.Is(err, apierr.NotFound))
}

func TestRenameCacheCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertWorkspace(ctx, &types.Workspace{ID: "w1", Name: "ws1", Token: "t", CacheName: "main"}))
	require.NoError(t, s.InsertStorePath(ctx, &types.StorePath{
		ID: "sp1", CacheName: "main", StoreHash: "h1", StoreSuffix: "foo",
		FileHash: "h1", FileSize: 1, NarHash: "h", NarSize: 1, CreatedAt: time.Now(),
	}))

	require.NoError(t, s.RenameCacheInWorkspaces(ctx, "main", "renamed"))
	require.NoError(t, s.RenameCacheInPaths(ctx, "main", "renamed"))

	ws, err := s.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", ws.CacheName)

	paths, err := s.ListStorePaths(ctx, "renamed")
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}
