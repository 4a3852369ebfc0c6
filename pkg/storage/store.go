// Package storage is the persistence adapter for caches, store paths,
// workspaces, and agents. It talks to a single SQLite database shared by
// every process that makes up a running stash instance.
package storage

import (
	"context"

	"github.com/stashcache/stash/pkg/types"
)

// Store is the persistence surface every other package depends on.
// All write operations commit before returning.
type Store interface {
	// Caches
	GetCache(ctx context.Context, name string) (*types.BinaryCache, error)
	GetCacheByPort(ctx context.Context, port int) (*types.BinaryCache, error)
	InsertCache(ctx context.Context, c *types.BinaryCache) error
	UpdateCache(ctx context.Context, c *types.BinaryCache) error
	DeleteCache(ctx context.Context, name string) error
	ListCaches(ctx context.Context, filter types.CacheFilter) ([]*types.BinaryCache, error)

	// Store paths
	GetStorePathByHash(ctx context.Context, cacheName, storeHash string) (*types.StorePath, error)
	GetStorePathByFileHash(ctx context.Context, cacheName, fileHash string) (*types.StorePath, error)
	InsertStorePath(ctx context.Context, sp *types.StorePath) error
	DeleteStorePath(ctx context.Context, cacheName, storeHash string) error
	ListStorePaths(ctx context.Context, cacheName string) ([]*types.StorePath, error)
	DeleteAllCachePaths(ctx context.Context, cacheName string) error

	// Workspaces
	GetWorkspace(ctx context.Context, name string) (*types.Workspace, error)
	InsertWorkspace(ctx context.Context, w *types.Workspace) error
	UpdateWorkspace(ctx context.Context, w *types.Workspace) error
	DeleteWorkspace(ctx context.Context, name string) error
	ListWorkspaces(ctx context.Context) ([]*types.Workspace, error)

	// Agents
	GetAgent(ctx context.Context, name string) (*types.Agent, error)
	InsertAgent(ctx context.Context, a *types.Agent) error
	DeleteAgent(ctx context.Context, name string) error
	ListAgents(ctx context.Context, workspaceName string) ([]*types.Agent, error)
	DeleteAllWorkspaceAgents(ctx context.Context, workspaceName string) error

	// Bulk rename, used when a cache is renamed via cache update -n.
	RenameCacheInWorkspaces(ctx context.Context, oldName, newName string) error
	RenameCacheInPaths(ctx context.Context, oldName, newName string) error

	Close() error
}
