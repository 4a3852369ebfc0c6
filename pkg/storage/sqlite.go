package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/types"
)

// SQLiteStore is the Store implementation backed by database/sql and the
// pure-Go modernc.org/sqlite driver. Every query is parameterized; none
// of the adapter's methods build SQL by string interpolation.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	url        TEXT NOT NULL,
	token      TEXT NOT NULL,
	access     TEXT NOT NULL,
	port       INTEGER NOT NULL UNIQUE,
	retention  INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS store_path (
	id           TEXT PRIMARY KEY,
	cache_name   TEXT NOT NULL,
	store_hash   TEXT NOT NULL,
	store_suffix TEXT NOT NULL,
	file_hash    TEXT NOT NULL,
	file_size    INTEGER NOT NULL,
	nar_hash     TEXT NOT NULL,
	nar_size     INTEGER NOT NULL,
	deriver      TEXT NOT NULL,
	references_  TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	UNIQUE(cache_name, store_hash)
);

CREATE TABLE IF NOT EXISTS workspace (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	token      TEXT NOT NULL,
	cache_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	token          TEXT NOT NULL,
	workspace_name TEXT NOT NULL
);
`

// Open opens (creating if absent) the SQLite database at path and
// applies the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "opening database %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apierr.Wrap(apierr.DBFailure, err, "applying schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func joinRefs(refs []string) (string, error) {
	b, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func splitRefs(raw string) []string {
	var refs []string
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil
	}
	return refs
}

func (s *SQLiteStore) GetCache(ctx context.Context, name string) (*types.BinaryCache, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, token, access, port, retention, created_at
		FROM cache WHERE name = ? LIMIT 1`, name)
	return scanCache(row)
}

func (s *SQLiteStore) GetCacheByPort(ctx context.Context, port int) (*types.BinaryCache, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, token, access, port, retention, created_at
		FROM cache WHERE port = ? LIMIT 1`, port)
	return scanCache(row)
}

func scanCache(row *sql.Row) (*types.BinaryCache, error) {
	var c types.BinaryCache
	var access string
	var createdAt int64
	err := row.Scan(&c.ID, &c.Name, &c.URL, &c.Token, &access, &c.Port, &c.Retention, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New(apierr.NotFound, "cache not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "scanning cache row")
	}
	c.Access = types.Access(access)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

func (s *SQLiteStore) InsertCache(ctx context.Context, c *types.BinaryCache) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (id, name, url, token, access, port, retention, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.URL, c.Token, string(c.Access), c.Port, c.Retention, c.CreatedAt.Unix())
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "inserting cache %s", c.Name)
	}
	return nil
}

func (s *SQLiteStore) UpdateCache(ctx context.Context, c *types.BinaryCache) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cache SET name = ?, url = ?, access = ?, port = ?, retention = ?
		WHERE id = ?`,
		c.Name, c.URL, string(c.Access), c.Port, c.Retention, c.ID)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "updating cache %s", c.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "cache not found")
	}
	return nil
}

func (s *SQLiteStore) DeleteCache(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE name = ?`, name)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "deleting cache %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "cache not found")
	}
	return nil
}

func (s *SQLiteStore) ListCaches(ctx context.Context, filter types.CacheFilter) ([]*types.BinaryCache, error) {
	query := `SELECT id, name, url, token, access, port, retention, created_at FROM cache`
	var args []any
	switch filter {
	case types.CacheFilterPublic:
		query += ` WHERE access = ?`
		args = append(args, string(types.AccessPublic))
	case types.CacheFilterPrivate:
		query += ` WHERE access = ?`
		args = append(args, string(types.AccessPrivate))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "listing caches")
	}
	defer rows.Close()

	var out []*types.BinaryCache
	for rows.Next() {
		var c types.BinaryCache
		var access string
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Name, &c.URL, &c.Token, &access, &c.Port, &c.Retention, &createdAt); err != nil {
			return nil, apierr.Wrap(apierr.DBFailure, err, "scanning cache row")
		}
		c.Access = types.Access(access)
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetStorePathByHash(ctx context.Context, cacheName, storeHash string) (*types.StorePath, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cache_name, store_hash, store_suffix, file_hash, file_size, nar_hash, nar_size, deriver, references_, created_at
		FROM store_path WHERE cache_name = ? AND store_hash = ? LIMIT 1`, cacheName, storeHash)
	return scanStorePath(row)
}

func (s *SQLiteStore) GetStorePathByFileHash(ctx context.Context, cacheName, fileHash string) (*types.StorePath, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cache_name, store_hash, store_suffix, file_hash, file_size, nar_hash, nar_size, deriver, references_, created_at
		FROM store_path WHERE cache_name = ? AND file_hash = ? LIMIT 1`, cacheName, fileHash)
	return scanStorePath(row)
}

func scanStorePath(row *sql.Row) (*types.StorePath, error) {
	var sp types.StorePath
	var refs string
	var createdAt int64
	err := row.Scan(&sp.ID, &sp.CacheName, &sp.StoreHash, &sp.StoreSuffix, &sp.FileHash,
		&sp.FileSize, &sp.NarHash, &sp.NarSize, &sp.Deriver, &refs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New(apierr.NotFound, "store path not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "scanning store_path row")
	}
	sp.References = splitRefs(refs)
	sp.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &sp, nil
}

func (s *SQLiteStore) InsertStorePath(ctx context.Context, sp *types.StorePath) error {
	refs, err := joinRefs(sp.References)
	if err != nil {
		return apierr.Wrap(apierr.BadRequest, err, "encoding references")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO store_path (id, cache_name, store_hash, store_suffix, file_hash, file_size, nar_hash, nar_size, deriver, references_, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.CacheName, sp.StoreHash, sp.StoreSuffix, sp.FileHash, sp.FileSize,
		sp.NarHash, sp.NarSize, sp.Deriver, refs, sp.CreatedAt.Unix())
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "inserting store path %s", sp.StoreHash)
	}
	return nil
}

func (s *SQLiteStore) DeleteStorePath(ctx context.Context, cacheName, storeHash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM store_path WHERE cache_name = ? AND store_hash = ?`, cacheName, storeHash)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "deleting store path %s", storeHash)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "store path not found")
	}
	return nil
}

func (s *SQLiteStore) ListStorePaths(ctx context.Context, cacheName string) ([]*types.StorePath, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cache_name, store_hash, store_suffix, file_hash, file_size, nar_hash, nar_size, deriver, references_, created_at
		FROM store_path WHERE cache_name = ? ORDER BY created_at`, cacheName)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "listing store paths for %s", cacheName)
	}
	defer rows.Close()

	var out []*types.StorePath
	for rows.Next() {
		var sp types.StorePath
		var refs string
		var createdAt int64
		if err := rows.Scan(&sp.ID, &sp.CacheName, &sp.StoreHash, &sp.StoreSuffix, &sp.FileHash,
			&sp.FileSize, &sp.NarHash, &sp.NarSize, &sp.Deriver, &refs, &createdAt); err != nil {
			return nil, apierr.Wrap(apierr.DBFailure, err, "scanning store_path row")
		}
		sp.References = splitRefs(refs)
		sp.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &sp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAllCachePaths(ctx context.Context, cacheName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM store_path WHERE cache_name = ?`, cacheName)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "deleting store paths for %s", cacheName)
	}
	return nil
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, name string) (*types.Workspace, error) {
	var w types.Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, token, cache_name FROM workspace WHERE name = ? LIMIT 1`, name).
		Scan(&w.ID, &w.Name, &w.Token, &w.CacheName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New(apierr.NotFound, "workspace not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "scanning workspace row")
	}
	return &w, nil
}

func (s *SQLiteStore) InsertWorkspace(ctx context.Context, w *types.Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace (id, name, token, cache_name) VALUES (?, ?, ?, ?)`,
		w.ID, w.Name, w.Token, w.CacheName)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "inserting workspace %s", w.Name)
	}
	return nil
}

func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, w *types.Workspace) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workspace SET cache_name = ? WHERE name = ?`, w.CacheName, w.Name)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "updating workspace %s", w.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "workspace not found")
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspace WHERE name = ?`, name)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "deleting workspace %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "workspace not found")
	}
	return nil
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*types.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, token, cache_name FROM workspace ORDER BY name`)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "listing workspaces")
	}
	defer rows.Close()

	var out []*types.Workspace
	for rows.Next() {
		var w types.Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.Token, &w.CacheName); err != nil {
			return nil, apierr.Wrap(apierr.DBFailure, err, "scanning workspace row")
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAgent(ctx context.Context, name string) (*types.Agent, error) {
	var a types.Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, token, workspace_name FROM agent WHERE name = ? LIMIT 1`, name).
		Scan(&a.ID, &a.Name, &a.Token, &a.WorkspaceName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New(apierr.NotFound, "agent not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "scanning agent row")
	}
	return &a, nil
}

func (s *SQLiteStore) InsertAgent(ctx context.Context, a *types.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent (id, name, token, workspace_name) VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, a.Token, a.WorkspaceName)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "inserting agent %s", a.Name)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent WHERE name = ?`, name)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "deleting agent %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "agent not found")
	}
	return nil
}

func (s *SQLiteStore) DeleteAllWorkspaceAgents(ctx context.Context, workspaceName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent WHERE workspace_name = ?`, workspaceName)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "deleting agents for workspace %s", workspaceName)
	}
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, workspaceName string) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, token, workspace_name FROM agent WHERE workspace_name = ? ORDER BY name`, workspaceName)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBFailure, err, "listing agents for %s", workspaceName)
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		var a types.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Token, &a.WorkspaceName); err != nil {
			return nil, apierr.Wrap(apierr.DBFailure, err, "scanning agent row")
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RenameCacheInWorkspaces(ctx context.Context, oldName, newName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workspace SET cache_name = ? WHERE cache_name = ?`, newName, oldName)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "renaming cache %s in workspaces", oldName)
	}
	return nil
}

func (s *SQLiteStore) RenameCacheInPaths(ctx context.Context, oldName, newName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE store_path SET cache_name = ? WHERE cache_name = ?`, newName, oldName)
	if err != nil {
		return apierr.Wrap(apierr.DBFailure, err, "renaming cache %s in store paths", oldName)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
