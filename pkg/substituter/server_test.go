package substituter

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashcache/stash/pkg/archive"
	"github.com/stashcache/stash/pkg/signer"
	"github.com/stashcache/stash/pkg/storage"
	"github.com/stashcache/stash/pkg/types"
)

func newTestServer(t *testing.T, access types.Access) *Server {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	kp, err := signer.Generate(dir, "main", "example.com")
	require.NoError(t, err)

	c := &types.BinaryCache{Name: "main", URL: "http://localhost:8081", Token: "tok", Access: access}

	sp := &types.StorePath{
		CacheName: "main", StoreHash: "abc123", StoreSuffix: "foo-1.0",
		FileHash: "filehash1", FileSize: 9, NarHash: "sha256:x", NarSize: 9,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertStorePath(t.Context(), sp))
	require.NoError(t, archive.CreateStaging(dir, "stage-uuid", "xz"))
	require.NoError(t, archive.Finalize(dir, "stage-uuid", "filehash1"))

	return &Server{Store: store, Cache: c, Dir: dir, KeyPair: kp}
}

func TestNixCacheInfo(t *testing.T) {
	s := newTestServer(t, types.AccessPublic)
	req := httptest.NewRequest(http.MethodGet, "/nix-cache-info", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Priority: 30\nStoreDir: /nix/store\nWantMassQuery: 1\n", rec.Body.String())
}

func TestNarinfoHitAndMiss(t *testing.T) {
	s := newTestServer(t, types.AccessPublic)

	req := httptest.NewRequest(http.MethodGet, "/abc123.narinfo", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "StorePath: /nix/store/abc123-foo-1.0")

	req = httptest.NewRequest(http.MethodGet, "/doesnotexist.narinfo", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNarinfoHeadProbe(t *testing.T) {
	s := newTestServer(t, types.AccessPublic)

	req := httptest.NewRequest(http.MethodHead, "/abc123.narinfo", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodHead, "/doesnotexist.narinfo", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNarStreamsArchive(t *testing.T) {
	s := newTestServer(t, types.AccessPublic)
	req := httptest.NewRequest(http.MethodGet, "/nar/filehash1.nar.xz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPutWritesStaging(t *testing.T) {
	s := newTestServer(t, types.AccessPublic)
	require.NoError(t, archive.CreateStaging(s.Dir, "put-uuid", "zst"))

	req := httptest.NewRequest(http.MethodPut, "/put-uuid", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPrivateCacheAuth(t *testing.T) {
	s := newTestServer(t, types.AccessPrivate)

	req := httptest.NewRequest(http.MethodGet, "/nix-cache-info", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	encoded := base64.StdEncoding.EncodeToString([]byte(":tok"))
	req = httptest.NewRequest(http.MethodGet, "/nix-cache-info", nil)
	req.Header.Set("Authorization", "Basic "+encoded)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
