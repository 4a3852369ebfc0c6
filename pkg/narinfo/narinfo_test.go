package narinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashcache/stash/pkg/signer"
	"github.com/stashcache/stash/pkg/types"
)

func TestRenderExactFormat(t *testing.T) {
	dir := t.TempDir()
	kp, err := signer.Generate(dir, "main", "cache.example.com")
	require.NoError(t, err)

	sp := &types.StorePath{
		StoreHash: "abc123", StoreSuffix: "foo-1.0", FileHash: "def456",
		FileSize: 100, NarHash: "sha256:xyz", NarSize: 200,
		Deriver: "/nix/store/drv-foo.drv", References: []string{"abc123-foo-1.0"},
	}

	out := Render(sp, "xz", kp)

	want := "StorePath: /nix/store/abc123-foo-1.0\n" +
		"URL: nar/def456.nar.xz\n" +
		"Compression: xz\n" +
		"FileHash: sha256:def456\n" +
		"FileSize: 100\n" +
		"NarHash: sha256:xyz\n" +
		"NarSize: 200\n" +
		"Deriver: /nix/store/drv-foo.drv\n" +
		"System: \"x86_64-linux\"\n" +
		"References: abc123-foo-1.0\n"

	assert.Contains(t, out, want)
	assert.Contains(t, out, "Sig: "+kp.Prefix+":")
}

func TestCacheInfoFixedBody(t *testing.T) {
	assert.Equal(t, "Priority: 30\nStoreDir: /nix/store\nWantMassQuery: 1\n", CacheInfo)
}

func TestParseStoreHash(t *testing.T) {
	hash, ok := ParseStoreHash("abc123.narinfo")
	assert.True(t, ok)
	assert.Equal(t, "abc123", hash)

	_, ok = ParseStoreHash("abc123")
	assert.False(t, ok)
}

func TestParseNarFile(t *testing.T) {
	hash, ext, ok := ParseNarFile("def456.nar.xz")
	assert.True(t, ok)
	assert.Equal(t, "def456", hash)
	assert.Equal(t, "xz", ext)

	_, _, ok = ParseNarFile("not-a-nar-file")
	assert.False(t, ok)
}
