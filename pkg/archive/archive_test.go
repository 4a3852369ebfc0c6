package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadLifecycle(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, CreateStaging(dir, "uuid-1", "xz"))
	n, err := WriteStaging(dir, "uuid-1", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, Finalize(dir, "uuid-1", "filehash123"))

	f, ext, err := Open(dir, "filehash123")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "xz", ext)

	_, err = os.Stat(filepath.Join(dir, FinalName("filehash123", "xz")))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, StagingName("uuid-1", "xz")))
	assert.True(t, os.IsNotExist(err))
}

func TestAbortRemovesStaging(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CreateStaging(dir, "uuid-2", "zst"))
	require.NoError(t, Abort(dir, "uuid-2"))

	_, err := os.Stat(filepath.Join(dir, StagingName("uuid-2", "zst")))
	assert.True(t, os.IsNotExist(err))
}

func TestSweepOnceRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	expired := filepath.Join(dir, "old.nar.xz")
	require.NoError(t, os.WriteFile(expired, []byte("x"), 0o644))
	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(expired, old, old))

	fresh := filepath.Join(dir, "new.nar.xz")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	require.NoError(t, SweepOnce(dir, 1, SignCorrected))

	_, err := os.Stat(expired)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestSweepOnceSignOriginalNeverExpires(t *testing.T) {
	dir := t.TempDir()
	expired := filepath.Join(dir, "old.nar.xz")
	require.NoError(t, os.WriteFile(expired, []byte("x"), 0o644))
	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(expired, old, old))

	require.NoError(t, SweepOnce(dir, 1, SignOriginal))

	_, err := os.Stat(expired)
	assert.NoError(t, err, "SignOriginal reproduces the source's always-negative age and never deletes")
}

func TestSweepOnceSkipsKeyFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"key.pub", "key.priv"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("k"), 0o600))
		old := time.Now().Add(-365 * 24 * time.Hour)
		require.NoError(t, os.Chtimes(p, old, old))
	}

	require.NoError(t, SweepOnce(dir, 1, SignCorrected))

	for _, name := range []string{"key.pub", "key.priv"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}
