package supervisor

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRemovePID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(dir, "main")
	assert.Error(t, err)

	require.NoError(t, WritePID(dir, "main"))
	pid, err := ReadPID(dir, "main")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	RemovePID(dir, "main")
	_, err = ReadPID(dir, "main")
	assert.Error(t, err)
}

func TestReadPIDRemovesStaleEntry(t *testing.T) {
	dir := t.TempDir()
	path := pidPath(dir, "ghost")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(999999999)), 0o644))

	_, err := ReadPID(dir, "ghost")
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartStopCacheListener(t *testing.T) {
	dir := t.TempDir()
	sup := New(dir)

	require.NoError(t, sup.StartCache("main", "127.0.0.1:0", http.NotFoundHandler()))
	assert.True(t, sup.Running("main"))

	_, err := ReadPID(dir, "main")
	require.NoError(t, err)

	err = sup.StartCache("main", "127.0.0.1:0", http.NotFoundHandler())
	assert.Error(t, err)

	require.NoError(t, sup.StopCache(context.Background(), "main"))
	assert.False(t, sup.Running("main"))

	_, err = ReadPID(dir, "main")
	assert.Error(t, err)
}

func TestStopUnknownCache(t *testing.T) {
	sup := New(t.TempDir())
	err := sup.StopCache(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestStatusLine(t *testing.T) {
	dir := t.TempDir()
	assert.Contains(t, StatusLine(dir, "main"), "stopped")

	require.NoError(t, WritePID(dir, "main"))
	assert.Contains(t, StatusLine(dir, "main"), "running")
}
