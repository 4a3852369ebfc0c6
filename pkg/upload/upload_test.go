package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/types"
)

func TestBeginThenComplete(t *testing.T) {
	tbl := NewTable()
	u := tbl.Begin("main", types.CompressionXZ)
	assert.Equal(t, StateStaging, u.State)

	require.NoError(t, tbl.Complete(u.ID))

	got, err := tbl.Get(u.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, got.State)
}

func TestBeginThenAbort(t *testing.T) {
	tbl := NewTable()
	u := tbl.Begin("main", types.CompressionZST)

	require.NoError(t, tbl.Abort(u.ID))

	got, err := tbl.Get(u.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, got.State)
}

func TestDoubleCompleteRejected(t *testing.T) {
	tbl := NewTable()
	u := tbl.Begin("main", types.CompressionXZ)
	require.NoError(t, tbl.Complete(u.ID))

	err := tbl.Complete(u.ID)
	assert.True(t, apierr.Is(err, apierr.BadRequest))
}

func TestCompleteAfterAbortRejected(t *testing.T) {
	tbl := NewTable()
	u := tbl.Begin("main", types.CompressionXZ)
	require.NoError(t, tbl.Abort(u.ID))

	err := tbl.Complete(u.ID)
	assert.True(t, apierr.Is(err, apierr.BadRequest))
}

func TestUnknownUpload(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Get("does-not-exist")
	assert.True(t, apierr.Is(err, apierr.NotFound))
}
