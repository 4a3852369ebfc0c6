// Package upload tracks the in-memory state machine for an in-progress
// multipart NAR upload: begin, put, complete, abort.
package upload

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/types"
)

// State is one upload's lifecycle position.
type State int

const (
	StateStaging State = iota
	StateFinalized
	StateAborted
)

// Upload is one in-progress or terminal upload.
type Upload struct {
	ID          string
	CacheName   string
	Compression types.Compression
	State       State
	StartedAt   time.Time
}

// Table tracks every upload for the lifetime of the owning process.
// Entries are never removed; a terminal state is permanent per upload
// ID: each transition checks for STAGING under the table's mutex, so
// of two concurrent completes only one succeeds.
type Table struct {
	mu      sync.Mutex
	uploads map[string]*Upload
}

// NewTable creates an empty upload table.
func NewTable() *Table {
	return &Table{uploads: make(map[string]*Upload)}
}

// Begin creates a new upload in STAGING for cacheName and returns it.
// Its ID is the value the management endpoint uses as both narId and
// uploadId.
func (t *Table) Begin(cacheName string, compression types.Compression) *Upload {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := &Upload{
		ID:          uuid.NewString(),
		CacheName:   cacheName,
		Compression: compression,
		State:       StateStaging,
		StartedAt:   time.Now(),
	}
	t.uploads[u.ID] = u
	return u
}

// Get returns the upload by ID.
func (t *Table) Get(id string) (*Upload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.uploads[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "unknown upload %s", id)
	}
	return u, nil
}

// Complete transitions id from STAGING to FINALIZED. It fails if the
// upload is unknown or already in a terminal state, enforcing
// at-most-one terminal transition per upload ID.
func (t *Table) Complete(id string) error {
	return t.transition(id, StateFinalized)
}

// Abort transitions id from STAGING to ABORTED.
func (t *Table) Abort(id string) error {
	return t.transition(id, StateAborted)
}

func (t *Table) transition(id string, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.uploads[id]
	if !ok {
		return apierr.New(apierr.NotFound, "unknown upload %s", id)
	}
	if u.State != StateStaging {
		return apierr.New(apierr.BadRequest, "upload %s is not in STAGING (state=%d)", id, u.State)
	}
	u.State = to
	return nil
}
