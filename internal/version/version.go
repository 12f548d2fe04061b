// Package version tracks the revision each record was read at and commits
// edits with compare-and-swap against it.
//
// A Tracker belongs to one editing context and is not safe for concurrent
// use. It never overwrites a revision it has not seen: every staged write
// carries the captured token as its expected revision, and the store rejects
// the whole commit if any of them went stale.
package version

import (
	"context"
	"log/slog"

	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/store"
)

// Store is the part of the document store the tracker needs.
type Store interface {
	CurrentRev(ctx context.Context, id string) (ir.Rev, error)
	Apply(ctx context.Context, writes []store.Write) ([]ir.Rev, error)
}

// Tracker holds captured tokens and staged writes.
type Tracker struct {
	store    Store
	captured map[string]ir.Rev
	expected map[string]ir.Rev
	staged   []store.Write
}

// New creates a Tracker over s.
func New(s Store) *Tracker {
	return &Tracker{
		store:    s,
		captured: make(map[string]ir.Rev),
	}
}

// Capture records the revision a document was read at.
func (t *Tracker) Capture(id string, rev ir.Rev) {
	t.captured[id] = rev
}

// Captured returns the token recorded for id. ok is false for documents the
// context has never read or written.
func (t *Tracker) Captured(id string) (ir.Rev, bool) {
	rev, ok := t.captured[id]
	return rev, ok
}

// Expect sets the token the next commit checks id against, without touching
// the captured one. Discard and a failed Commit drop it again.
func (t *Tracker) Expect(id string, rev ir.Rev) {
	if t.expected == nil {
		t.expected = make(map[string]ir.Rev)
	}
	t.expected[id] = rev
}

// Forget drops the token of id, so the next write treats it as unseen.
func (t *Tracker) Forget(id string) {
	delete(t.captured, id)
}

// CheckAndStage compares the token of w's document with the store's current
// revision and stages w on a match. The token is the one set by Expect, or
// else the captured one. A document never captured must not exist yet.
// Fails with Conflict on mismatch without staging anything.
//
// Staging the same document again replaces the earlier write.
func (t *Tracker) CheckAndStage(ctx context.Context, w store.Write) error {
	id := w.Doc.ID
	if id == "" {
		return fault.New(fault.BadPath, "stage", "write has no document id")
	}
	expected, ok := t.expected[id]
	if !ok {
		expected = t.captured[id]
	}

	current, err := t.store.CurrentRev(ctx, id)
	if err != nil {
		return err
	}
	if current != expected {
		slog.Debug("stale revision",
			"id", id,
			"captured", expected,
			"current", current,
		)
		return fault.NewConflict("stage", id)
	}

	w.Expected = expected
	for i := range t.staged {
		if t.staged[i].Doc.ID == id {
			t.staged[i] = w
			return nil
		}
	}
	t.staged = append(t.staged, w)
	return nil
}

// Staged returns the number of writes waiting for Commit.
func (t *Tracker) Staged() int {
	return len(t.staged)
}

// Discard drops all staged writes and expected tokens.
func (t *Tracker) Discard() {
	t.staged = nil
	t.expected = nil
}

// Commit applies every staged write in one store transaction. If any
// document changed since it was captured, nothing is written and the
// Conflict error lists every stale id. Staged writes and expected tokens are
// cleared either way; only on success do the captured tokens advance to the
// new revisions.
//
// Returns the new revision of each staged write in staging order.
func (t *Tracker) Commit(ctx context.Context) ([]ir.Rev, error) {
	writes := t.staged
	t.Discard()
	if len(writes) == 0 {
		return nil, nil
	}

	revs, err := t.store.Apply(ctx, writes)
	if err != nil {
		if fault.IsConflict(err) {
			slog.Info("commit rejected", "stale", fault.StaleIDs(err))
		}
		return nil, err
	}
	for i, w := range writes {
		t.captured[w.Doc.ID] = revs[i]
	}
	return revs, nil
}
