// Package conflict finds documents whose revision trees have more than one
// live leaf after replication, presents each as a Set of decoded records,
// and collapses a set to a single winner.
package conflict

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/mapper"
	"github.com/roach88/docmap/internal/store"
)

// Store is the part of the document store the resolver needs.
type Store interface {
	ConflictedDocuments(ctx context.Context) ([]string, error)
	ListConflictingRevisions(ctx context.Context, id string) ([]ir.Document, error)
	GetAttachment(ctx context.Context, id string, rev ir.Rev, name string) ([]byte, error)
	Resolve(ctx context.Context, r store.Resolution) (ir.Rev, error)
}

// Revision is one competing leaf of a conflicted document.
type Revision struct {
	Rev    ir.Rev
	Record ir.Record
	Doc    ir.Document
}

// Set describes one conflicted document.
type Set struct {
	ID     string
	Entity string

	// Revisions are the live leaves, current winner first.
	Revisions []Revision

	// Divergent names the attributes and relationships whose values differ
	// between revisions, in schema order.
	Divergent []string
}

// Leaves returns the revision tokens of the set, winner first.
func (s Set) Leaves() []ir.Rev {
	revs := make([]ir.Rev, len(s.Revisions))
	for i, r := range s.Revisions {
		revs[i] = r.Rev
	}
	return revs
}

// Revision returns the competing revision with token rev.
func (s Set) Revision(rev ir.Rev) (Revision, bool) {
	for _, r := range s.Revisions {
		if r.Rev == rev {
			return r, true
		}
	}
	return Revision{}, false
}

// Resolver scans for and resolves conflicts.
type Resolver struct {
	store  Store
	mapper *mapper.Mapper
}

// NewResolver creates a Resolver.
func NewResolver(s Store, m *mapper.Mapper) *Resolver {
	return &Resolver{store: s, mapper: m}
}

// Scan returns one Set per conflicted document, ordered by id. Scan only
// reads; calling it again without new writes returns the same sets.
func (r *Resolver) Scan(ctx context.Context) ([]Set, error) {
	ids, err := r.store.ConflictedDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan conflicts: %w", err)
	}

	sets := make([]Set, 0, len(ids))
	for _, id := range ids {
		set, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			sets = append(sets, set)
		}
	}
	slog.Debug("scanned conflicts", "count", len(sets))
	return sets, nil
}

// Get builds the Set of one document. ok is false when the document has at
// most one live leaf.
func (r *Resolver) Get(ctx context.Context, id string) (Set, bool, error) {
	docs, err := r.store.ListConflictingRevisions(ctx, id)
	if err != nil {
		return Set{}, false, fmt.Errorf("scan conflict %s: %w", id, err)
	}
	if len(docs) < 2 {
		return Set{}, false, nil
	}

	set := Set{ID: id, Entity: docs[0].Entity()}
	for _, doc := range docs {
		if doc.Entity() != set.Entity {
			// Ids are assigned per entity, so branches of one id share it.
			fault.Internal("scan", "revisions of %s disagree on entity: %q and %q", id, set.Entity, doc.Entity())
		}
		fetch := func(name string) ([]byte, error) {
			return r.store.GetAttachment(ctx, id, doc.Rev, name)
		}
		rec, err := r.mapper.FromDocument(doc, fetch, nil)
		if err != nil {
			return Set{}, false, fmt.Errorf("decode %s %s: %w", id, doc.Rev, err)
		}
		set.Revisions = append(set.Revisions, Revision{Rev: doc.Rev, Record: rec, Doc: doc})
	}
	set.Divergent = r.divergent(set)
	return set, true, nil
}

// Resolve collapses set to winner in one store transaction. Every leaf but
// from is tombstoned; winner is written as a child of from unless it encodes
// to from's content already. Fails with Conflict when the document's live
// leaves are no longer those of set, and changes nothing on any failure.
//
// Returns the winning revision.
func (r *Resolver) Resolve(ctx context.Context, set Set, winner ir.Record, from ir.Rev) (ir.Rev, error) {
	base, ok := set.Revision(from)
	if !ok {
		return "", fault.New(fault.BadPath, "resolve", "%s is not a revision of conflicted %s", from, set.ID)
	}
	if winner.ID != set.ID || winner.Entity != set.Entity {
		return "", fault.New(fault.BadPath, "resolve",
			"winner %s/%s does not belong to %s/%s", winner.Entity, winner.ID, set.Entity, set.ID)
	}

	doc, atts, err := r.mapper.ToDocument(winner, &base.Doc, false)
	if err != nil {
		return "", err
	}

	res := store.Resolution{ID: set.ID, Leaves: set.Leaves(), Keep: from}
	same, err := sameContent(doc, base.Doc)
	if err != nil {
		return "", err
	}
	if !same {
		doc.Rev = ""
		res.Doc = &doc
		res.Attachments = atts
	}

	rev, err := r.store.Resolve(ctx, res)
	if err != nil {
		return "", err
	}
	slog.Info("resolved conflict",
		"id", set.ID,
		"leaves", len(set.Revisions),
		"kept", from,
		"rev", rev,
	)
	return rev, nil
}

// sameContent reports whether two documents have identical bodies and
// attachments.
func sameContent(a, b ir.Document) (bool, error) {
	ja, err := ir.MarshalCanonical(a.Fields)
	if err != nil {
		return false, err
	}
	jb, err := ir.MarshalCanonical(b.Fields)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(ja, jb) {
		return false, nil
	}
	return maps.EqualFunc(a.Attachments, b.Attachments, func(x, y ir.AttachmentRef) bool {
		return x.Digest == y.Digest && x.ContentType == y.ContentType
	}), nil
}
