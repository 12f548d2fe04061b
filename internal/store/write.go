package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
)

// Write is one document write of a batch.
type Write struct {
	// Doc carries the id, fields and deleted flag. Doc.Rev is ignored.
	Doc ir.Document

	// Attachments is the full attachment set of the new revision. Stubs
	// keep the attachment of the same name from the expected revision.
	Attachments []ir.Attachment

	// Expected is the winning revision the write was based on; zero for
	// inserts.
	Expected ir.Rev
}

// PutDocument writes one document with compare-and-swap against expected.
// Returns the new revision, or a Conflict error when expected is stale.
func (s *Store) PutDocument(ctx context.Context, doc ir.Document, atts []ir.Attachment, expected ir.Rev) (ir.Rev, error) {
	revs, err := s.Apply(ctx, []Write{{Doc: doc, Attachments: atts, Expected: expected}})
	if err != nil {
		return "", err
	}
	return revs[0], nil
}

// Apply writes a batch in one transaction. Every write is checked against
// the current winning revision of its document first; if any is stale,
// nothing is written and the Conflict error lists every stale id.
//
// Returns the new revisions in write order.
func (s *Store) Apply(ctx context.Context, writes []Write) ([]ir.Rev, error) {
	revs := make([]ir.Rev, len(writes))

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		parents := make([]ir.Rev, len(writes))
		seen := make(map[string]bool, len(writes))
		var stale []string

		for i, w := range writes {
			id := w.Doc.ID
			if id == "" {
				return fault.New(fault.BadPath, "apply", "write %d has no document id", i)
			}
			if seen[id] {
				return fault.New(fault.BadPath, "apply", "document %s written twice in one batch", id)
			}
			seen[id] = true
			if err := checkBody(w.Doc); err != nil {
				return err
			}

			leaves, err := leavesOf(ctx, tx, id)
			if err != nil {
				return fmt.Errorf("apply: %w", err)
			}
			parent, ok := casParent(leaves, w.Expected)
			if !ok {
				stale = append(stale, id)
				continue
			}
			parents[i] = parent
		}
		if len(stale) > 0 {
			return fault.NewConflict("apply", stale...)
		}

		for i, w := range writes {
			rev, err := insertRevision(ctx, tx, w.Doc, parents[i], w.Attachments)
			if err != nil {
				return fmt.Errorf("apply %s: %w", w.Doc.ID, err)
			}
			revs[i] = rev
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revs, nil
}

// casParent checks expected against the current winner and returns the
// revision the new one extends. A deleted winner counts as existing: an
// insert with its id is stale, and only a write naming the tombstone itself
// recreates the document.
func casParent(leaves []leaf, expected ir.Rev) (ir.Rev, bool) {
	if len(leaves) == 0 {
		return "", expected.IsZero()
	}
	winner := leaves[0]
	return winner.Rev, expected == winner.Rev
}

// DeleteRevision tombstones one live leaf of a document, typically a losing
// conflict branch. Fails with Conflict when rev is not a live leaf.
func (s *Store) DeleteRevision(ctx context.Context, id string, rev ir.Rev) (ir.Rev, error) {
	var tomb ir.Rev
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		leaves, err := leavesOf(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("delete revision: %w", err)
		}
		if !slices.Contains(liveRevs(leaves), rev) {
			return fault.NewConflict("delete revision", id)
		}
		tomb, err = tombstone(ctx, tx, id, rev)
		return err
	})
	if err != nil {
		return "", err
	}
	return tomb, nil
}

// tombstone writes a deleted child of rev that keeps only the entity tag.
func tombstone(ctx context.Context, tx *sql.Tx, id string, rev ir.Rev) (ir.Rev, error) {
	var entity sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT json_extract(body, '$.doc_type') FROM revisions WHERE doc_id = ? AND rev = ?
	`, id, string(rev)).Scan(&entity)
	if err != nil {
		return "", fmt.Errorf("tombstone %s %s: %w", id, rev, err)
	}
	fields := ir.IRObject{}
	if entity.Valid {
		fields[ir.EntityField] = ir.IRString(entity.String)
	}
	return insertRevision(ctx, tx, ir.Document{ID: id, Fields: fields, Deleted: true}, rev, nil)
}

// Resolution collapses the live leaves of a conflicted document to one.
type Resolution struct {
	ID string

	// Leaves is the live leaf set the resolution was computed from. If the
	// store's set differs, the resolution fails with Conflict.
	Leaves []ir.Rev

	// Keep is the leaf that stays live. Every other leaf is tombstoned.
	Keep ir.Rev

	// Doc, when non-nil, is written as a child of Keep.
	Doc         *ir.Document
	Attachments []ir.Attachment
}

// Resolve applies a resolution in one transaction. On any failure nothing
// is written and the document stays conflicted. Returns the resulting
// winning revision.
func (s *Store) Resolve(ctx context.Context, r Resolution) (ir.Rev, error) {
	var result ir.Rev
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		leaves, err := leavesOf(ctx, tx, r.ID)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		live := liveRevs(leaves)
		if !sameRevSet(live, r.Leaves) {
			return fault.NewConflict("resolve", r.ID)
		}
		if !slices.Contains(live, r.Keep) {
			return fault.New(fault.BadPath, "resolve", "%s is not a live revision of %s", r.Keep, r.ID)
		}

		for _, rev := range live {
			if rev == r.Keep {
				continue
			}
			if _, err := tombstone(ctx, tx, r.ID, rev); err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
		}

		result = r.Keep
		if r.Doc != nil {
			doc := *r.Doc
			doc.ID = r.ID
			if err := checkBody(doc); err != nil {
				return err
			}
			rev, err := insertRevision(ctx, tx, doc, r.Keep, r.Attachments)
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			result = rev
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// ForceInsert stores a replicated revision with the given token and parent
// without any expectation check. Attachments must carry data, except stubs
// which are resolved against the parent. Returns false when the revision
// was already present (idempotent).
func (s *Store) ForceInsert(ctx context.Context, doc ir.Document, parent ir.Rev, atts []ir.Attachment) (bool, error) {
	rev, err := ir.ParseRev(string(doc.Rev))
	if err != nil {
		return false, fmt.Errorf("force insert %s: %w", doc.ID, err)
	}
	if !parent.IsZero() && parent.Generation()+1 != rev.Generation() {
		return false, fmt.Errorf("force insert %s: revision %s cannot follow %s", doc.ID, rev, parent)
	}

	var inserted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := revisionExists(ctx, tx, doc.ID, rev)
		if err != nil || exists {
			return err
		}
		if err := checkEntity(ctx, tx, doc); err != nil {
			return err
		}
		refs, err := storeAttachments(ctx, tx, doc.ID, parent, atts)
		if err != nil {
			return err
		}
		body, err := marshalBody(doc.Fields)
		if err != nil {
			return err
		}
		if err := insertRevisionRow(ctx, tx, doc.ID, rev, parent, doc.Deleted, body, refs); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("force insert %s: %w", doc.ID, err)
	}
	return inserted, nil
}

// checkEntity rejects a replicated revision tagged with another entity than
// the document it joins.
func checkEntity(ctx context.Context, tx *sql.Tx, doc ir.Document) error {
	var entity string
	err := tx.QueryRowContext(ctx, `SELECT entity FROM documents WHERE id = ?`, doc.ID).Scan(&entity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("entity of %s: %w", doc.ID, err)
	}
	if got := doc.Entity(); got != entity {
		return fault.New(fault.BadPath, "force insert",
			"revision %s of %s is tagged %q, document is %q", doc.Rev, doc.ID, got, entity)
	}
	return nil
}

// SetCheckpoint records the last source sequence copied by a replication.
func (s *Store) SetCheckpoint(ctx context.Context, replicationID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (replication_id, seq) VALUES (?, ?)
		ON CONFLICT(replication_id) DO UPDATE SET seq = excluded.seq
	`, replicationID, seq)
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// insertRevision computes the token of a new child of parent and stores it.
func insertRevision(ctx context.Context, tx *sql.Tx, doc ir.Document, parent ir.Rev, atts []ir.Attachment) (ir.Rev, error) {
	refs, err := storeAttachments(ctx, tx, doc.ID, parent, atts)
	if err != nil {
		return "", err
	}
	// Bodies were checked by checkBody or read back from the store.
	rev, err := ir.NextRev(parent, doc.Deleted, doc.Fields, refs)
	if err != nil {
		fault.Internal("insert revision", "revision of %s: %v", doc.ID, err)
	}
	exists, err := revisionExists(ctx, tx, doc.ID, rev)
	if err != nil {
		return "", err
	}
	if exists {
		// Identical content from the same parent.
		return rev, nil
	}
	body, err := marshalBody(doc.Fields)
	if err != nil {
		fault.Internal("insert revision", "body of %s: %v", doc.ID, err)
	}
	if err := insertRevisionRow(ctx, tx, doc.ID, rev, parent, doc.Deleted, body, refs); err != nil {
		return "", err
	}
	return rev, nil
}

// checkBody rejects fields that have no canonical form, such as non-finite
// floats or invalid UTF-8.
func checkBody(doc ir.Document) error {
	if _, err := marshalBody(doc.Fields); err != nil {
		return fault.New(fault.UndefinedAttributeType, "apply", "document %s: %v", doc.ID, err)
	}
	return nil
}

// insertRevisionRow stores one revision, its attachments and its change
// entry, updates leaf flags and refreshes the winner projection.
func insertRevisionRow(ctx context.Context, tx *sql.Tx, id string, rev, parent ir.Rev, deleted bool, body string, refs map[string]ir.AttachmentRef) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO changes (doc_id, rev) VALUES (?, ?)`, id, string(rev))
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}

	// A replicated child may already be present when ancestors arrive late.
	var hasChild bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revisions WHERE doc_id = ? AND parent = ?)
	`, id, string(rev)).Scan(&hasChild); err != nil {
		return fmt.Errorf("check children: %w", err)
	}

	var parentCol any
	if !parent.IsZero() {
		parentCol = string(parent)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions (doc_id, rev, parent, generation, deleted, leaf, body, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, string(rev), parentCol, rev.Generation(), deleted, !hasChild, body, seq)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}

	if !parent.IsZero() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE revisions SET leaf = 0 WHERE doc_id = ? AND rev = ?
		`, id, string(parent)); err != nil {
			return fmt.Errorf("update parent leaf: %w", err)
		}
	}

	for name, ref := range refs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (doc_id, rev, name, content_type, digest, length)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, string(rev), name, ref.ContentType, ref.Digest, ref.Length); err != nil {
			return fmt.Errorf("insert attachment %q: %w", name, err)
		}
	}

	return refreshProjection(ctx, tx, id)
}

// storeAttachments saves attachment data and returns the attachment set of
// the new revision. Stubs take the parent's attachment of the same name.
func storeAttachments(ctx context.Context, tx *sql.Tx, id string, parent ir.Rev, atts []ir.Attachment) (map[string]ir.AttachmentRef, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	refs := make(map[string]ir.AttachmentRef, len(atts))
	for _, a := range atts {
		if a.Name == "" {
			return nil, fmt.Errorf("attachment without a name")
		}
		if _, dup := refs[a.Name]; dup {
			return nil, fmt.Errorf("attachment %q given twice", a.Name)
		}

		if a.Stub {
			ref, err := attachmentRef(ctx, tx, id, parent, a.Name)
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("stub attachment %q: parent %q has no such attachment", a.Name, parent)
			}
			if err != nil {
				return nil, err
			}
			refs[a.Name] = ref
			continue
		}

		data := a.Data
		if data == nil {
			data = []byte{}
		}
		ref := ir.AttachmentRef{
			ContentType: a.ContentType,
			Digest:      ir.Digest(data),
			Length:      int64(len(data)),
		}
		if ref.ContentType == "" {
			ref.ContentType = model.DefaultContentType
		}
		if a.Digest != "" && a.Digest != ref.Digest {
			return nil, fmt.Errorf("attachment %q: digest %s does not match data (%s)", a.Name, a.Digest, ref.Digest)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (digest, data) VALUES (?, ?)
			ON CONFLICT(digest) DO NOTHING
		`, ref.Digest, data); err != nil {
			return nil, fmt.Errorf("store attachment %q: %w", a.Name, err)
		}
		refs[a.Name] = ref
	}
	return refs, nil
}

// refreshProjection recomputes the winner of a document and writes it to
// the documents table.
func refreshProjection(ctx context.Context, tx *sql.Tx, id string) error {
	leaves, err := leavesOf(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		return err
	}

	conflicted := len(liveRevs(leaves)) > 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, entity, rev, deleted, conflicted, body)
		SELECT doc_id, COALESCE(json_extract(body, '$.doc_type'), ''), rev, deleted, ?, body
		FROM revisions WHERE doc_id = ? AND rev = ?
		ON CONFLICT(id) DO UPDATE SET
			entity = excluded.entity,
			rev = excluded.rev,
			deleted = excluded.deleted,
			conflicted = excluded.conflicted,
			body = excluded.body
	`, conflicted, id, string(leaves[0].Rev))
	if err != nil {
		return fmt.Errorf("refresh projection: %w", err)
	}
	return nil
}

func revisionExists(ctx context.Context, q querier, id string, rev ir.Rev) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revisions WHERE doc_id = ? AND rev = ?)
	`, id, string(rev)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revision: %w", err)
	}
	return exists, nil
}
