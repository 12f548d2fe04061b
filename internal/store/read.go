package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
)

// Revision is one stored revision with its place in the tree.
type Revision struct {
	ir.Document
	Parent ir.Rev
	Leaf   bool
}

// Change is one entry of the changes feed: a document and its current
// leaves (winner first) as of Seq.
type Change struct {
	Seq    int64
	ID     string
	Leaves []ir.Rev
}

// GetDocument returns the winning revision of a document, including
// tombstones. Returns ErrNotFound when the document was never written.
func (s *Store) GetDocument(ctx context.Context, id string) (ir.Document, error) {
	var rev, body string
	var deleted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT rev, deleted, body FROM documents WHERE id = ?
	`, id).Scan(&rev, &deleted, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Document{}, fmt.Errorf("get document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return assemble(ctx, s.db, id, ir.Rev(rev), deleted, body)
}

// CurrentRev returns the winning revision of a live document, or the zero
// Rev when the document does not exist or its winner is deleted.
func (s *Store) CurrentRev(ctx context.Context, id string) (ir.Rev, error) {
	var rev string
	var deleted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT rev, deleted FROM documents WHERE id = ?
	`, id).Scan(&rev, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current rev %s: %w", id, err)
	}
	if deleted {
		return "", nil
	}
	return ir.Rev(rev), nil
}

// GetRevision returns one revision of a document.
func (s *Store) GetRevision(ctx context.Context, id string, rev ir.Rev) (Revision, error) {
	return getRevision(ctx, s.db, id, rev)
}

func getRevision(ctx context.Context, q querier, id string, rev ir.Rev) (Revision, error) {
	var parent sql.NullString
	var deleted, leaf bool
	var body string
	err := q.QueryRowContext(ctx, `
		SELECT parent, deleted, leaf, body FROM revisions WHERE doc_id = ? AND rev = ?
	`, id, string(rev)).Scan(&parent, &deleted, &leaf, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, fmt.Errorf("get revision %s %s: %w", id, rev, ErrNotFound)
	}
	if err != nil {
		return Revision{}, fmt.Errorf("get revision %s %s: %w", id, rev, err)
	}

	doc, err := assemble(ctx, q, id, rev, deleted, body)
	if err != nil {
		return Revision{}, err
	}
	return Revision{Document: doc, Parent: ir.Rev(parent.String), Leaf: leaf}, nil
}

// assemble builds a Document from a stored body and its attachment rows.
// Every stored body passed checkBody, so one that fails to parse means the
// database was damaged outside the store.
func assemble(ctx context.Context, q querier, id string, rev ir.Rev, deleted bool, body string) (ir.Document, error) {
	fields, err := unmarshalBody(body)
	if err != nil {
		fault.Internal("assemble", "document %s %s: %v", id, rev, err)
	}
	atts, err := attachmentRefs(ctx, q, id, rev)
	if err != nil {
		return ir.Document{}, err
	}
	return ir.Document{
		ID:          id,
		Rev:         rev,
		Fields:      fields,
		Deleted:     deleted,
		Attachments: atts,
	}, nil
}

func attachmentRefs(ctx context.Context, q querier, id string, rev ir.Rev) (map[string]ir.AttachmentRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, content_type, digest, length FROM attachments
		WHERE doc_id = ? AND rev = ?
		ORDER BY name COLLATE BINARY ASC
	`, id, string(rev))
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var refs map[string]ir.AttachmentRef
	for rows.Next() {
		var name string
		var ref ir.AttachmentRef
		if err := rows.Scan(&name, &ref.ContentType, &ref.Digest, &ref.Length); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		if refs == nil {
			refs = make(map[string]ir.AttachmentRef)
		}
		refs[name] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return refs, nil
}

func attachmentRef(ctx context.Context, q querier, id string, rev ir.Rev, name string) (ir.AttachmentRef, error) {
	var ref ir.AttachmentRef
	err := q.QueryRowContext(ctx, `
		SELECT content_type, digest, length FROM attachments
		WHERE doc_id = ? AND rev = ? AND name = ?
	`, id, string(rev), name).Scan(&ref.ContentType, &ref.Digest, &ref.Length)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, ErrNotFound
	}
	if err != nil {
		return ref, fmt.Errorf("get attachment ref: %w", err)
	}
	return ref, nil
}

// GetAttachment returns the data of one attachment of one revision.
func (s *Store) GetAttachment(ctx context.Context, id string, rev ir.Rev, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT b.data FROM attachments a
		JOIN blobs b ON b.digest = a.digest
		WHERE a.doc_id = ? AND a.rev = ? AND a.name = ?
	`, id, string(rev), name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get attachment %s %s %q: %w", id, rev, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s %s %q: %w", id, rev, name, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// ListConflictingRevisions returns every live leaf revision of a document,
// winner first. A document in conflict has more than one.
func (s *Store) ListConflictingRevisions(ctx context.Context, id string) ([]ir.Document, error) {
	leaves, err := leavesOf(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("list conflicting revisions: %w", err)
	}

	docs := []ir.Document{}
	for _, rev := range liveRevs(leaves) {
		r, err := getRevision(ctx, s.db, id, rev)
		if err != nil {
			return nil, err
		}
		docs = append(docs, r.Document)
	}
	return docs, nil
}

// ConflictedDocuments returns the ids of documents with more than one live
// leaf, ordered by id.
func (s *Store) ConflictedDocuments(ctx context.Context) ([]string, error) {
	return s.QueryIDs(ctx, `
		SELECT id FROM documents WHERE conflicted = 1 ORDER BY id COLLATE BINARY ASC
	`)
}

// QueryIDs runs a query whose first column is a document id.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) QueryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// QueryCount runs a query returning a single count.
func (s *Store) QueryCount(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("query count: %w", err)
	}
	return n, nil
}

// Changes returns documents changed after since, one entry per document at
// its latest sequence, in sequence order. limit <= 0 means no limit.
func (s *Store) Changes(ctx context.Context, since int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, MAX(seq) AS last FROM changes
		WHERE seq > ?
		GROUP BY doc_id
		ORDER BY last ASC
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.ID, &c.Seq); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	rows.Close()

	// Leaves are read after the rows are closed: the pool has one connection.
	for i := range changes {
		leaves, err := leavesOf(ctx, s.db, changes[i].ID)
		if err != nil {
			return nil, err
		}
		for _, l := range leaves {
			changes[i].Leaves = append(changes[i].Leaves, l.Rev)
		}
	}
	return changes, nil
}

// LastSeq returns the latest sequence of the changes feed, 0 when empty.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// RevsDiff returns, per document, the given revisions this store does not
// have. Documents with nothing missing are omitted.
func (s *Store) RevsDiff(ctx context.Context, revs map[string][]ir.Rev) (map[string][]ir.Rev, error) {
	missing := make(map[string][]ir.Rev)
	for id, list := range revs {
		for _, rev := range list {
			ok, err := revisionExists(ctx, s.db, id, rev)
			if err != nil {
				return nil, fmt.Errorf("revs diff: %w", err)
			}
			if !ok {
				missing[id] = append(missing[id], rev)
			}
		}
	}
	return missing, nil
}

// History returns rev and its stored ancestors, newest first.
func (s *Store) History(ctx context.Context, id string, rev ir.Rev) ([]ir.Rev, error) {
	var out []ir.Rev
	cur := rev
	for !cur.IsZero() {
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx, `
			SELECT parent FROM revisions WHERE doc_id = ? AND rev = ?
		`, id, string(cur)).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			if len(out) == 0 {
				return nil, fmt.Errorf("history %s %s: %w", id, rev, ErrNotFound)
			}
			// Ancestors older than this were never stored here.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("history %s %s: %w", id, rev, err)
		}
		if slices.Contains(out, cur) {
			return nil, fmt.Errorf("history %s: cycle at %s", id, cur)
		}
		out = append(out, cur)
		cur = ir.Rev(parent.String)
	}
	return out, nil
}

// Checkpoint returns the last source sequence recorded for a replication,
// 0 when none.
func (s *Store) Checkpoint(ctx context.Context, replicationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM checkpoints WHERE replication_id = ?
	`, replicationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint: %w", err)
	}
	return seq, nil
}
