package persist

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/docmap/internal/conflict"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/mapper"
	"github.com/roach88/docmap/internal/queryir"
	"github.com/roach88/docmap/internal/refs"
	"github.com/roach88/docmap/internal/store"
	"github.com/roach88/docmap/internal/version"
)

// Context is a single-threaded editing context. It remembers the revision
// of every record it reads or writes and refuses to save over a revision it
// has not seen.
type Context struct {
	store   *Store
	tracker *version.Tracker
}

func newContext(s *Store) *Context {
	return &Context{store: s, tracker: version.New(s.db)}
}

// NewRecord returns an empty record of entity with a fresh reference id.
func (c *Context) NewRecord(entity string) (ir.Record, error) {
	id, err := c.store.refs.Assign(entity)
	if err != nil {
		return ir.Record{}, err
	}
	return ir.Record{Entity: entity, ID: id}, nil
}

// Execute runs req. Unknown request types fail with RequestTypeUnknown and
// unknown result types with ResultTypeUnknown, before anything is read or
// written.
func (c *Context) Execute(ctx context.Context, req Request) (Result, error) {
	switch r := req.(type) {
	case SaveRequest:
		return c.save(ctx, r)
	case *SaveRequest:
		return c.save(ctx, *r)
	case FetchRequest:
		return c.fetch(ctx, r)
	case *FetchRequest:
		return c.fetch(ctx, *r)
	case BatchUpdateRequest:
		return c.batchUpdate(ctx, r)
	case *BatchUpdateRequest:
		return c.batchUpdate(ctx, *r)
	}
	return Result{}, fault.New(fault.RequestTypeUnknown, "execute", "unknown request type %T", req)
}

func (c *Context) save(ctx context.Context, req SaveRequest) (Result, error) {
	writes, inserted, err := c.saveWrites(ctx, req)
	if err != nil {
		c.tracker.Discard()
		return Result{}, err
	}

	revs, err := c.commit(ctx, "save", writes)
	if err != nil {
		return Result{}, err
	}
	res := Result{IDs: inserted, Versions: make(map[string]ir.Rev, len(writes))}
	for i, w := range writes {
		res.Versions[w.Doc.ID] = revs[i]
	}
	return res, nil
}

// saveWrites encodes every record of req. Updated and deleted records set
// their own version as the expected token; the captured one only moves when
// the commit succeeds.
func (c *Context) saveWrites(ctx context.Context, req SaveRequest) ([]store.Write, []string, error) {
	var writes []store.Write
	var inserted []string

	for _, rec := range req.Inserted {
		if rec.ID == "" {
			id, err := c.store.refs.Assign(rec.Entity)
			if err != nil {
				return nil, nil, err
			}
			rec.ID = id
		} else if _, err := c.store.refs.Resolve(rec.Entity, rec.ID); err != nil {
			return nil, nil, err
		}
		doc, atts, err := c.store.mapper.ToDocument(rec, nil, false)
		if err != nil {
			return nil, nil, err
		}
		writes = append(writes, store.Write{Doc: doc, Attachments: atts})
		inserted = append(inserted, rec.ID)
	}

	for _, rec := range req.Updated {
		w, err := c.updateWrite(ctx, rec)
		if err != nil {
			return nil, nil, err
		}
		writes = append(writes, w)
	}

	for _, rec := range req.Deleted {
		if rec.Version.IsZero() {
			return nil, nil, fault.New(fault.BadPath, "save", "deleted %s/%s has no version", rec.Entity, rec.ID)
		}
		c.tracker.Expect(rec.ID, rec.Version)
		writes = append(writes, store.Write{Doc: ir.Document{
			ID:      rec.ID,
			Fields:  ir.IRObject{ir.EntityField: ir.IRString(rec.Entity)},
			Deleted: true,
		}})
	}
	return writes, inserted, nil
}

// updateWrite encodes the changed names of rec over the revision it was
// read at. The record's own version is the token checked on commit, so a
// record kept across an earlier save of the same id goes stale.
func (c *Context) updateWrite(ctx context.Context, rec ir.Record) (store.Write, error) {
	if rec.Version.IsZero() {
		return store.Write{}, fault.New(fault.BadPath, "save", "updated %s/%s has no version", rec.Entity, rec.ID)
	}
	c.tracker.Expect(rec.ID, rec.Version)

	base, err := c.store.db.GetRevision(ctx, rec.ID, rec.Version)
	if notFound(err) {
		return store.Write{}, fault.NewConflict("save", rec.ID)
	}
	if err != nil {
		return store.Write{}, err
	}
	doc, atts, err := c.store.mapper.ToDocument(rec, &base.Document, true)
	if err != nil {
		return store.Write{}, err
	}
	doc.Rev = ""
	return store.Write{Doc: doc, Attachments: atts}, nil
}

// commit stages every write and applies them atomically. If any document
// is stale, nothing is written and the Conflict error lists all of them.
func (c *Context) commit(ctx context.Context, op string, writes []store.Write) ([]ir.Rev, error) {
	var stale []string
	for _, w := range writes {
		err := c.tracker.CheckAndStage(ctx, w)
		if fault.IsConflict(err) {
			stale = append(stale, w.Doc.ID)
			continue
		}
		if err != nil {
			c.tracker.Discard()
			return nil, err
		}
	}
	if len(stale) > 0 {
		c.tracker.Discard()
		slog.Info("save rejected", "op", op, "stale", stale)
		return nil, fault.NewConflict(op, stale...)
	}
	return c.tracker.Commit(ctx)
}

func (c *Context) fetch(ctx context.Context, req FetchRequest) (Result, error) {
	if _, ok := resultTypeNames[req.ResultType]; !ok {
		return Result{}, fault.New(fault.ResultTypeUnknown, "fetch", "unknown result type %s", req.ResultType)
	}
	spec, err := c.store.translator.Translate(req.Fetch)
	if err != nil {
		return Result{}, err
	}

	switch req.ResultType {
	case ResultCount:
		n, err := c.store.db.QueryCount(ctx, spec.CountSQL(), spec.Args...)
		if err != nil {
			return Result{}, err
		}
		return Result{Count: n}, nil
	case ResultIDs:
		ids, err := c.store.db.QueryIDs(ctx, spec.SQL, spec.Args...)
		if err != nil {
			return Result{}, err
		}
		return Result{IDs: ids, Count: len(ids)}, nil
	}

	ids, err := c.store.db.QueryIDs(ctx, spec.SQL, spec.Args...)
	if err != nil {
		return Result{}, err
	}
	recs := make([]ir.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := c.load(ctx, refs.Handle{Entity: spec.Entity, ID: id}, spec.Properties)
		if err != nil {
			return Result{}, err
		}
		recs = append(recs, rec)
	}
	return Result{Records: recs, IDs: ids, Count: len(recs)}, nil
}

func (c *Context) batchUpdate(ctx context.Context, req BatchUpdateRequest) (Result, error) {
	if _, ok := resultTypeNames[req.ResultType]; !ok {
		return Result{}, fault.New(fault.ResultTypeUnknown, "batch update", "unknown result type %s", req.ResultType)
	}
	spec, err := c.store.translator.Translate(queryir.Fetch{Entity: req.Entity, Where: req.Where})
	if err != nil {
		return Result{}, err
	}
	ids, err := c.store.db.QueryIDs(ctx, spec.SQL, spec.Args...)
	if err != nil {
		return Result{}, err
	}

	// No binary attribute is loaded unless it is being assigned.
	props := []string{}
	recs := make([]ir.Record, 0, len(ids))
	writes := make([]store.Write, 0, len(ids))
	for _, id := range ids {
		rec, err := c.load(ctx, refs.Handle{Entity: req.Entity, ID: id}, props)
		if err != nil {
			c.tracker.Discard()
			return Result{}, err
		}
		names := make([]string, 0, len(req.Values))
		for name := range req.Values {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			rec.Set(name, req.Values[name])
		}
		w, err := c.updateWrite(ctx, rec)
		if err != nil {
			c.tracker.Discard()
			return Result{}, err
		}
		writes = append(writes, w)
		recs = append(recs, rec)
	}

	revs, err := c.commit(ctx, "batch update", writes)
	if err != nil {
		return Result{}, err
	}
	res := Result{IDs: ids, Count: len(ids), Versions: make(map[string]ir.Rev, len(ids))}
	for i, id := range ids {
		res.Versions[id] = revs[i]
		recs[i].Version = revs[i]
		recs[i].Changed = nil
	}
	switch req.ResultType {
	case ResultRecords:
		res.Records = recs
	case ResultCount:
		res.IDs = nil
	}
	return res, nil
}

// Fault loads the record h refers to. Binary attributes not listed in
// props are deferred; nil props loads all of them.
func (c *Context) Fault(ctx context.Context, h refs.Handle, props []string) (ir.Record, error) {
	if _, err := c.store.refs.Resolve(h.Entity, h.ID); err != nil {
		return ir.Record{}, err
	}
	return c.load(ctx, h, props)
}

func (c *Context) load(ctx context.Context, h refs.Handle, props []string) (ir.Record, error) {
	doc, err := c.store.db.GetDocument(ctx, h.ID)
	if notFound(err) {
		return ir.Record{}, wrapNotFound("fault", h)
	}
	if err != nil {
		return ir.Record{}, err
	}
	if doc.Deleted {
		return ir.Record{}, wrapNotFound("fault", h)
	}
	if doc.Entity() != h.Entity {
		return ir.Record{}, fault.New(fault.BadPath, "fault", "%s is a %s", h, doc.Entity())
	}

	rec, err := c.store.mapper.FromDocument(doc, c.fetcher(ctx, doc.ID, doc.Rev), props)
	if err != nil {
		return ir.Record{}, err
	}
	c.tracker.Capture(doc.ID, doc.Rev)
	return rec, nil
}

func (c *Context) fetcher(ctx context.Context, id string, rev ir.Rev) mapper.AttachmentFetcher {
	return func(name string) ([]byte, error) {
		return c.store.db.GetAttachment(ctx, id, rev, name)
	}
}

// LoadDeferred loads one deferred binary attribute of rec from the
// revision rec was read at.
func (c *Context) LoadDeferred(ctx context.Context, rec *ir.Record, name string) error {
	return c.store.mapper.LoadDeferred(rec, name, c.fetcher(ctx, rec.ID, rec.Version))
}

// Conflicts scans the store for conflicted documents.
func (c *Context) Conflicts(ctx context.Context) ([]conflict.Set, error) {
	return c.store.resolver.Scan(ctx)
}

// Resolve collapses set to winner, written on top of revision from. The
// context tracks the resulting revision.
func (c *Context) Resolve(ctx context.Context, set conflict.Set, winner ir.Record, from ir.Rev) (ir.Rev, error) {
	rev, err := c.store.resolver.Resolve(ctx, set, winner, from)
	if err != nil {
		return "", err
	}
	c.tracker.Capture(set.ID, rev)
	return rev, nil
}

// Merge combines the revisions of set starting from revision prefer.
func (c *Context) Merge(set conflict.Set, prefer int, policy conflict.RelationshipPolicy) (ir.Record, error) {
	return c.store.resolver.Merge(set, prefer, policy)
}

// Version returns the revision the context last saw for id.
func (c *Context) Version(id string) (ir.Rev, bool) {
	return c.tracker.Captured(id)
}

func (c *Context) String() string {
	return fmt.Sprintf("Context(%s)", c.store.Name())
}
