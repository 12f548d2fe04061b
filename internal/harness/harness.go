package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/codec"
	"github.com/roach88/docmap/internal/compiler"
	"github.com/roach88/docmap/internal/conflict"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
	"github.com/roach88/docmap/internal/persist"
	"github.com/roach88/docmap/internal/refs"
	"github.com/roach88/docmap/internal/replication"
	"github.com/roach88/docmap/internal/store"
	"github.com/roach88/docmap/internal/testutil"
)

// JobTimeout bounds each pull or push.
const JobTimeout = 30 * time.Second

// ScenarioError reports a malformed scenario, such as a step using a ref
// that was never inserted. It aborts the run instead of failing it.
type ScenarioError struct {
	Step int
	Msg  string
}

func (e *ScenarioError) Error() string {
	return fmt.Sprintf("step %d: %s", e.Step, e.Msg)
}

// Harness executes one scenario.
type Harness struct {
	model  *model.Model
	dir    string
	stores map[string]*persist.Store

	// refs maps scenario refs to reference ids and back.
	refs    map[string]refs.Handle
	names   map[string]string
	editing map[string]*session

	step int
}

// session is a named editing context on one store, with the records it
// has read.
type session struct {
	ctx     *persist.Context
	records map[string]ir.Record
}

// Run executes a scenario in a fresh temporary directory and returns the
// result. A non-nil error means the scenario could not be executed; step
// and assertion failures are reported in the result.
func Run(s *Scenario) (*Result, error) {
	m, err := compiler.LoadModel(s.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	dir, err := os.MkdirTemp("", "docmap-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		model:   m,
		dir:     dir,
		stores:  make(map[string]*persist.Store, len(s.Stores)),
		refs:    make(map[string]refs.Handle),
		names:   make(map[string]string),
		editing: make(map[string]*session),
	}
	defer h.close()

	ctx := context.Background()
	ids := &testutil.SequentialIDs{}
	for _, name := range s.Stores {
		st, err := persist.Open(ctx, h.path(name), m, persist.WithIDGenerator(ids))
		if err != nil {
			return nil, fmt.Errorf("failed to open store %s: %w", name, err)
		}
		h.stores[name] = st
	}

	result := NewResult()
	for i, step := range s.Steps {
		h.step = i + 1
		if err := h.execute(ctx, step, result); err != nil {
			return nil, err
		}
	}

	for _, msg := range h.evaluate(ctx, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) path(store string) string {
	return filepath.Join(h.dir, store+".db")
}

func (h *Harness) close() {
	for _, st := range h.stores {
		st.Close()
	}
}

func (h *Harness) fail(format string, args ...any) error {
	return &ScenarioError{Step: h.step, Msg: fmt.Sprintf(format, args...)}
}

func storeName(name string) string {
	if name == "" {
		return DefaultStore
	}
	return name
}

func (h *Harness) session(store, name string) *session {
	if name == "" {
		name = DefaultContext
	}
	key := store + "/" + name
	s, ok := h.editing[key]
	if !ok {
		s = &session{ctx: h.stores[store].NewContext(), records: make(map[string]ir.Record)}
		h.editing[key] = s
	}
	return s
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	op := step.Op()
	st := storeName(step.Store)
	event := TraceEvent{Op: op, Store: st}

	var out map[string]any
	var err error
	switch op {
	case "pull", "push":
		out, err = h.replicate(ctx, op, st, step)
	default:
		event.Context = step.Context
		if event.Context == "" {
			event.Context = DefaultContext
		}
		sess := h.session(st, step.Context)
		switch op {
		case "insert":
			out, err = h.insert(ctx, sess, step.Insert)
		case "read":
			out, err = h.read(ctx, sess, step.Read)
		case "update":
			out, err = h.update(ctx, sess, step.Update)
		case "delete":
			out, err = h.remove(ctx, sess, step.Delete)
		case "fetch":
			out, err = h.fetch(ctx, sess, *step.Fetch)
		case "resolve":
			out, err = h.resolve(ctx, sess, *step.Resolve)
		}
	}

	var se *ScenarioError
	if errors.As(err, &se) {
		return err
	}
	event.Result = out
	if err != nil {
		event.Error = errorKind(err)
		slog.Debug("step failed", "step", h.step, "op", op, "error", err)
	}
	result.addEvent(event)
	h.check(step.Expect, out, err, result)
	return nil
}

// errorKind names the kind of a step error for traces and expectations.
func errorKind(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "NOT_FOUND"
	}
	if k := fault.KindOf(err); k != 0 {
		return k.String()
	}
	return "ERROR"
}

func (h *Harness) check(want *Expect, out map[string]any, err error, result *Result) {
	fail := func(format string, args ...any) {
		result.AddError(fmt.Sprintf("step %d: ", h.step) + fmt.Sprintf(format, args...))
	}
	if want == nil {
		want = &Expect{}
	}

	if err != nil {
		if want.Error == "" {
			fail("unexpected error: %v", err)
			return
		}
		if got := errorKind(err); got != want.Error {
			fail("expected error %s, got %s (%v)", want.Error, got, err)
			return
		}
		if want.Stale != nil {
			if stale := h.refNames(fault.StaleIDs(err)); !sameSet(stale, want.Stale) {
				fail("expected stale %v, got %v", want.Stale, stale)
			}
		}
		return
	}
	if want.Error != "" {
		fail("expected error %s, step succeeded", want.Error)
		return
	}

	if want.Refs != nil {
		got, _ := out["refs"].([]any)
		if !slices.Equal(anyStrings(got), want.Refs) {
			fail("expected refs %v, got %v", want.Refs, anyStrings(got))
		}
	}
	if want.Count != nil && out["count"] != *want.Count {
		fail("expected count %d, got %v", *want.Count, out["count"])
	}
	if want.Conflicts != nil && out["conflicts"] != *want.Conflicts {
		fail("expected %d conflicts, got %v", *want.Conflicts, out["conflicts"])
	}
}

func (h *Harness) insert(ctx context.Context, sess *session, specs []RecordSpec) (map[string]any, error) {
	// Ids are assigned first so records inserted together can refer to
	// each other.
	for _, spec := range specs {
		if _, dup := h.refs[spec.Ref]; dup {
			return nil, h.fail("ref %q inserted twice", spec.Ref)
		}
		rec, err := sess.ctx.NewRecord(spec.Entity)
		if err != nil {
			return nil, h.fail("insert %s: %v", spec.Ref, err)
		}
		h.refs[spec.Ref] = refs.Handle{Entity: spec.Entity, ID: rec.ID}
		h.names[rec.ID] = spec.Ref
	}

	recs := make([]ir.Record, 0, len(specs))
	for _, spec := range specs {
		hd := h.refs[spec.Ref]
		recs = append(recs, ir.Record{Entity: hd.Entity, ID: hd.ID})
	}
	for i, spec := range specs {
		if err := h.apply(&recs[i], spec.Fields); err != nil {
			return nil, err
		}
	}

	res, err := sess.ctx.Execute(ctx, persist.SaveRequest{Inserted: recs})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		rec.Version = res.Versions[rec.ID]
		rec.Changed = nil
		sess.records[h.names[rec.ID]] = rec
	}
	return map[string]any{"versions": h.generations(res.Versions)}, nil
}

func (h *Harness) handle(ref string) (refs.Handle, error) {
	hd, ok := h.refs[ref]
	if !ok {
		return refs.Handle{}, h.fail("unknown ref %q", ref)
	}
	return hd, nil
}

func (h *Harness) read(ctx context.Context, sess *session, names []string) (map[string]any, error) {
	versions := make(map[string]ir.Rev, len(names))
	for _, ref := range names {
		hd, err := h.handle(ref)
		if err != nil {
			return nil, err
		}
		rec, err := sess.ctx.Fault(ctx, hd, nil)
		if err != nil {
			return nil, err
		}
		sess.records[ref] = rec
		versions[rec.ID] = rec.Version
	}
	return map[string]any{"versions": h.generations(versions)}, nil
}

func (h *Harness) update(ctx context.Context, sess *session, specs []RecordSpec) (map[string]any, error) {
	recs := make([]ir.Record, 0, len(specs))
	for _, spec := range specs {
		cached, ok := sess.records[spec.Ref]
		if !ok {
			return nil, h.fail("update %s: not read in this context", spec.Ref)
		}
		rec := cached.Clone()
		if err := h.apply(&rec, spec.Fields); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	res, err := sess.ctx.Execute(ctx, persist.SaveRequest{Updated: recs})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		rec.Version = res.Versions[rec.ID]
		rec.Changed = nil
		sess.records[h.names[rec.ID]] = rec
	}
	return map[string]any{"versions": h.generations(res.Versions)}, nil
}

func (h *Harness) remove(ctx context.Context, sess *session, names []string) (map[string]any, error) {
	recs := make([]ir.Record, 0, len(names))
	for _, ref := range names {
		rec, ok := sess.records[ref]
		if !ok {
			return nil, h.fail("delete %s: not read in this context", ref)
		}
		recs = append(recs, rec)
	}
	if _, err := sess.ctx.Execute(ctx, persist.SaveRequest{Deleted: recs}); err != nil {
		return nil, err
	}
	for _, ref := range names {
		delete(sess.records, ref)
	}
	return map[string]any{"deleted": stringsAny(names)}, nil
}

func (h *Harness) fetch(ctx context.Context, sess *session, spec persist.FetchSpec) (map[string]any, error) {
	req, err := spec.Request(h.model)
	if err != nil {
		return nil, h.fail("%v", err)
	}
	res, err := sess.ctx.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, rec := range res.Records {
		sess.records[h.names[rec.ID]] = rec
	}
	if req.ResultType == persist.ResultCount {
		return map[string]any{"count": res.Count}, nil
	}
	return map[string]any{"refs": stringsAny(h.refNames(res.IDs))}, nil
}

func (h *Harness) replicate(ctx context.Context, op, local string, step Step) (map[string]any, error) {
	st := h.stores[local]
	peer := step.Pull
	newJob := st.Puller
	if op == "push" {
		peer = step.Push
		newJob = st.Pusher
	}
	remote := (&url.URL{Scheme: "file", Path: h.path(peer)}).String()

	job, err := newJob(ctx, remote, replication.Credentials{})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, JobTimeout)
	defer cancel()
	if err := job.Start(ctx); err != nil {
		return nil, err
	}
	res, err := job.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}

	out := map[string]any{
		"peer":        peer,
		"changes":     res.Stats.Changes,
		"revisions":   res.Stats.Revisions,
		"attachments": res.Stats.Attachments,
	}
	if op == "pull" {
		out["conflicts"] = len(res.Conflicts)
	}
	return out, nil
}

func (h *Harness) resolve(ctx context.Context, sess *session, spec ResolveSpec) (map[string]any, error) {
	hd, err := h.handle(spec.Ref)
	if err != nil {
		return nil, err
	}
	sets, err := sess.ctx.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(sets, func(s conflict.Set) bool { return s.ID == hd.ID })
	if idx < 0 {
		return nil, h.fail("resolve %s: no conflict", spec.Ref)
	}
	set := sets[idx]

	pick := -1
	for i, rev := range set.Revisions {
		ok, err := h.matches(rev.Record, spec.Pick)
		if err != nil {
			return nil, err
		}
		if ok {
			pick = i
			break
		}
	}
	if pick < 0 {
		return nil, h.fail("resolve %s: no revision matches %v", spec.Ref, spec.Pick)
	}

	var winner ir.Record
	if spec.Merge {
		policy := conflict.RelationshipFlag
		if spec.Union {
			policy = conflict.RelationshipUnion
		}
		if winner, err = sess.ctx.Merge(set, pick, policy); err != nil {
			return nil, err
		}
	} else {
		if winner, _, err = conflict.Pick(set, pick); err != nil {
			return nil, err
		}
	}
	if err := h.apply(&winner, spec.Fields); err != nil {
		return nil, err
	}

	if _, err := sess.ctx.Resolve(ctx, set, winner, set.Revisions[pick].Rev); err != nil {
		return nil, err
	}
	rec, err := sess.ctx.Fault(ctx, hd, nil)
	if err != nil {
		return nil, err
	}
	sess.records[spec.Ref] = rec

	return map[string]any{
		"leaves":    len(set.Revisions),
		"divergent": stringsAny(set.Divergent),
	}, nil
}

// apply assigns scenario field values to rec.
func (h *Harness) apply(rec *ir.Record, fields map[string]any) error {
	e, ok := h.model.Entity(rec.Entity)
	if !ok {
		return h.fail("unknown entity %q", rec.Entity)
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		raw := fields[name]
		if r, ok := e.Relationship(name); ok {
			rel, err := h.relation(r, raw)
			if err != nil {
				return err
			}
			rec.Relate(name, rel)
			continue
		}
		a, ok := e.Attribute(name)
		if !ok {
			return h.fail("%s has no property %q", e.Name, name)
		}
		v, err := h.value(a, raw)
		if err != nil {
			return err
		}
		rec.Set(name, v)
	}
	return nil
}

func (h *Harness) value(a model.Attribute, raw any) (attr.Value, error) {
	if t, ok := raw.(time.Time); ok {
		raw = t.UTC().Format(time.RFC3339Nano)
	}
	if a.Kind == attr.KindBinary {
		switch x := raw.(type) {
		case nil:
			return attr.Null{}, nil
		case string:
			return attr.Binary(x), nil
		}
		return nil, h.fail("binary %s must be a string, got %T", a.Name, raw)
	}
	iv, err := ir.FromAny(raw)
	if err != nil {
		return nil, h.fail("value for %s: %v", a.Name, err)
	}
	v, err := codec.Decode(iv, nil, a)
	if err != nil {
		return nil, h.fail("value for %s: %v", a.Name, err)
	}
	return v, nil
}

func (h *Harness) relation(r model.Relationship, raw any) (ir.Relation, error) {
	var names []string
	switch x := raw.(type) {
	case nil:
	case string:
		names = []string{x}
	case []any:
		for _, v := range x {
			s, ok := v.(string)
			if !ok {
				return ir.Relation{}, h.fail("%s holds %T, want refs", r.Name, v)
			}
			names = append(names, s)
		}
	default:
		return ir.Relation{}, h.fail("%s holds %T, want refs", r.Name, raw)
	}

	ids := make([]string, 0, len(names))
	for _, ref := range names {
		hd, err := h.handle(ref)
		if err != nil {
			return ir.Relation{}, err
		}
		ids = append(ids, hd.ID)
	}
	if r.ToMany {
		return ir.ToMany(ids...), nil
	}
	if len(ids) > 1 {
		return ir.Relation{}, h.fail("to-one %s given %d refs", r.Name, len(ids))
	}
	if len(ids) == 0 {
		return ir.Relation{}, nil
	}
	return ir.ToOne(ids[0]), nil
}

// matches reports whether rec holds every expected field value.
func (h *Harness) matches(rec ir.Record, want map[string]any) (bool, error) {
	mismatched, err := h.mismatches(rec, want)
	return len(mismatched) == 0, err
}

// mismatches lists the names whose values in rec differ from want.
func (h *Harness) mismatches(rec ir.Record, want map[string]any) ([]string, error) {
	if len(want) == 0 {
		return nil, nil
	}
	expected := ir.Record{Entity: rec.Entity, ID: rec.ID}
	if err := h.apply(&expected, want); err != nil {
		return nil, err
	}

	var out []string
	for name, v := range expected.Attributes {
		if !attr.Equal(v, rec.Get(name)) {
			out = append(out, name)
		}
	}
	for name, rel := range expected.Relationships {
		got := rec.Relationships[name].IDs
		if !sameSet(got, rel.IDs) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

// generations maps refs to the revision generation of each version.
func (h *Harness) generations(versions map[string]ir.Rev) map[string]any {
	out := make(map[string]any, len(versions))
	for id, rev := range versions {
		out[h.refName(id)] = rev.Generation()
	}
	return out
}

func (h *Harness) refName(id string) string {
	if ref, ok := h.names[id]; ok {
		return ref
	}
	return id
}

func (h *Harness) refNames(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = h.refName(id)
	}
	return out
}

func stringsAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func anyStrings(vs []any) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		s, _ := v.(string)
		out = append(out, s)
	}
	return out
}

func sameSet(a, b []string) bool {
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
