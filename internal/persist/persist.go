// Package persist is the object-level surface of docmap: stores opened on
// a model, editing contexts that save and fetch typed records, conflict
// handling and replication jobs.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/uber-go/tally/v4"

	"github.com/roach88/docmap/internal/conflict"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/mapper"
	"github.com/roach88/docmap/internal/model"
	"github.com/roach88/docmap/internal/querysql"
	"github.com/roach88/docmap/internal/refs"
	"github.com/roach88/docmap/internal/replication"
	"github.com/roach88/docmap/internal/store"
)

// Registry tracks open stores by absolute path. A path can be open at most
// once per registry.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Lookup returns the open store at path.
func (r *Registry) Lookup(path string) (*Store, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[abs]
	return s, ok
}

// Paths returns the paths of all open stores, sorted.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.stores))
	for p := range r.stores {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

func (r *Registry) add(s *Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.stores[s.path]; dup {
		return fault.New(fault.BadPath, "open", "%s is already open", s.path)
	}
	r.stores[s.path] = s
	return nil
}

func (r *Registry) remove(s *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stores[s.path] == s {
		delete(r.stores, s.path)
	}
}

type options struct {
	registry    *Registry
	ids         refs.Generator
	scope       tally.Scope
	replication []replication.Option
}

// Option configures Open.
type Option func(*options)

// WithRegistry adds the store to reg until it is closed.
func WithRegistry(reg *Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithIDGenerator sets the generator of reference ids for inserts.
func WithIDGenerator(g refs.Generator) Option {
	return func(o *options) { o.ids = g }
}

// WithScope sends replication metrics to scope.
func WithScope(scope tally.Scope) Option {
	return func(o *options) { o.scope = scope }
}

// WithReplicationOptions passes extra options to the replication manager,
// such as additional transports.
func WithReplicationOptions(opts ...replication.Option) Option {
	return func(o *options) { o.replication = append(o.replication, opts...) }
}

// Store is an open document store bound to a model.
type Store struct {
	path       string
	db         *store.Store
	model      *model.Model
	mapper     *mapper.Mapper
	translator *querysql.Translator
	refs       *refs.Resolver
	resolver   *conflict.Resolver
	jobs       *replication.Manager
	registry   *Registry
}

// Open opens (creating if needed) the database file at path for model m and
// creates the expression indexes of the model's indexed attributes.
// Fails with BadPath when the location is unusable.
func Open(ctx context.Context, path string, m *model.Model, opts ...Option) (*Store, error) {
	o := options{scope: tally.NoopScope}
	for _, opt := range opts {
		opt(&o)
	}
	if path == "" {
		return nil, fault.New(fault.BadPath, "open", "empty store path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fault.Wrap(fault.BadPath, "open", err, "resolve %s", path)
	}
	if info, err := os.Stat(filepath.Dir(abs)); err != nil || !info.IsDir() {
		return nil, fault.New(fault.BadPath, "open", "directory of %s does not exist", abs)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return nil, fault.New(fault.BadPath, "open", "%s is a directory", abs)
	}

	db, err := store.Open(abs)
	if err != nil {
		return nil, fault.Wrap(fault.BadPath, "open", err, "open %s", abs)
	}
	for _, idx := range m.Indexes() {
		if err := db.EnsureIndex(ctx, idx[0], idx[1]); err != nil {
			db.Close()
			return nil, err
		}
	}

	mp := mapper.New(m)
	s := &Store{
		path:       abs,
		db:         db,
		model:      m,
		mapper:     mp,
		translator: querysql.NewTranslator(m),
		refs:       refs.NewResolver(m, o.ids),
		resolver:   conflict.NewResolver(db, mp),
	}
	jobOpts := append([]replication.Option{
		replication.WithScanner(s.resolver),
		replication.WithScope(o.scope),
	}, o.replication...)
	s.jobs = replication.NewManager(db, jobOpts...)

	if o.registry != nil {
		if err := o.registry.add(s); err != nil {
			db.Close()
			return nil, err
		}
		s.registry = o.registry
	}
	slog.Debug("store opened", "path", abs, "entities", len(m.Names()))
	return s, nil
}

// Name returns the database name: the file name without its extension.
func (s *Store) Name() string {
	base := filepath.Base(s.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Path returns the absolute path of the database file.
func (s *Store) Path() string {
	return s.path
}

// Model returns the model the store was opened with.
func (s *Store) Model() *model.Model {
	return s.model
}

// Documents returns the underlying document store.
func (s *Store) Documents() *store.Store {
	return s.db
}

// Close closes the database and removes the store from its registry.
func (s *Store) Close() error {
	if s.registry != nil {
		s.registry.remove(s)
	}
	return s.db.Close()
}

// NewContext creates an editing context. Contexts are not safe for
// concurrent use; create one per goroutine.
func (s *Store) NewContext() *Context {
	return newContext(s)
}

// Puller returns a job that pulls remote into this store. Conflicts found
// after the pull are reported in the job's result.
func (s *Store) Puller(ctx context.Context, remote string, creds replication.Credentials) (*replication.Job, error) {
	return s.jobs.NewPull(ctx, remote, creds)
}

// Pusher returns a job that pushes this store to remote.
func (s *Store) Pusher(ctx context.Context, remote string, creds replication.Credentials) (*replication.Job, error) {
	return s.jobs.NewPush(ctx, remote, creds)
}

// notFound reports whether err means the object does not exist.
func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func wrapNotFound(op string, h refs.Handle) error {
	return fmt.Errorf("%s %s: %w", op, h, store.ErrNotFound)
}
