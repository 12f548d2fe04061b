// Package replication runs pull and push replication between the local
// store and a remote one as background jobs.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/uber-go/tally/v4"

	"github.com/roach88/docmap/internal/conflict"
	"github.com/roach88/docmap/internal/fault"
)

// ErrJobActive is returned by Start while another job of the same
// direction is running against the same local store.
var ErrJobActive = errors.New("replication job already active")

// ErrJobNotStarted is returned by Result and Wait for a job whose Start
// never succeeded.
var ErrJobNotStarted = errors.New("replication job not started")

// Direction says which way a job copies revisions.
type Direction int

const (
	// Pull copies from the remote into the local store.
	Pull Direction = iota + 1

	// Push copies from the local store to the remote.
	Push
)

func (d Direction) String() string {
	switch d {
	case Pull:
		return "pull"
	case Push:
		return "push"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Local is the store a Manager replicates: a peer that also keeps the
// checkpoints of its replications.
type Local interface {
	Peer
	Checkpoints
}

// Scanner finds conflicts after a pull. *conflict.Resolver implements it.
type Scanner interface {
	Scan(ctx context.Context) ([]conflict.Set, error)
}

// Result is delivered when a job finishes.
type Result struct {
	JobID     string
	Direction Direction
	Remote    string
	Stats     Stats

	// Err is nil on success, and context.Canceled after Cancel.
	Err error

	// Conflicts lists the conflicted documents after a successful pull.
	Conflicts []conflict.Set
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory registers f for URL scheme.
func WithFactory(scheme string, f Factory) Option {
	return func(m *Manager) { m.factories[scheme] = f }
}

// WithScope sends job metrics to scope.
func WithScope(scope tally.Scope) Option {
	return func(m *Manager) { m.scope = scope }
}

// WithBatchSize sets the number of changes read per round trip.
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// WithScanner runs s after every successful pull.
func WithScanner(s Scanner) Option {
	return func(m *Manager) { m.scanner = s }
}

// Manager creates replication jobs for one local store and allows at most
// one active job per direction.
type Manager struct {
	local     Local
	factories map[string]Factory
	scope     tally.Scope
	batchSize int
	scanner   Scanner

	mu     sync.Mutex
	active map[Direction]*Job
}

// NewManager creates a Manager. The file and sqlite schemes are registered
// by default.
func NewManager(local Local, opts ...Option) *Manager {
	m := &Manager{
		local: local,
		factories: map[string]Factory{
			"file":   OpenSQLite,
			"sqlite": OpenSQLite,
		},
		scope:     tally.NoopScope,
		batchSize: DefaultBatchSize,
		active:    make(map[Direction]*Job),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewPull creates a job that copies remote into the local store.
func (m *Manager) NewPull(ctx context.Context, remote string, creds Credentials) (*Job, error) {
	return m.newJob(ctx, Pull, remote, creds)
}

// NewPush creates a job that copies the local store to remote.
func (m *Manager) NewPush(ctx context.Context, remote string, creds Credentials) (*Job, error) {
	return m.newJob(ctx, Push, remote, creds)
}

// Active returns the running job of direction d, or nil.
func (m *Manager) Active(d Direction) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[d]
}

func (m *Manager) newJob(ctx context.Context, d Direction, remote string, creds Credentials) (*Job, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return nil, fault.Wrap(fault.ReplicationFactory, "replicate", err, "parse remote %q", remote)
	}
	factory, ok := m.factories[u.Scheme]
	if !ok {
		return nil, fault.New(fault.ReplicationFactory, "replicate", "no transport for scheme %q", u.Scheme)
	}
	peer, err := factory(ctx, u, creds)
	if err != nil {
		return nil, fault.Wrap(fault.ReplicationFactory, "replicate", err, "open %s", u.Redacted())
	}

	id := ulid.Make().String()
	j := &Job{
		ID:        id,
		Direction: d,
		Remote:    u.Redacted(),
		manager:   m,
		remote:    peer,
		done:      make(chan struct{}),
	}
	j.replicator = &Replicator{
		ID:          d.String() + ":" + u.Redacted(),
		Checkpoints: m.local,
		BatchSize:   m.batchSize,
		Scope:       m.scope.Tagged(map[string]string{"direction": d.String()}),
	}
	if d == Pull {
		j.replicator.Source, j.replicator.Target = peer, m.local
	} else {
		j.replicator.Source, j.replicator.Target = m.local, peer
	}
	return j, nil
}

func (m *Manager) acquire(j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if other, ok := m.active[j.Direction]; ok {
		return fmt.Errorf("%w: %s job %s", ErrJobActive, j.Direction, other.ID)
	}
	m.active[j.Direction] = j
	return nil
}

func (m *Manager) release(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[j.Direction] == j {
		delete(m.active, j.Direction)
	}
}

// Job is one replication run. A job runs at most once.
type Job struct {
	ID        string
	Direction Direction
	Remote    string

	manager    *Manager
	replicator *Replicator
	remote     Remote

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	onComplete func(Result)
	result     Result
	done       chan struct{}
}

// OnComplete registers fn to be called with the result when the job
// finishes, before Done is closed. Must be called before Start.
func (j *Job) OnComplete(fn func(Result)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onComplete = fn
}

// Start runs the job in the background. Fails with ErrJobActive while
// another job of the same direction is running.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return fmt.Errorf("job %s already started", j.ID)
	}
	if err := j.manager.acquire(j); err != nil {
		return err
	}
	j.started = true

	ctx, j.cancel = context.WithCancel(ctx)
	slog.Info("replication started",
		"job", j.ID,
		"direction", j.Direction,
		"remote", j.Remote,
	)
	go j.run(ctx)
	return nil
}

// Cancel stops the job after the revision being copied. Revisions already
// written stay. Cancel before Start or after completion does nothing.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		j.cancel()
	}
}

// Done is closed when the job has finished. It stays open for a job that
// was never started.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result blocks until the job finishes and returns the outcome. For a job
// that was never started it returns at once with Err set to
// ErrJobNotStarted.
func (j *Job) Result() Result {
	if !j.isStarted() {
		return Result{JobID: j.ID, Direction: j.Direction, Remote: j.Remote, Err: ErrJobNotStarted}
	}
	<-j.done
	return j.result
}

// Wait blocks until the job finishes or ctx is done. Fails with
// ErrJobNotStarted for a job that was never started.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	if !j.isStarted() {
		return Result{}, ErrJobNotStarted
	}
	select {
	case <-j.done:
		return j.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (j *Job) isStarted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

func (j *Job) run(ctx context.Context) {
	defer j.cancel()

	res := Result{JobID: j.ID, Direction: j.Direction, Remote: j.Remote}
	res.Stats, res.Err = j.replicator.Run(ctx)
	if res.Err == nil && j.Direction == Pull && j.manager.scanner != nil {
		res.Conflicts, res.Err = j.manager.scanner.Scan(ctx)
	}
	if err := j.remote.Close(); err != nil && res.Err == nil {
		res.Err = fmt.Errorf("close remote: %w", err)
	}

	if res.Err != nil {
		slog.Warn("replication failed",
			"job", j.ID,
			"direction", j.Direction,
			"error", res.Err,
		)
		j.manager.scope.Tagged(map[string]string{"direction": j.Direction.String()}).Counter("failures").Inc(1)
	} else {
		slog.Info("replication finished",
			"job", j.ID,
			"direction", j.Direction,
			"revisions", res.Stats.Revisions,
			"conflicts", len(res.Conflicts),
		)
	}

	j.mu.Lock()
	j.result = res
	fn := j.onComplete
	j.mu.Unlock()

	j.manager.release(j)
	if fn != nil {
		fn(res)
	}
	close(j.done)
}
