package replication

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/roach88/docmap/internal/conflict"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/mapper"
	"github.com/roach88/docmap/internal/store"
	"github.com/roach88/docmap/internal/testutil"
)

const waitFor = 10 * time.Second

func personDoc(id, name string) ir.Document {
	return ir.Document{ID: id, Fields: ir.IRObject{
		ir.EntityField: ir.IRString("Person"),
		"name":         ir.IRString(name),
	}}
}

// remoteStore creates a store file and returns it with its file URL.
func remoteStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remote.db")
	s := testutil.OpenStore(t, path)
	return s, (&url.URL{Scheme: "file", Path: path}).String()
}

func run(t *testing.T, job *Job) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, job.Start(ctx))
	res, err := job.Wait(ctx)
	require.NoError(t, err)
	return res
}

func pull(t *testing.T, m *Manager, remote string) Result {
	t.Helper()
	job, err := m.NewPull(context.Background(), remote, Credentials{})
	require.NoError(t, err)
	return run(t, job)
}

func push(t *testing.T, m *Manager, remote string) Result {
	t.Helper()
	job, err := m.NewPush(context.Background(), remote, Credentials{})
	require.NoError(t, err)
	return run(t, job)
}

func TestPullCopiesRevisionsAndAttachments(t *testing.T) {
	ctx := context.Background()
	remote, remoteURL := remoteStore(t)
	local := testutil.NewStore(t)

	r1, err := remote.PutDocument(ctx, personDoc("a", "Alice"), []ir.Attachment{ir.NewAttachment("photo", "image/png", []byte("png"))}, "")
	require.NoError(t, err)
	r2, err := remote.PutDocument(ctx, personDoc("a", "Alicia"), []ir.Attachment{ir.StubAttachment("photo", ir.AttachmentRef{})}, r1)
	require.NoError(t, err)
	_, err = remote.PutDocument(ctx, personDoc("b", "Bob"), nil, "")
	require.NoError(t, err)

	res := pull(t, NewManager(local), remoteURL)
	require.NoError(t, res.Err)
	assert.Equal(t, Pull, res.Direction)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, 2, res.Stats.Changes)
	assert.Equal(t, 3, res.Stats.Revisions)
	assert.Equal(t, 2, res.Stats.Attachments)

	doc, err := local.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, r2, doc.Rev)
	assert.Equal(t, ir.IRString("Alicia"), doc.Fields["name"])

	hist, err := local.History(ctx, "a", r2)
	require.NoError(t, err)
	assert.Equal(t, []ir.Rev{r2, r1}, hist)

	data, err := local.GetAttachment(ctx, "a", r2, "photo")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestPullIsIdempotent(t *testing.T) {
	ctx := context.Background()
	remote, remoteURL := remoteStore(t)
	local := testutil.NewStore(t)

	_, err := remote.PutDocument(ctx, personDoc("a", "Alice"), nil, "")
	require.NoError(t, err)

	m := NewManager(local)
	first := pull(t, m, remoteURL)
	require.NoError(t, first.Err)
	seq, err := local.LastSeq(ctx)
	require.NoError(t, err)

	again := pull(t, m, remoteURL)
	require.NoError(t, again.Err)
	assert.Zero(t, again.Stats.Changes, "checkpoint skips seen changes")
	assert.Zero(t, again.Stats.Revisions)

	// Without the checkpoint the feed is read again but nothing is written.
	require.NoError(t, local.SetCheckpoint(ctx, "pull:"+remoteURL, 0))
	replay := pull(t, m, remoteURL)
	require.NoError(t, replay.Err)
	assert.Equal(t, 1, replay.Stats.Changes)
	assert.Zero(t, replay.Stats.Revisions)

	after, err := local.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq, after)
}

func TestConcurrentEditsConvergeAsConflict(t *testing.T) {
	ctx := context.Background()
	remote, remoteURL := remoteStore(t)
	local := testutil.NewStore(t)
	resolver := conflict.NewResolver(local, mapper.New(testutil.People()))
	m := NewManager(local, WithScanner(resolver))

	r1, err := local.PutDocument(ctx, personDoc("a", "Alice"), nil, "")
	require.NoError(t, err)
	require.NoError(t, push(t, m, remoteURL).Err)

	_, err = local.PutDocument(ctx, personDoc("a", "Bob"), nil, r1)
	require.NoError(t, err)
	_, err = remote.PutDocument(ctx, personDoc("a", "Robert"), nil, r1)
	require.NoError(t, err)

	res := pull(t, m, remoteURL)
	require.NoError(t, res.Err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "a", res.Conflicts[0].ID)
	assert.Len(t, res.Conflicts[0].Revisions, 2)

	require.NoError(t, push(t, m, remoteURL).Err)

	// Both replicas pick the same winner without talking to each other.
	lw, err := local.GetDocument(ctx, "a")
	require.NoError(t, err)
	rw, err := remote.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, lw.Rev, rw.Rev)

	ids, err := remote.ConflictedDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestPushResolutionClearsRemoteConflict(t *testing.T) {
	ctx := context.Background()
	remote, remoteURL := remoteStore(t)
	local := testutil.NewStore(t)
	resolver := conflict.NewResolver(local, mapper.New(testutil.People()))
	m := NewManager(local, WithScanner(resolver))

	r1, err := local.PutDocument(ctx, personDoc("a", "Alice"), nil, "")
	require.NoError(t, err)
	_, err = local.ForceInsert(ctx, ir.Document{ID: "a", Rev: "2-aaa", Fields: personDoc("a", "Bob").Fields}, r1, nil)
	require.NoError(t, err)
	_, err = local.ForceInsert(ctx, ir.Document{ID: "a", Rev: "2-bbb", Fields: personDoc("a", "Robert").Fields}, r1, nil)
	require.NoError(t, err)
	require.NoError(t, push(t, m, remoteURL).Err)

	sets, err := resolver.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	rec, rev, err := conflict.Pick(sets[0], 1)
	require.NoError(t, err)
	won, err := resolver.Resolve(ctx, sets[0], rec, rev)
	require.NoError(t, err)

	require.NoError(t, push(t, m, remoteURL).Err)
	ids, err := remote.ConflictedDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	doc, err := remote.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, won, doc.Rev)
	assert.Equal(t, ir.IRString("Bob"), doc.Fields["name"])
}

func TestFactoryErrors(t *testing.T) {
	m := NewManager(testutil.NewStore(t))
	ctx := context.Background()

	tests := []struct {
		name   string
		remote string
	}{
		{"unknown scheme", "https://example.com/db"},
		{"no scheme", "peer.db"},
		{"empty path", "file:"},
		{"unopenable", "file:///nonexistent/dir/peer.db"},
		{"malformed", "file://%zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.NewPull(ctx, tt.remote, Credentials{})
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.ReplicationFactory), "got %v", err)
		})
	}
}

func TestCustomFactory(t *testing.T) {
	peer := &mockPeer{}
	peer.On("Changes", mock.Anything, int64(0), DefaultBatchSize).Return([]store.Change(nil), nil)
	peer.On("Close").Return(nil)

	var gotCreds Credentials
	factory := func(_ context.Context, u *url.URL, creds Credentials) (Remote, error) {
		gotCreds = creds
		assert.Equal(t, "example.com", u.Host)
		return peer, nil
	}
	m := NewManager(testutil.NewStore(t), WithFactory("mem", factory))

	job, err := m.NewPull(context.Background(), "mem://example.com/db", Credentials{Username: "u", Password: "p"})
	require.NoError(t, err)
	res := run(t, job)
	require.NoError(t, res.Err)
	assert.Equal(t, "u", gotCreds.Username)
	peer.AssertExpectations(t)

	_, err = m.NewPull(context.Background(), "mem://example.com/db", Credentials{})
	require.NoError(t, err)

	failing := NewManager(testutil.NewStore(t), WithFactory("mem", func(context.Context, *url.URL, Credentials) (Remote, error) {
		return nil, errors.New("refused")
	}))
	_, err = failing.NewPush(context.Background(), "mem://x", Credentials{})
	assert.True(t, fault.Is(err, fault.ReplicationFactory))
	assert.ErrorContains(t, err, "refused")
}

// blockingPeer returns a remote whose changes feed blocks until release is
// closed.
func blockingPeer(release <-chan struct{}) *mockPeer {
	peer := &mockPeer{}
	peer.On("Changes", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return([]store.Change(nil), nil)
	peer.On("Close").Return(nil)
	return peer
}

func TestOneActiveJobPerDirection(t *testing.T) {
	release := make(chan struct{})
	factory := func(context.Context, *url.URL, Credentials) (Remote, error) {
		return blockingPeer(release), nil
	}
	m := NewManager(testutil.NewStore(t), WithFactory("mem", factory))
	ctx := context.Background()

	first, err := m.NewPull(ctx, "mem://peer", Credentials{})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	assert.Same(t, first, m.Active(Pull))

	second, err := m.NewPull(ctx, "mem://peer", Credentials{})
	require.NoError(t, err)
	err = second.Start(ctx)
	assert.ErrorIs(t, err, ErrJobActive)

	// Push runs alongside the pull.
	pushJob, err := m.NewPush(ctx, "mem://peer", Credentials{})
	require.NoError(t, err)
	res := run(t, pushJob)
	require.NoError(t, res.Err)

	close(release)
	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("pull did not finish")
	}
	require.NoError(t, first.Result().Err)
	assert.Nil(t, m.Active(Pull))

	res = run(t, second)
	assert.NoError(t, res.Err, "a refused job can start once the slot is free")
	assert.Error(t, second.Start(ctx), "a job runs once")
}

func TestResultBeforeStart(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(testutil.NewStore(t), WithFactory("mem", func(context.Context, *url.URL, Credentials) (Remote, error) {
		return blockingPeer(release), nil
	}))
	ctx := context.Background()

	job, err := m.NewPull(ctx, "mem://peer", Credentials{})
	require.NoError(t, err)

	res := job.Result()
	assert.ErrorIs(t, res.Err, ErrJobNotStarted)
	assert.Equal(t, job.ID, res.JobID)
	_, err = job.Wait(ctx)
	assert.ErrorIs(t, err, ErrJobNotStarted)

	// A refused start leaves the job unstarted too.
	holder, err := m.NewPull(ctx, "mem://peer", Credentials{})
	require.NoError(t, err)
	require.NoError(t, holder.Start(ctx))
	require.ErrorIs(t, job.Start(ctx), ErrJobActive)
	assert.ErrorIs(t, job.Result().Err, ErrJobNotStarted)

	close(release)
	require.NoError(t, holder.Result().Err)
}

func TestCancel(t *testing.T) {
	peer := &mockPeer{}
	peer.On("Changes", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return([]store.Change(nil), context.Canceled)
	peer.On("Close").Return(nil)
	m := NewManager(testutil.NewStore(t), WithFactory("mem", func(context.Context, *url.URL, Credentials) (Remote, error) {
		return peer, nil
	}))

	job, err := m.NewPull(context.Background(), "mem://peer", Credentials{})
	require.NoError(t, err)

	completed := make(chan Result, 1)
	job.OnComplete(func(r Result) { completed <- r })
	require.NoError(t, job.Start(context.Background()))
	job.Cancel()

	select {
	case res := <-completed:
		assert.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("job did not stop")
	}
	<-job.Done()
	peer.AssertCalled(t, "Close")
}

func TestFailureKeepsCheckpoint(t *testing.T) {
	local := testutil.NewStore(t)
	ctx := context.Background()

	peer := &mockPeer{}
	peer.On("Changes", mock.Anything, int64(0), DefaultBatchSize).
		Return([]store.Change{{Seq: 4, ID: "a", Leaves: []ir.Rev{"1-abc"}}}, nil)
	peer.On("History", mock.Anything, "a", ir.Rev("1-abc")).Return([]ir.Rev{"1-abc"}, nil)
	peer.On("GetRevision", mock.Anything, "a", ir.Rev("1-abc")).Return(store.Revision{}, errors.New("connection reset"))
	peer.On("Close").Return(nil)

	m := NewManager(local, WithFactory("mem", func(context.Context, *url.URL, Credentials) (Remote, error) {
		return peer, nil
	}))
	res := pull(t, m, "mem://peer")
	require.Error(t, res.Err)
	assert.ErrorContains(t, res.Err, "connection reset")

	seq, err := local.Checkpoint(ctx, "pull:mem://peer")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	remote, remoteURL := remoteStore(t)
	_, err := remote.PutDocument(ctx, personDoc("a", "Alice"), nil, "")
	require.NoError(t, err)

	scope := tally.NewTestScope("", nil)
	m := NewManager(testutil.NewStore(t), WithScope(scope))
	res := pull(t, m, remoteURL)
	require.NoError(t, res.Err)

	counters := scope.Snapshot().Counters()
	require.Contains(t, counters, "revisions_written+direction=pull")
	assert.Equal(t, int64(1), counters["revisions_written+direction=pull"].Value())
}

func TestBatching(t *testing.T) {
	ctx := context.Background()
	remote, remoteURL := remoteStore(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := remote.PutDocument(ctx, personDoc(id, id), nil, "")
		require.NoError(t, err)
	}
	local := testutil.NewStore(t)

	res := pull(t, NewManager(local, WithBatchSize(2)), remoteURL)
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Stats.Revisions)
	assert.Equal(t, int64(5), res.Stats.Checkpoint)
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "pull", Pull.String())
	assert.Equal(t, "push", Push.String())
	assert.Equal(t, "Direction(0)", Direction(0).String())
}
