package replication

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/store"
)

// mockPeer is a scripted remote.
type mockPeer struct {
	mock.Mock
}

func (p *mockPeer) Changes(ctx context.Context, since int64, limit int) ([]store.Change, error) {
	args := p.Called(ctx, since, limit)
	changes, _ := args.Get(0).([]store.Change)
	return changes, args.Error(1)
}

func (p *mockPeer) RevsDiff(ctx context.Context, revs map[string][]ir.Rev) (map[string][]ir.Rev, error) {
	args := p.Called(ctx, revs)
	missing, _ := args.Get(0).(map[string][]ir.Rev)
	return missing, args.Error(1)
}

func (p *mockPeer) History(ctx context.Context, id string, rev ir.Rev) ([]ir.Rev, error) {
	args := p.Called(ctx, id, rev)
	hist, _ := args.Get(0).([]ir.Rev)
	return hist, args.Error(1)
}

func (p *mockPeer) GetRevision(ctx context.Context, id string, rev ir.Rev) (store.Revision, error) {
	args := p.Called(ctx, id, rev)
	r, _ := args.Get(0).(store.Revision)
	return r, args.Error(1)
}

func (p *mockPeer) GetAttachment(ctx context.Context, id string, rev ir.Rev, name string) ([]byte, error) {
	args := p.Called(ctx, id, rev, name)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (p *mockPeer) ForceInsert(ctx context.Context, doc ir.Document, parent ir.Rev, atts []ir.Attachment) (bool, error) {
	args := p.Called(ctx, doc, parent, atts)
	return args.Bool(0), args.Error(1)
}

func (p *mockPeer) Close() error {
	return p.Called().Error(0)
}
