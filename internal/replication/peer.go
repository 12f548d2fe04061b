package replication

import (
	"context"
	"fmt"
	"net/url"

	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/store"
)

// Peer is one end of a replication: the revision-level operations of a
// document store. *store.Store implements it.
type Peer interface {
	Changes(ctx context.Context, since int64, limit int) ([]store.Change, error)
	RevsDiff(ctx context.Context, revs map[string][]ir.Rev) (map[string][]ir.Rev, error)
	History(ctx context.Context, id string, rev ir.Rev) ([]ir.Rev, error)
	GetRevision(ctx context.Context, id string, rev ir.Rev) (store.Revision, error)
	GetAttachment(ctx context.Context, id string, rev ir.Rev, name string) ([]byte, error)
	ForceInsert(ctx context.Context, doc ir.Document, parent ir.Rev, atts []ir.Attachment) (bool, error)
}

// Remote is a Peer opened by a Factory. The job that opened it closes it.
type Remote interface {
	Peer
	Close() error
}

// Credentials authenticate against a remote. Transports that need none
// ignore them.
type Credentials struct {
	Username string
	Password string
}

// Factory opens the remote named by u.
type Factory func(ctx context.Context, u *url.URL, creds Credentials) (Remote, error)

// OpenSQLite is the Factory for file: and sqlite: URLs naming another
// store's database file, e.g. "file:///var/lib/docmap/peer.db" or
// "sqlite:peer.db".
func OpenSQLite(_ context.Context, u *url.URL, _ Credentials) (Remote, error) {
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if path == "" {
		return nil, fmt.Errorf("%s has no database path", u.Redacted())
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

var _ Remote = (*store.Store)(nil)
