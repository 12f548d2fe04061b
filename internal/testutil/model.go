// Package testutil provides fixtures shared by package tests: a
// representative model, predictable ids and temporary stores.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/model"
	"github.com/roach88/docmap/internal/store"
)

// People returns a model with one entity of every attribute kind worth
// querying and both relationship shapes.
//
//	Person: name, age, height, salary, born, active, photo; team -> Team,
//	        friends ->> Person
//	Team:   title, logo; members ->> Person (ordered)
func People() *model.Model {
	return model.MustNew(
		model.Entity{
			Name: "Person",
			Attributes: []model.Attribute{
				{Name: "name", Kind: attr.KindString, Indexed: true},
				{Name: "age", Kind: attr.KindInt32, Indexed: true, Default: attr.Int32(0)},
				{Name: "height", Kind: attr.KindFloat64, Indexed: true},
				{Name: "salary", Kind: attr.KindDecimal},
				{Name: "born", Kind: attr.KindDate, Indexed: true},
				{Name: "active", Kind: attr.KindBool, Indexed: true},
				{Name: "photo", Kind: attr.KindBinary, ContentType: "image/png"},
			},
			Relationships: []model.Relationship{
				{Name: "team", Target: "Team", Inverse: "members"},
				{Name: "friends", Target: "Person", ToMany: true},
			},
		},
		model.Entity{
			Name: "Team",
			Attributes: []model.Attribute{
				{Name: "title", Kind: attr.KindString, Indexed: true},
				{Name: "logo", Kind: attr.KindBinary},
			},
			Relationships: []model.Relationship{
				{Name: "members", Target: "Person", ToMany: true, Ordered: true, Inverse: "team"},
			},
		},
	)
}

// NewStore opens a store in a temporary directory, closed on cleanup.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	return OpenStore(t, filepath.Join(t.TempDir(), "docs.db"))
}

// OpenStore opens the store at path, closed on cleanup.
func OpenStore(t testing.TB, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store %s: %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
