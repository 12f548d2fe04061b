package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/docmap/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// personDoc creates a Person document body with a name.
func personDoc(id, name string) ir.Document {
	return ir.Document{
		ID: id,
		Fields: ir.IRObject{
			ir.EntityField: ir.IRString("Person"),
			"name":         ir.IRString(name),
		},
	}
}

// withRev returns doc carrying a replicated revision token.
func withRev(doc ir.Document, rev string) ir.Document {
	doc.Rev = ir.Rev(rev)
	return doc
}
