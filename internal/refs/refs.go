// Package refs assigns and resolves reference ids.
//
// A record's reference id is its document id: a UUIDv7 assigned before the
// first write and never changed. There is no mapping table; resolving a
// reference only checks that the id is well formed and the entity exists.
package refs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
)

// Generator produces new reference ids.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids assigned
// later sort later. This keeps the store's primary key index append-mostly.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Format: "0190a8e2-5f3c-7b1d-9e4a-2c6f8d0b1a3e" (36 characters)
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedGenerator(id1, id2)
//	gen.Generate() // id1
//	gen.Generate() // id2
//	gen.Generate() // panic: all ids exhausted
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, which catches a test that inserts
// more records than it expected.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// ValidID reports whether id is a canonical hyphenated UUID.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Handle is a lightweight reference to a stored record. It carries no
// attribute data.
type Handle struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

func (h Handle) String() string {
	return h.Entity + "/" + h.ID
}

// ParseHandle parses the "Entity/id" form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	entity, id, ok := strings.Cut(s, "/")
	if !ok || entity == "" || id == "" {
		return Handle{}, fmt.Errorf("malformed reference %q, want Entity/id", s)
	}
	return Handle{Entity: entity, ID: id}, nil
}

// Resolver assigns ids for new records and resolves ids to handles.
type Resolver struct {
	model *model.Model
	gen   Generator
}

// NewResolver creates a Resolver. A nil generator means UUIDv7Generator.
func NewResolver(m *model.Model, gen Generator) *Resolver {
	if gen == nil {
		gen = UUIDv7Generator{}
	}
	return &Resolver{model: m, gen: gen}
}

// Assign returns a fresh reference id for a new record of entity.
func (r *Resolver) Assign(entity string) (string, error) {
	if _, ok := r.model.Entity(entity); !ok {
		return "", fault.New(fault.BadPath, "assign", "unknown entity %q", entity)
	}
	id := r.gen.Generate()
	if !ValidID(id) {
		return "", fault.New(fault.BadPath, "assign", "generator produced malformed id %q", id)
	}
	return id, nil
}

// Resolve returns the handle for an existing reference id.
func (r *Resolver) Resolve(entity, id string) (Handle, error) {
	if _, ok := r.model.Entity(entity); !ok {
		return Handle{}, fault.New(fault.BadPath, "resolve", "unknown entity %q", entity)
	}
	if !ValidID(id) {
		return Handle{}, fault.New(fault.BadPath, "resolve", "malformed reference id %q", id)
	}
	return Handle{Entity: entity, ID: id}, nil
}

// HandleFor resolves the handle of a stored document from its entity tag.
func (r *Resolver) HandleFor(doc ir.Document) (Handle, error) {
	return r.Resolve(doc.Entity(), doc.ID)
}
