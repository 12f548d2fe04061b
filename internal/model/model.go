// Package model holds the entity schemas that drive document mapping and
// fetch translation.
package model

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/ir"
)

// DefaultContentType is used for binary attributes without a content type.
const DefaultContentType = "application/octet-stream"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s can be used as an entity, attribute or
// relationship name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// Attribute declares one typed attribute.
type Attribute struct {
	Name string
	Kind attr.Kind

	// Default is decoded in place of a missing field. Nil means attr.Null.
	Default attr.Value

	// Indexed attributes can be sorted on and get an expression index.
	Indexed bool

	// ContentType applies to binary attributes.
	ContentType string
}

// AttachmentContentType returns the content type for a binary attribute.
func (a Attribute) AttachmentContentType() string {
	if a.ContentType == "" {
		return DefaultContentType
	}
	return a.ContentType
}

// Relationship declares a reference to another entity.
type Relationship struct {
	Name   string
	Target string

	// ToMany relationships hold an id list; otherwise zero or one id.
	ToMany bool

	// Ordered to-many relationships preserve list order.
	Ordered bool

	Inverse string
}

// Entity is the schema for one object type.
type Entity struct {
	Name          string
	Attributes    []Attribute
	Relationships []Relationship
}

// Attribute looks up an attribute by name.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Relationship looks up a relationship by name.
func (e *Entity) Relationship(name string) (Relationship, bool) {
	for _, r := range e.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return Relationship{}, false
}

// Has reports whether name is an attribute or relationship of e.
func (e *Entity) Has(name string) bool {
	_, a := e.Attribute(name)
	_, r := e.Relationship(name)
	return a || r
}

// Binaries returns the names of the binary attributes in declaration order.
func (e *Entity) Binaries() []string {
	var out []string
	for _, a := range e.Attributes {
		if a.Kind == attr.KindBinary {
			out = append(out, a.Name)
		}
	}
	return out
}

// Model is an immutable set of entity schemas.
type Model struct {
	entities map[string]*Entity
	names    []string
}

// ValidationError describes one problem with a model definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in a model definition.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// New builds a Model, checking names and relationship targets.
// Returns all problems (not fail-fast).
func New(entities ...Entity) (*Model, error) {
	m := &Model{entities: make(map[string]*Entity, len(entities))}
	var errs ValidationErrors

	for i := range entities {
		e := entities[i]
		if !ValidIdentifier(e.Name) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("entities[%d].name", i),
				Message: fmt.Sprintf("invalid entity name %q", e.Name),
			})
			continue
		}
		if _, dup := m.entities[e.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   e.Name,
				Message: "duplicate entity",
			})
			continue
		}
		errs = append(errs, validateEntity(&e)...)
		m.entities[e.Name] = &e
		m.names = append(m.names, e.Name)
	}

	for _, name := range m.names {
		for _, r := range m.entities[name].Relationships {
			target, ok := m.entities[r.Target]
			if !ok {
				errs = append(errs, ValidationError{
					Field:   name + "." + r.Name,
					Message: fmt.Sprintf("unknown target entity %q", r.Target),
				})
				continue
			}
			if r.Inverse != "" {
				if _, ok := target.Relationship(r.Inverse); !ok {
					errs = append(errs, ValidationError{
						Field:   name + "." + r.Name,
						Message: fmt.Sprintf("inverse %q not declared on %s", r.Inverse, r.Target),
					})
				}
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	slices.Sort(m.names)
	return m, nil
}

// MustNew is like New but panics on error.
// Use only in tests or for constants.
func MustNew(entities ...Entity) *Model {
	m, err := New(entities...)
	if err != nil {
		panic(err)
	}
	return m
}

func validateEntity(e *Entity) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)

	check := func(field, name string) {
		switch {
		case !ValidIdentifier(name):
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid name %q", name)})
		case name == ir.EntityField:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("%q is reserved", name)})
		case seen[name]:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate property %q", name)})
		}
		seen[name] = true
	}

	for i, a := range e.Attributes {
		field := fmt.Sprintf("%s.attributes[%d]", e.Name, i)
		check(field, a.Name)
		if a.Default != nil && !attr.IsNull(a.Default) && a.Default.Kind() != a.Kind {
			errs = append(errs, ValidationError{
				Field:   field + ".default",
				Message: fmt.Sprintf("default of kind %s does not match %s", a.Default.Kind(), a.Kind),
			})
		}
		if a.Indexed && a.Kind == attr.KindBinary {
			errs = append(errs, ValidationError{Field: field + ".indexed", Message: "binary attributes cannot be indexed"})
		}
	}
	for i, r := range e.Relationships {
		field := fmt.Sprintf("%s.relationships[%d]", e.Name, i)
		check(field, r.Name)
		if r.Ordered && !r.ToMany {
			errs = append(errs, ValidationError{Field: field + ".ordered", Message: "only to-many relationships can be ordered"})
		}
	}
	return errs
}

// Entity looks up an entity by name.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.entities[name]
	return e, ok
}

// Names returns the entity names in sorted order.
func (m *Model) Names() []string {
	return slices.Clone(m.names)
}

// Indexes returns (entity, attribute) pairs for every indexed attribute.
func (m *Model) Indexes() [][2]string {
	var out [][2]string
	for _, name := range m.names {
		for _, a := range m.entities[name].Attributes {
			if a.Indexed {
				out = append(out, [2]string{name, a.Name})
			}
		}
	}
	return out
}
