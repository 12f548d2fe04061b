package conflict

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
)

// ErrDivergentRelationship is returned by Merge when an ordered to-many
// relationship differs between revisions and the policy does not allow
// combining them.
var ErrDivergentRelationship = errors.New("ordered relationship diverges")

// RelationshipPolicy decides how Merge combines diverging ordered to-many
// relationships.
type RelationshipPolicy int

const (
	// RelationshipFlag refuses to merge them.
	RelationshipFlag RelationshipPolicy = iota

	// RelationshipUnion keeps the preferred order and appends ids the
	// preferred revision lacks, in revision order.
	RelationshipUnion
)

func (p RelationshipPolicy) String() string {
	switch p {
	case RelationshipFlag:
		return "flag"
	case RelationshipUnion:
		return "union"
	}
	return fmt.Sprintf("RelationshipPolicy(%d)", int(p))
}

// Pick returns a copy of the record of revision i, ready to be passed to
// Resolve together with its token.
func Pick(set Set, i int) (ir.Record, ir.Rev, error) {
	if i < 0 || i >= len(set.Revisions) {
		return ir.Record{}, "", fault.New(fault.BadPath, "pick", "%s has no revision %d", set.ID, i)
	}
	r := set.Revisions[i]
	return r.Record.Clone(), r.Rev, nil
}

// Merge combines the revisions of set attribute by attribute, starting from
// revision prefer. For each divergent name:
//
//   - attributes and to-one relationships keep the preferred value, unless it
//     is null, in which case the first non-null value in revision order wins;
//   - unordered to-many relationships take the union of all ids;
//   - ordered to-many relationships follow policy.
//
// The merged record carries the preferred revision as its Version.
func (r *Resolver) Merge(set Set, prefer int, policy RelationshipPolicy) (ir.Record, error) {
	merged, _, err := Pick(set, prefer)
	if err != nil {
		return ir.Record{}, err
	}
	e, ok := r.mapper.Model().Entity(set.Entity)
	if !ok {
		return ir.Record{}, fault.New(fault.UndefinedAttributeType, "merge", "unknown entity %q", set.Entity)
	}
	others := make([]ir.Record, 0, len(set.Revisions))
	for i, rev := range set.Revisions {
		if i != prefer {
			others = append(others, rev.Record)
		}
	}

	for _, name := range set.Divergent {
		if _, isAttr := e.Attribute(name); isAttr {
			if attr.IsNull(merged.Get(name)) {
				for _, o := range others {
					if v := o.Get(name); !attr.IsNull(v) {
						merged.Set(name, v)
						break
					}
				}
			}
			continue
		}

		rel, _ := e.Relationship(name)
		current := merged.Relationships[name]
		switch {
		case !rel.ToMany:
			if current.Target() == "" {
				for _, o := range others {
					if t := o.Relationships[name].Target(); t != "" {
						merged.Relate(name, ir.ToOne(t))
						break
					}
				}
			}
		case rel.Ordered && policy != RelationshipUnion:
			return ir.Record{}, fmt.Errorf("%w: %s.%s of %s", ErrDivergentRelationship, set.Entity, name, set.ID)
		default:
			ids := slices.Clone(current.IDs)
			for _, o := range others {
				for _, id := range o.Relationships[name].IDs {
					if !slices.Contains(ids, id) {
						ids = append(ids, id)
					}
				}
			}
			if !rel.Ordered {
				slices.Sort(ids)
			}
			merged.Relate(name, ir.ToMany(ids...))
		}
	}
	return merged, nil
}

// divergent lists the names whose values are not equal across every
// revision of set.
func (r *Resolver) divergent(set Set) []string {
	e, ok := r.mapper.Model().Entity(set.Entity)
	if !ok {
		return nil
	}
	first := set.Revisions[0].Record
	var names []string
	for _, a := range e.Attributes {
		for _, rev := range set.Revisions[1:] {
			if !attr.Equal(first.Get(a.Name), rev.Record.Get(a.Name)) {
				names = append(names, a.Name)
				break
			}
		}
	}
	for _, rel := range e.Relationships {
		for _, rev := range set.Revisions[1:] {
			if !sameRelation(rel, first.Relationships[rel.Name], rev.Record.Relationships[rel.Name]) {
				names = append(names, rel.Name)
				break
			}
		}
	}
	return names
}

func sameRelation(r model.Relationship, a, b ir.Relation) bool {
	if r.ToMany && !r.Ordered {
		x, y := slices.Clone(a.IDs), slices.Clone(b.IDs)
		slices.Sort(x)
		slices.Sort(y)
		return slices.Equal(x, y)
	}
	return slices.Equal(a.IDs, b.IDs)
}
