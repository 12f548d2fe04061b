package queryir

import (
	"cmp"
	"slices"
	"strings"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/ir"
)

// Eval runs f over recs in memory and returns the ids of the matching records
// of f.Entity, ordered by the sort keys and then by id, with paging applied.
//
// Null sorts before every value in ascending order, as in SQLite.
func Eval(f Fetch, recs []ir.Record) []string {
	var hits []ir.Record
	for _, rec := range recs {
		if rec.Entity != f.Entity {
			continue
		}
		if f.Where == nil || Matches(f.Where, rec) {
			hits = append(hits, rec)
		}
	}

	slices.SortStableFunc(hits, func(a, b ir.Record) int {
		for _, k := range f.Sort {
			c := orderValues(lookup(a, k.Field), lookup(b, k.Field))
			if k.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return strings.Compare(a.ID, b.ID)
	})

	start := min(f.Offset, len(hits))
	hits = hits[start:]
	if f.Limit > 0 && f.Limit < len(hits) {
		hits = hits[:f.Limit]
	}

	ids := make([]string, len(hits))
	for i, rec := range hits {
		ids[i] = rec.ID
	}
	return ids
}

// Matches reports whether rec satisfies p under two-valued semantics.
func Matches(p Predicate, rec ir.Record) bool {
	switch pred := Unwrap(p).(type) {
	case Compare:
		c, ok := compareValues(lookup(rec, pred.Field), pred.Value)
		if !ok {
			return false
		}
		switch pred.Op {
		case Eq:
			return c == 0
		case Ne:
			return c != 0
		case Lt:
			return c < 0
		case Le:
			return c <= 0
		case Gt:
			return c > 0
		case Ge:
			return c >= 0
		}
		return false
	case In:
		v := lookup(rec, pred.Field)
		for _, want := range pred.Values {
			if c, ok := compareValues(v, want); ok && c == 0 {
				return true
			}
		}
		return false
	case Between:
		v := lookup(rec, pred.Field)
		lo, okLo := compareValues(v, pred.Low)
		hi, okHi := compareValues(v, pred.High)
		return okLo && okHi && lo >= 0 && hi <= 0
	case Match:
		s, ok := lookup(rec, pred.Field).(attr.String)
		if !ok {
			return false
		}
		if pred.Mode == Prefix {
			return strings.HasPrefix(string(s), pred.Value)
		}
		return strings.Contains(string(s), pred.Value)
	case And:
		for _, sub := range pred.Predicates {
			if !Matches(sub, rec) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range pred.Predicates {
			if Matches(sub, rec) {
				return true
			}
		}
		return false
	case Not:
		return !Matches(pred.Predicate, rec)
	}
	return false
}

// lookup returns the attribute value, or the target id of a to-one
// relationship, or attr.Null.
func lookup(rec ir.Record, field string) attr.Value {
	if v, ok := rec.Attributes[field]; ok && v != nil {
		return v
	}
	if rel, ok := rec.Relationships[field]; ok && !rel.Many && rel.Target() != "" {
		return attr.String(rel.Target())
	}
	return attr.Null{}
}

// compareValues orders two non-null values of compatible kinds. ok is false
// when either is null or the kinds cannot be compared.
func compareValues(a, b attr.Value) (int, bool) {
	if attr.IsNull(a) || attr.IsNull(b) {
		return 0, false
	}
	switch x := a.(type) {
	case attr.String:
		if y, ok := b.(attr.String); ok {
			return strings.Compare(string(x), string(y)), true
		}
		return 0, false
	case attr.Bool:
		if y, ok := b.(attr.Bool); ok {
			return cmp.Compare(boolInt(bool(x)), boolInt(bool(y))), true
		}
		return 0, false
	case attr.Decimal:
		if y, ok := b.(attr.Decimal); ok {
			return x.Cmp(y), true
		}
		return 0, false
	case attr.Date:
		if y, ok := b.(attr.Date); ok {
			return x.Time.Compare(y.Time), true
		}
		return 0, false
	}

	if xi, ok := attr.AsInt64(a); ok {
		if yi, ok := attr.AsInt64(b); ok {
			return cmp.Compare(xi, yi), true
		}
	}
	xf, okA := attr.AsFloat64(a)
	yf, okB := attr.AsFloat64(b)
	if okA && okB {
		return cmp.Compare(xf, yf), true
	}
	return 0, false
}

// orderValues is compareValues extended with null as the smallest value.
func orderValues(a, b attr.Value) int {
	an, bn := attr.IsNull(a), attr.IsNull(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	c, _ := compareValues(a, b)
	return c
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
