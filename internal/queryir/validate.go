package queryir

import (
	"fmt"
	"strings"
)

// ValidationResult lists structural problems found in a fetch request.
type ValidationResult struct {
	// Valid is true when Problems is empty.
	Valid bool

	Problems []string
}

// Validate checks a fetch request for structural problems: missing entity or
// field names, key paths, unknown operators, missing operands, negative
// paging, and nodes no backend supports.
//
// Validate does not consult the model; backends check names and kinds.
// Validate is a pure function with no side effects.
func Validate(f Fetch) ValidationResult {
	v := &validator{problems: []string{}}

	if f.Entity == "" {
		v.add("fetch has no entity")
	}
	if f.Where != nil {
		v.validatePredicate(f.Where, "where")
	}
	for i, k := range f.Sort {
		v.validateField(k.Field, fmt.Sprintf("sort[%d]", i))
	}
	if f.Limit < 0 {
		v.add("negative limit %d", f.Limit)
	}
	if f.Offset < 0 {
		v.add("negative offset %d", f.Offset)
	}

	return ValidationResult{
		Valid:    len(v.problems) == 0,
		Problems: v.problems,
	}
}

type validator struct {
	problems []string
}

func (v *validator) add(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateField(field, at string) {
	switch {
	case field == "":
		v.add("%s: empty field name", at)
	case strings.Contains(field, "."):
		v.add("%s: key path %q not supported", at, field)
	}
}

func (v *validator) validatePredicate(p Predicate, at string) {
	if p == nil {
		v.add("%s: nil predicate", at)
		return
	}

	switch pred := Unwrap(p).(type) {
	case Compare:
		v.validateField(pred.Field, at)
		if _, ok := opNames[pred.Op]; !ok {
			v.add("%s: unknown operator %s", at, pred.Op)
		}
		if pred.Value == nil {
			v.add("%s: compare %q has no value", at, pred.Field)
		}
	case In:
		v.validateField(pred.Field, at)
		for i, val := range pred.Values {
			if val == nil {
				v.add("%s: in %q value %d is nil", at, pred.Field, i)
			}
		}
	case Between:
		v.validateField(pred.Field, at)
		if pred.Low == nil || pred.High == nil {
			v.add("%s: between %q needs both bounds", at, pred.Field)
		}
	case Match:
		v.validateField(pred.Field, at)
		if pred.Mode != Prefix && pred.Mode != Contains {
			v.add("%s: unknown match mode %s", at, pred.Mode)
		}
	case And:
		for i, sub := range pred.Predicates {
			v.validatePredicate(sub, fmt.Sprintf("%s.and[%d]", at, i))
		}
	case Or:
		for i, sub := range pred.Predicates {
			v.validatePredicate(sub, fmt.Sprintf("%s.or[%d]", at, i))
		}
	case Not:
		v.validatePredicate(pred.Predicate, at+".not")
	case Subquery:
		v.add("%s: subquery on %q not supported", at, pred.Field)
	case Aggregate:
		v.add("%s: aggregate %s(%s) not supported", at, pred.Func, pred.Field)
	default:
		v.add("%s: unknown predicate type %T", at, p)
	}
}

// Unwrap returns the value form of a pointer predicate so type switches only
// need to handle value types. Nil pointers and value predicates are returned
// unchanged.
func Unwrap(p Predicate) Predicate {
	switch pred := p.(type) {
	case *Compare:
		if pred != nil {
			return *pred
		}
	case *In:
		if pred != nil {
			return *pred
		}
	case *Between:
		if pred != nil {
			return *pred
		}
	case *Match:
		if pred != nil {
			return *pred
		}
	case *And:
		if pred != nil {
			return *pred
		}
	case *Or:
		if pred != nil {
			return *pred
		}
	case *Not:
		if pred != nil {
			return *pred
		}
	case *Subquery:
		if pred != nil {
			return *pred
		}
	case *Aggregate:
		if pred != nil {
			return *pred
		}
	}
	return p
}
