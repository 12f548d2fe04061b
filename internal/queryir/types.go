package queryir

import (
	"fmt"

	"github.com/roach88/docmap/internal/attr"
)

// Predicate represents a filter condition.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Op is a comparison operator.
type Op int

const (
	Eq Op = iota + 1
	Ne
	Lt
	Le
	Gt
	Ge
)

var opNames = map[Op]string{
	Eq: "==",
	Ne: "!=",
	Lt: "<",
	Le: "<=",
	Gt: ">",
	Ge: ">=",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Ordering reports whether o needs an order on values, not just equality.
func (o Op) Ordering() bool {
	return o == Lt || o == Le || o == Gt || o == Ge
}

// ParseOp accepts the operator spellings used in fetch files.
func ParseOp(s string) (Op, error) {
	switch s {
	case "==", "=", "eq":
		return Eq, nil
	case "!=", "<>", "ne":
		return Ne, nil
	case "<", "lt":
		return Lt, nil
	case "<=", "le":
		return Le, nil
	case ">", "gt":
		return Gt, nil
	case ">=", "ge":
		return Ge, nil
	}
	return 0, fmt.Errorf("unknown operator %q", s)
}

// MatchMode selects the kind of string match.
type MatchMode int

const (
	Prefix MatchMode = iota + 1
	Contains
)

func (m MatchMode) String() string {
	switch m {
	case Prefix:
		return "prefix"
	case Contains:
		return "contains"
	}
	return fmt.Sprintf("MatchMode(%d)", int(m))
}

// Compare represents a field-op-literal predicate.
//
//	Compare{Field: "age", Op: Ge, Value: attr.Int32(18)}
//
// For a to-one relationship the value is the target id as attr.String, and
// only Eq and Ne apply.
type Compare struct {
	Field string
	Op    Op
	Value attr.Value
}

func (Compare) predicateNode() {}

// In holds when the field equals any of Values. An empty list never holds.
type In struct {
	Field  string
	Values []attr.Value
}

func (In) predicateNode() {}

// Between holds when Low <= field <= High.
type Between struct {
	Field string
	Low   attr.Value
	High  attr.Value
}

func (Between) predicateNode() {}

// Match is a case-sensitive string match.
type Match struct {
	Field string
	Mode  MatchMode
	Value string
}

func (Match) predicateNode() {}

// And represents a conjunction of predicates (all must be true).
// Empty Predicates slice means "always true".
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or represents a disjunction of predicates.
// Empty Predicates slice means "always false".
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not inverts a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// Subquery filters on records of another entity reached through a
// relationship. Not supported by any backend.
type Subquery struct {
	Field     string
	Predicate Predicate
}

func (Subquery) predicateNode() {}

// Aggregate compares an aggregate over a to-many relationship, such as
// "@count". Not supported by any backend.
type Aggregate struct {
	Func  string
	Field string
	Op    Op
	Value attr.Value
}

func (Aggregate) predicateNode() {}

// SortKey orders results by one attribute.
type SortKey struct {
	Field      string
	Descending bool
}

// Fetch is a declarative fetch request.
//
// Results are ordered by Sort, then by id. Limit 0 means no limit.
// Properties limits which binary attributes are loaded; nil loads all.
type Fetch struct {
	Entity     string
	Where      Predicate // nil = all records
	Sort       []SortKey
	Limit      int
	Offset     int
	Properties []string
}
