// Package queryir provides the fetch request representation: an entity, a
// predicate tree, sort keys, paging and an optional property subset.
//
// The predicate vocabulary is closed. Backends either compile a predicate
// exactly or reject the whole request; there is no partial or approximate
// translation.
//
// SEALED INTERFACES:
//
// Predicate is a sealed interface using the marker method pattern. Only types
// in this package can implement it, which lets backends switch exhaustively:
//
//	switch p := pred.(type) {
//	case Compare:
//	    // field <op> value
//	case And:
//	    // conjunction
//	default:
//	    // reject
//	}
//
// SEMANTICS:
//
// Predicates are two-valued. A comparison against a missing or null field is
// false, for every operator including Ne. Not inverts its operand, so
// Not{Compare{age, Eq, 3}} holds for records with no age.
//
// Subquery and Aggregate are representable so callers can express them, but
// no backend supports them.
//
// Eval is the in-memory backend. It evaluates a Fetch over decoded records and
// defines the results the SQL backend must reproduce.
package queryir
