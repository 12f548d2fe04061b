// Package attr defines the closed set of typed attribute values a record can
// hold.
//
// Every value is one of Null, String, Bool, Int16, Int32, Int64, Float32,
// Float64, Decimal, Date or Binary. Value is sealed with a marker method so
// conversion code can switch over it exhaustively; anything outside the set
// is rejected at the boundary instead of coerced at runtime.
package attr
