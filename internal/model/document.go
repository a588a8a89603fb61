package model

// Document is a raw stored record as returned by the document store.
// Keys may follow either the current lower-case or the legacy upper-case scheme.
type Document map[string]interface{}

// KeyedDocument pairs a document with its storage key.
type KeyedDocument struct {
	Key  string
	Body Document
}

// EqualityPredicate matches documents whose Field equals Value.
//
// When Legacy is set, a document without Field that carries Legacy passes
// unevaluated. Stores do not interpret legacy values; the caller refilters
// such documents after reading them.
type EqualityPredicate struct {
	Field  string
	Legacy string
	Value  interface{}
}

// RangePredicate matches documents whose Field lies in [Gte, Lte].
// Bounds are compared as strings; an empty bound is open. Legacy works as
// for EqualityPredicate.
type RangePredicate struct {
	Field  string
	Legacy string
	Gte    string
	Lte    string
}

// Query is the narrow query contract understood by every store adapter.
// There is no "field is absent" predicate; callers refilter those client-side.
// Documents without OrderBy are ordered by OrderFallback when it is set.
type Query struct {
	Equal         []EqualityPredicate
	Range         []RangePredicate
	OrderBy       string
	OrderFallback string
	OrderDesc     bool
	Limit         int
}
