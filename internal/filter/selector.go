package filter

import (
	"strings"

	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/normalize"
)

// Selector is the filter state of one ternary field.
type Selector int

const (
	SelectAny Selector = iota
	SelectTrue
	SelectFalse
	SelectUnknown
)

var unknownSynonyms = map[string]struct{}{
	"unknown": {}, "none": {}, "null": {}, "sin dato": {}, "vacio": {}, "vacío": {}, "blank": {},
}

// ParseSelector reads a selector from free text. Ternary synonyms select true
// or false; "unknown", "none", "null", "sin dato", "vacio" and "blank" select
// unknown. Anything else, including "", means any.
func ParseSelector(s string) Selector {
	v := strings.ToLower(strings.TrimSpace(s))
	if _, ok := unknownSynonyms[v]; ok {
		return SelectUnknown
	}
	switch normalize.Ternary(v) {
	case model.TernaryTrue:
		return SelectTrue
	case model.TernaryFalse:
		return SelectFalse
	default:
		return SelectAny
	}
}

// String returns the canonical selector name.
func (s Selector) String() string {
	switch s {
	case SelectTrue:
		return "true"
	case SelectFalse:
		return "false"
	case SelectUnknown:
		return "unknown"
	default:
		return "any"
	}
}

// Matches reports whether a ternary value passes the selector.
func (s Selector) Matches(t model.Ternary) bool {
	switch s {
	case SelectTrue:
		return t == model.TernaryTrue
	case SelectFalse:
		return t == model.TernaryFalse
	case SelectUnknown:
		return t == model.TernaryUnknown
	default:
		return true
	}
}

// pushable reports whether the store can evaluate the selector as an
// equality. Unknown is stored as an absent field, which no store predicate
// can express.
func (s Selector) pushable() bool {
	return s == SelectTrue || s == SelectFalse
}

func (s Selector) value() bool {
	return s == SelectTrue
}
