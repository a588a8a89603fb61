// Package normalize converts free-text lead values into their stored forms
// and back into display forms.
package normalize

import (
	"math"
	"strings"
	"time"

	"gitlab.com/timkado/api/lead-capture-service/internal/model"
)

// ISOLayout is the only layout used for stored dates and timestamps. Values
// are always formatted in UTC so the zone suffix is a literal Z and string
// order equals chronological order.
const ISOLayout = "2006-01-02T15:04:05Z07:00"

// DateLayout is the calendar-day form used on import and export.
const DateLayout = "2006-01-02"

var (
	affirmative = map[string]struct{}{"si": {}, "sí": {}, "1": {}, "true": {}, "y": {}, "yes": {}}
	negative    = map[string]struct{}{"no": {}, "0": {}, "false": {}, "n": {}}

	dateLayouts = []string{DateLayout, time.RFC3339Nano, "02/01/2006", "2006/01/02"}
)

// Phone keeps ASCII digits and '+' and drops everything else. Length and
// country code are not checked.
func Phone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '+' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Text trims and collapses internal runs of whitespace to a single space.
// Case is preserved.
func Text(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Ternary parses a yes/no answer. Matching is case-insensitive on the trimmed
// input; anything outside the two synonym sets, including "", is unknown.
func Ternary(s string) model.Ternary {
	v := strings.ToLower(strings.TrimSpace(s))
	if _, ok := affirmative[v]; ok {
		return model.TernaryTrue
	}
	if _, ok := negative[v]; ok {
		return model.TernaryFalse
	}
	return model.TernaryUnknown
}

// TernaryValue parses a ternary from a decoded document value. Absent (nil)
// input is unknown.
func TernaryValue(v interface{}) model.Ternary {
	switch t := v.(type) {
	case nil:
		return model.TernaryUnknown
	case bool:
		return model.TernaryFromBool(&t)
	case *bool:
		return model.TernaryFromBool(t)
	case string:
		return Ternary(t)
	case model.Ternary:
		return t
	case interface{ String() string }:
		// json.Number and similar
		return Ternary(t.String())
	}
	if f, ok := toFloat(v); ok {
		switch f {
		case 1:
			return model.TernaryTrue
		case 0:
			return model.TernaryFalse
		}
	}
	return model.TernaryUnknown
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// RenderTernary is the display form: SI, NO or "". It is lossy: every
// affirmative synonym renders as SI, so only the canonical strings round trip.
func RenderTernary(t model.Ternary) string {
	switch t {
	case model.TernaryTrue:
		return "SI"
	case model.TernaryFalse:
		return "NO"
	default:
		return ""
	}
}

// FormatISO formats t in UTC with ISOLayout.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// DayBounds returns the inclusive [00:00:00, 23:59:59] interval of the calendar
// day of d, as ISO strings for lexicographic range comparison.
func DayBounds(d time.Time) (start, end string) {
	y, m, day := d.Date()
	s := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	e := time.Date(y, m, day, 23, 59, 59, 0, time.UTC)
	return s.Format(ISOLayout), e.Format(ISOLayout)
}

// ParseDate accepts a calendar day as YYYY-MM-DD, RFC3339, DD/MM/YYYY or
// YYYY/MM/DD and returns UTC midnight of that day. RFC3339 input keeps the
// calendar day of its own offset.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
