// Package filter splits lead filter criteria into the part a document store
// can evaluate and the residual part applied in process.
package filter

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/normalize"
	"gitlab.com/timkado/api/lead-capture-service/internal/schema"
)

// Criteria is the raw, request-scoped filter input. Every field is free text
// as typed by a user; malformed values disable their dimension.
type Criteria struct {
	Text      string `json:"q"`
	Contacted string `json:"contacted"`
	Qualified string `json:"qualified"`
	From      string `json:"from"`
	To        string `json:"to"`
	MachineID string `json:"machine"`
	Limit     int    `json:"limit"`
	Pinned    string `json:"pinned"`
}

// Options controls predicate pushdown and result size.
type Options struct {
	PushDown     bool
	DefaultLimit int
	MaxLimit     int
}

// Plan is a compiled Criteria. Query goes to the store; Apply runs the rest.
type Plan struct {
	Query model.Query

	text      string
	contacted Selector
	qualified Selector
	from, to  string
	machineID int64
	hasMach   bool
	pinned    string
	limit     int

	pushed struct {
		contacted, qualified, dates, machine bool
	}
}

// Compile never fails: unparseable dimensions are dropped.
func Compile(c Criteria, opts Options) *Plan {
	p := &Plan{
		text:      cases.Fold().String(strings.TrimSpace(c.Text)),
		contacted: ParseSelector(c.Contacted),
		qualified: ParseSelector(c.Qualified),
		pinned:    strings.TrimSpace(c.Pinned),
		limit:     clampLimit(c.Limit, opts),
	}

	if d, ok := normalize.ParseDate(c.From); ok {
		p.from, _ = normalize.DayBounds(d)
	}
	if d, ok := normalize.ParseDate(c.To); ok {
		_, p.to = normalize.DayBounds(d)
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(c.MachineID), 10, 64); err == nil && n >= 0 {
		p.machineID, p.hasMach = n, true
	}

	q := model.Query{
		OrderBy:       schema.FieldUpdatedAt,
		OrderFallback: schema.LegacyName(schema.FieldUpdatedAt),
		OrderDesc:     true,
	}
	if opts.PushDown {
		if p.contacted.pushable() {
			q.Equal = append(q.Equal, equal(schema.FieldContacted, p.contacted.value()))
			p.pushed.contacted = true
		}
		if p.qualified.pushable() {
			q.Equal = append(q.Equal, equal(schema.FieldQualified, p.qualified.value()))
			p.pushed.qualified = true
		}
		if p.from != "" || p.to != "" {
			q.Range = append(q.Range, model.RangePredicate{
				Field:  schema.FieldCapturedDate,
				Legacy: schema.LegacyName(schema.FieldCapturedDate),
				Gte:    p.from,
				Lte:    p.to,
			})
			p.pushed.dates = true
		}
		// A document with no machine id reads as 0, which no store predicate
		// can select.
		if p.hasMach && p.machineID != 0 {
			q.Equal = append(q.Equal, equal(schema.FieldMachineID, p.machineID))
			p.pushed.machine = true
		}
	}

	// Apply drops rows after the store's limit is applied, including legacy
	// rows passed through by pushed predicates, so fetch the widest window
	// whenever any predicate is set.
	q.Limit = p.limit
	if p.filtered() {
		q.Limit = maxInt(opts.MaxLimit, p.limit)
	}
	p.Query = q
	return p
}

func equal(field string, v interface{}) model.EqualityPredicate {
	return model.EqualityPredicate{Field: field, Legacy: schema.LegacyName(field), Value: v}
}

func clampLimit(n int, opts Options) int {
	def := opts.DefaultLimit
	if def <= 0 {
		def = 500
	}
	if n <= 0 {
		n = def
	}
	if opts.MaxLimit > 0 && n > opts.MaxLimit {
		n = opts.MaxLimit
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Pinned is the key of the record to surface first, if any.
func (p *Plan) Pinned() string { return p.pinned }

// Limit is the maximum number of leads Apply returns.
func (p *Plan) Limit() int { return p.limit }

// HasResidual reports whether any predicate is evaluated only by Apply.
func (p *Plan) HasResidual() bool {
	return len(p.Residual()) > 0
}

func (p *Plan) filtered() bool {
	return p.text != "" || p.contacted != SelectAny || p.qualified != SelectAny ||
		p.from != "" || p.to != "" || p.hasMach
}

// Residual names the predicates the store never sees, in evaluation order.
func (p *Plan) Residual() []string {
	var out []string
	if p.text != "" {
		out = append(out, "text")
	}
	if p.contacted != SelectAny && !p.pushed.contacted {
		out = append(out, "contacted")
	}
	if p.qualified != SelectAny && !p.pushed.qualified {
		out = append(out, "qualified")
	}
	if (p.from != "" || p.to != "") && !p.pushed.dates {
		out = append(out, "captured_date")
	}
	if p.hasMach && !p.pushed.machine {
		out = append(out, "machine_id")
	}
	return out
}

// Apply filters leads by every predicate, orders them newest-updated
// first, moves the pinned record to the front and truncates to the limit.
// The input slice is not modified.
func (p *Plan) Apply(leads []model.Lead) []model.Lead {
	caser := cases.Fold()
	out := make([]model.Lead, 0, len(leads))
	for _, l := range leads {
		if p.match(caser, l) {
			out = append(out, l)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if p.pinned != "" {
		for i := range out {
			if out[i].Key == p.pinned {
				pinned := out[i]
				copy(out[1:i+1], out[:i])
				out[0] = pinned
				break
			}
		}
	}

	if len(out) > p.limit {
		out = out[:p.limit]
	}
	return out
}

// match evaluates all predicates in order, stopping at the first miss. Pushed
// predicates are checked again because stores pass legacy-only documents
// through unevaluated.
func (p *Plan) match(caser cases.Caser, l model.Lead) bool {
	if p.text != "" {
		hay := caser.String(l.Name + " " + l.Email + " " + l.Folio)
		if !strings.Contains(hay, p.text) {
			return false
		}
	}
	if !p.contacted.Matches(l.Contacted) {
		return false
	}
	if !p.qualified.Matches(l.Qualified) {
		return false
	}
	if p.from != "" || p.to != "" {
		d := normalize.FormatISO(l.CapturedDate)
		if (p.from != "" && d < p.from) || (p.to != "" && d > p.to) {
			return false
		}
	}
	if p.hasMach && l.MachineID != p.machineID {
		return false
	}
	return true
}
