package schema

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/normalize"
	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
)

// Read builds a Lead from a stored document. The current spelling of a field
// wins over the legacy one; absent fields take their zero value. Read never
// fails: malformed values are read as defaults, and a field present under both
// spellings with different values is logged and counted.
func Read(ctx context.Context, raw model.Document) model.Lead {
	r := reader{ctx: ctx, raw: raw}

	return model.Lead{
		MachineID:    r.intField(machineID),
		CapturedDate: r.timeField(capturedDate),
		Name:         r.textField(name),
		Email:        r.textField(email),
		Phone:        r.textField(phone),
		Folio:        r.textField(folio),
		Contacted:    r.ternaryField(contacted),
		Qualified:    r.ternaryField(qualified),
		CreatedAt:    r.timeField(createdAt),
		UpdatedAt:    r.timeField(updatedAt),
	}
}

// ReadAll reads keyed documents in order, setting each Lead's Key.
func ReadAll(ctx context.Context, docs []model.KeyedDocument) []model.Lead {
	leads := make([]model.Lead, 0, len(docs))
	for _, d := range docs {
		l := Read(ctx, d.Body)
		l.Key = d.Key
		leads = append(leads, l)
	}
	return leads
}

type reader struct {
	ctx context.Context
	raw model.Document
}

// pick returns the winning raw value and, when both spellings are present,
// the losing legacy value.
func (r reader) pick(m FieldMapping) (val, legacy interface{}, both bool) {
	cv, cok := r.present(m.Current)
	lv, lok := r.present(m.Legacy)
	switch {
	case cok && lok:
		return cv, lv, true
	case cok:
		return cv, nil, false
	default:
		return lv, nil, false
	}
}

func (r reader) present(key string) (interface{}, bool) {
	if r.raw == nil {
		return nil, false
	}
	v, ok := r.raw[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (r reader) conflict(m FieldMapping, current, legacy interface{}) {
	observer.IncSchemaConflict(m.Current)
	logger.FromContext(r.ctx).Warn("Lead document has conflicting field spellings",
		zap.String("field", m.Current),
		zap.String("legacy_field", m.Legacy),
		zap.Any("current_value", current),
		zap.Any("legacy_value", legacy),
	)
}

func (r reader) textField(m FieldMapping) string {
	v, lv, both := r.pick(m)
	s := toText(v)
	if both && s != toText(lv) {
		r.conflict(m, v, lv)
	}
	return s
}

func (r reader) intField(m FieldMapping) int64 {
	v, lv, both := r.pick(m)
	n := toInt(v)
	if both && n != toInt(lv) {
		r.conflict(m, v, lv)
	}
	return n
}

func (r reader) ternaryField(m FieldMapping) model.Ternary {
	v, lv, both := r.pick(m)
	t := normalize.TernaryValue(v)
	if both && t != normalize.TernaryValue(lv) {
		r.conflict(m, v, lv)
	}
	return t
}

func (r reader) timeField(m FieldMapping) time.Time {
	v, lv, both := r.pick(m)
	t := toTime(v)
	if both && !t.Equal(toTime(lv)) {
		r.conflict(m, v, lv)
	}
	return t
}

func toText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v interface{}) int64 {
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0
		}
		return i
	case interface{ Int64() (int64, error) }:
		// json.Number
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

var timeLayouts = []string{normalize.ISOLayout, time.RFC3339Nano, "2006-01-02 15:04:05"}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return t.UTC()
	case *time.Time:
		if t == nil {
			return time.Time{}
		}
		return t.UTC()
	case interface{ Time() time.Time }:
		// bson.DateTime
		return t.Time().UTC()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC()
			}
		}
		if d, ok := normalize.ParseDate(s); ok {
			return d
		}
	}
	return time.Time{}
}
