package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

const driverMemory = "memory"

// MemoryStore is a map-backed DocumentStore for local runs and tests. It
// evaluates queries with the same text semantics as the Postgres adapter.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]model.Document
	closed bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]model.Document)}
}

// Upsert writes a copy of fields at key.
func (m *MemoryStore) Upsert(ctx context.Context, key string, fields model.Document, merge bool) error {
	start := utils.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	existing, ok := m.docs[key]
	if !ok || !merge {
		existing = model.Document{}
	}
	for k, v := range fields {
		if merge && isCreationField(k) && existing[k] != nil {
			continue
		}
		existing[k] = v
	}
	m.docs[key] = existing
	observer.ObserveDbOperationDuration("upsert", driverMemory, time.Since(start), nil)
	return nil
}

// Get returns a copy of the document at key.
func (m *MemoryStore) Get(ctx context.Context, key string) (model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	doc, ok := m.docs[key]
	if !ok {
		return nil, fmt.Errorf("%w: lead %s", apperrors.ErrNotFound, key)
	}
	return copyDocument(doc), nil
}

// Query filters, orders and limits the stored documents.
func (m *MemoryStore) Query(ctx context.Context, q model.Query) ([]model.KeyedDocument, error) {
	start := utils.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	out := make([]model.KeyedDocument, 0)
	for key, doc := range m.docs {
		if matchDocument(doc, q) {
			out = append(out, model.KeyedDocument{Key: key, Body: copyDocument(doc)})
		}
	}

	// Key order first so ties under OrderBy are deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, aok := orderText(out[i].Body, q)
			b, bok := orderText(out[j].Body, q)
			if aok != bok {
				return aok // absent values last
			}
			if q.OrderDesc {
				return a > b
			}
			return a < b
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	observer.ObserveDbOperationDuration("query", driverMemory, time.Since(start), nil)
	return out, nil
}

// Delete removes the document at key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.docs[key]; !ok {
		return fmt.Errorf("%w: lead %s", apperrors.ErrNotFound, key)
	}
	delete(m.docs, key)
	return nil
}

// Ping fails once the store is closed.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check(ctx)
}

// Close marks the store unavailable.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryStore) check(ctx context.Context) error {
	if m.closed {
		return fmt.Errorf("%w: memory store closed", apperrors.ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func matchDocument(doc model.Document, q model.Query) bool {
	for _, eq := range q.Equal {
		v, ok := fieldText(doc, eq.Field)
		if !ok {
			if legacyOnly(doc, eq.Legacy) {
				continue
			}
			return false
		}
		if v != scalarText(eq.Value) {
			return false
		}
	}
	for _, rg := range q.Range {
		v, ok := fieldText(doc, rg.Field)
		if !ok {
			if legacyOnly(doc, rg.Legacy) {
				continue
			}
			return false
		}
		if (rg.Gte != "" && v < rg.Gte) || (rg.Lte != "" && v > rg.Lte) {
			return false
		}
	}
	return true
}

// legacyOnly reports whether a document missing the current spelling of a
// field carries the legacy one.
func legacyOnly(doc model.Document, legacy string) bool {
	if legacy == "" {
		return false
	}
	_, ok := fieldText(doc, legacy)
	return ok
}

func orderText(doc model.Document, q model.Query) (string, bool) {
	if v, ok := fieldText(doc, q.OrderBy); ok || q.OrderFallback == "" {
		return v, ok
	}
	return fieldText(doc, q.OrderFallback)
}

// fieldText renders a scalar field the way Postgres ->> would. Objects and
// arrays render as JSON.
func fieldText(doc model.Document, field string) (string, bool) {
	v, ok := doc[field]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case bool, int, int64, float64:
		return scalarText(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case json.Number:
		return t.String(), true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t), true
		}
		return string(b), true
	}
}

func copyDocument(doc model.Document) model.Document {
	out := make(model.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
