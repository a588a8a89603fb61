package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
)

// timeoutStore bounds every call on the wrapped store. A call that runs past
// its deadline is reported as ErrStoreUnavailable.
type timeoutStore struct {
	next    DocumentStore
	timeout time.Duration
}

// WithTimeout wraps s so each operation gets at most d. A non-positive d
// returns s unchanged.
func WithTimeout(s DocumentStore, d time.Duration) DocumentStore {
	if d <= 0 {
		return s
	}
	return &timeoutStore{next: s, timeout: d}
}

func (t *timeoutStore) Upsert(ctx context.Context, key string, fields model.Document, merge bool) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.wrap(ctx, t.next.Upsert(ctx, key, fields, merge))
}

func (t *timeoutStore) Get(ctx context.Context, key string) (model.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	doc, err := t.next.Get(ctx, key)
	return doc, t.wrap(ctx, err)
}

func (t *timeoutStore) Query(ctx context.Context, q model.Query) ([]model.KeyedDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	docs, err := t.next.Query(ctx, q)
	return docs, t.wrap(ctx, err)
}

func (t *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.wrap(ctx, t.next.Delete(ctx, key))
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.wrap(ctx, t.next.Ping(ctx))
}

func (t *timeoutStore) Close(ctx context.Context) error {
	return t.next.Close(ctx)
}

func (t *timeoutStore) wrap(ctx context.Context, err error) error {
	if err == nil || apperrors.IsStoreUnavailable(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: operation exceeded %s: %w", apperrors.ErrStoreUnavailable, t.timeout, err)
	}
	return err
}
