package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/lead-capture-service/internal/model"
)

// DocumentStoreMock mocks the storage.DocumentStore interface
type DocumentStoreMock struct {
	mock.Mock
}

// Upsert mocks the Upsert method
func (m *DocumentStoreMock) Upsert(ctx context.Context, key string, fields model.Document, merge bool) error {
	args := m.Called(ctx, key, fields, merge)
	return args.Error(0)
}

// Get mocks the Get method
func (m *DocumentStoreMock) Get(ctx context.Context, key string) (model.Document, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.Document), args.Error(1)
}

// Query mocks the Query method
func (m *DocumentStoreMock) Query(ctx context.Context, q model.Query) ([]model.KeyedDocument, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.KeyedDocument), args.Error(1)
}

// Delete mocks the Delete method
func (m *DocumentStoreMock) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// Ping mocks the Ping method
func (m *DocumentStoreMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close mocks the Close method
func (m *DocumentStoreMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
