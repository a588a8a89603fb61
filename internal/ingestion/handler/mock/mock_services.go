package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/lead-capture-service/internal/ingestion/handler"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
)

// MockLeadService mocks handler.LeadService
type MockLeadService struct {
	mock.Mock
}

var _ handler.LeadService = (*MockLeadService)(nil)

// Submit mocks the Submit method
func (m *MockLeadService) Submit(ctx context.Context, p model.SubmitLeadPayload) (model.Lead, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(model.Lead), args.Error(1)
}

// Delete mocks the Delete method
func (m *MockLeadService) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}
