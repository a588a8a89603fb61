package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/filter"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/reqctx"
	"gitlab.com/timkado/api/lead-capture-service/internal/storage"
	"gitlab.com/timkado/api/lead-capture-service/internal/usecase"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Submit(ctx context.Context, p model.SubmitLeadPayload) (model.Lead, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(model.Lead), args.Error(1)
}

func (m *MockService) ImportCSV(ctx context.Context, r io.Reader) (usecase.ImportResult, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(usecase.ImportResult), args.Error(1)
}

func (m *MockService) Query(ctx context.Context, c filter.Criteria) ([]model.Lead, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Lead), args.Error(1)
}

func (m *MockService) Get(ctx context.Context, key string) (model.Lead, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(model.Lead), args.Error(1)
}

func (m *MockService) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockService) Export(ctx context.Context, c filter.Criteria, w io.Writer) error {
	return m.Called(ctx, c, w).Error(0)
}

func (m *MockService) Probe(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmit_Created(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})

	svc.On("Submit", mock.MatchedBy(func(ctx context.Context) bool {
		id, err := reqctx.RequestIDFromContext(ctx)
		return err == nil && id != "" && reqctx.SourceFromContext(ctx, "") == "http"
	}), model.SubmitLeadPayload{MachineID: "7", Name: "Ana Ruiz", Phone: "5512345678"}).
		Return(model.Lead{Key: "abc", Name: "Ana Ruiz", MachineID: 7}, nil).Once()

	rec := do(t, h, http.MethodPost, "/v1/leads", strings.NewReader(`{"machine_id":7,"name":"Ana Ruiz","phone":5512345678}`), "application/json")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	var got model.Lead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "abc", got.Key)
	svc.AssertExpectations(t)
}

func TestSubmit_BadJSON(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})

	rec := do(t, h, http.MethodPost, "/v1/leads", strings.NewReader(`{"name":`), "application/json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"bad request"`)
	svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", fmt.Errorf("%w: name is required", apperrors.ErrValidation), http.StatusBadRequest},
		{"not found", apperrors.ErrNotFound, http.StatusNotFound},
		{"store unavailable", fmt.Errorf("%w: ping timeout", apperrors.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"other", apperrors.ErrDatabase, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			h := NewRouter(svc, Options{})
			svc.On("Get", mock.Anything, "k1").Return(model.Lead{}, tt.err).Once()

			rec := do(t, h, http.MethodGet, "/v1/leads/k1", nil, "")

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body["details"])
		})
	}
}

func TestQuery_ParsesCriteria(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})

	want := filter.Criteria{
		Text: "ana", Contacted: "yes", Qualified: "unknown",
		From: "2024-05-01", To: "2024-05-31", MachineID: "7",
		Limit: 25, Pinned: "k9",
	}
	svc.On("Query", mock.Anything, want).Return([]model.Lead{{Key: "k9"}}, nil).Once()

	rec := do(t, h, http.MethodGet, "/v1/leads?q=ana&contacted=yes&qualified=unknown&from=2024-05-01&to=2024-05-31&machine=7&limit=25&pinned=k9", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "k9", resp.Leads[0].Key)
	svc.AssertExpectations(t)
}

func TestQuery_EmptyIsArray(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})
	svc.On("Query", mock.Anything, filter.Criteria{Limit: 0}).Return(nil, nil).Once()

	rec := do(t, h, http.MethodGet, "/v1/leads?limit=abc", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"leads":[],"count":0}`, rec.Body.String())
}

func TestDelete(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})
	svc.On("Delete", mock.Anything, "k1").Return(nil).Once()
	svc.On("Delete", mock.Anything, "gone").Return(apperrors.ErrNotFound).Once()

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/leads/k1", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/leads/gone", nil, "").Code)
	svc.AssertExpectations(t)
}

func TestImport_ReportsRowErrors(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})
	svc.On("ImportCSV", mock.Anything, mock.Anything).Return(usecase.ImportResult{
		Successes: 4,
		Failures:  1,
		Errors: []*apperrors.RowImportError{
			{Line: 4, Err: fmt.Errorf("%w: Name is required", apperrors.ErrValidation)},
		},
	}, nil).Once()

	rec := do(t, h, http.MethodPost, "/v1/leads/import", strings.NewReader("NOMBRE\nAna\n"), "text/csv")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ImportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Successes)
	assert.Equal(t, 1, resp.Failures)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 4, resp.Errors[0].Line)
	assert.Contains(t, resp.Errors[0].Error, "Name is required")
}

func TestImport_BodyTooLarge(t *testing.T) {
	svc, _ := newEndToEnd(t)
	h := NewRouter(svc, Options{MaxImportBytes: 32})

	csv := "NOMBRE,TELEFONO\n" + strings.Repeat("Ana Ruiz,5512345678\n", 10)
	rec := do(t, h, http.MethodPost, "/v1/leads/import", strings.NewReader(csv), "text/csv")

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestExport_StoreUnavailable(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})
	svc.On("Export", mock.Anything, mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: timeout", apperrors.ErrStoreUnavailable)).Once()

	rec := do(t, h, http.MethodGet, "/v1/leads/export", nil, "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestProbe(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})
	svc.On("Probe", mock.Anything).Return("debug_20240510_093000", nil).Once()

	rec := do(t, h, http.MethodPost, "/v1/debug/write-probe", nil, "")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"key":"debug_20240510_093000"}`, rec.Body.String())
}

func TestRecoverer(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})
	svc.On("Probe", mock.Anything).Run(func(mock.Arguments) { panic("boom") })

	rec := do(t, h, http.MethodPost, "/v1/debug/write-probe", nil, "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORS_Preflight(t *testing.T) {
	h := NewRouter(new(MockService), Options{AllowedOrigins: []string{"https://kiosk.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/leads", nil)
	req.Header.Set("Origin", "https://kiosk.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://kiosk.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func newEndToEnd(t *testing.T) (*usecase.LeadService, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return usecase.NewLeadService(store, true, filter.Options{PushDown: true, DefaultLimit: 50, MaxLimit: 500}), store
}

func TestEndToEnd_SubmitQueryExport(t *testing.T) {
	svc, _ := newEndToEnd(t)
	h := NewRouter(svc, Options{})

	rec := do(t, h, http.MethodPost, "/v1/leads",
		strings.NewReader(`{"machine_id":"7","captured_date":"2024-05-03","name":"  Ana   Ruiz ","email":"ana@x.mx","phone":"(55) 1234-5678","folio":"F-1","contacted":"SI","qualified":""}`),
		"application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created model.Lead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(t, h, http.MethodGet, "/v1/leads?q=ana&contacted=yes", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, created.Key, resp.Leads[0].Key)

	rec = do(t, h, http.MethodGet, "/v1/leads/"+created.Key, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/leads/export?machine=7", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"MAQUINA,FECHA,NOMBRE,CORREO,TELEFONO,FOLIO,CONTACTADO,POSIBLE\n"+
			"7,2024-05-03,Ana Ruiz,ana@x.mx,5512345678,F-1,SI,\n",
		rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/v1/leads/"+created.Key, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/leads/"+created.Key, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndToEnd_MultipartImport(t *testing.T) {
	svc, _ := newEndToEnd(t)
	h := NewRouter(svc, Options{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "leads.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("nombre,telefono,fecha\nAna Ruiz,5512345678,2024-05-03\n,5599999999,2024-05-03\n"))
	require.NoError(t, mw.Close())

	rec := do(t, h, http.MethodPost, "/v1/leads/import", &body, mw.FormDataContentType())

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ImportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Successes)
	assert.Equal(t, 1, resp.Failures)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 3, resp.Errors[0].Line)
}

func TestImport_MissingFormFile(t *testing.T) {
	svc := new(MockService)
	h := NewRouter(svc, Options{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	rec := do(t, h, http.MethodPost, "/v1/leads/import", &body, mw.FormDataContentType())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "ImportCSV", mock.Anything, mock.Anything)
}
