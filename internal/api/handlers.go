package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/filter"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

// QueryResponse is the body of GET /v1/leads.
type QueryResponse struct {
	Leads []model.Lead `json:"leads"`
	Count int          `json:"count"`
}

// ImportRowError is one rejected row of an import.
type ImportRowError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

// ImportResponse is the body of POST /v1/leads/import.
type ImportResponse struct {
	Successes int              `json:"successes"`
	Failures  int              `json:"failures"`
	Errors    []ImportRowError `json:"errors"`
}

// ProbeResponse is the body of POST /v1/debug/write-probe.
type ProbeResponse struct {
	Key string `json:"key"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p model.SubmitLeadPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body: %v", apperrors.ErrBadRequest, err))
		return
	}

	lead, err := h.svc.Submit(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusCreated, lead)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	leads, err := h.svc.Query(r.Context(), criteriaFromRequest(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if leads == nil {
		leads = []model.Lead{}
	}
	utils.WriteJSONResponse(w, http.StatusOK, QueryResponse{Leads: leads, Count: len(leads)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	lead, err := h.svc.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, lead)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImportBytes)

	body, closeFn, err := importBody(r, h.maxImportBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer closeFn()

	res, err := h.svc.ImportCSV(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ImportResponse{
		Successes: res.Successes,
		Failures:  res.Failures,
		Errors:    make([]ImportRowError, 0, len(res.Errors)),
	}
	for _, rowErr := range res.Errors {
		resp.Errors = append(resp.Errors, ImportRowError{Line: rowErr.Line, Error: rowErr.Err.Error()})
	}
	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

// importBody returns the CSV stream from a multipart "file" part or the raw
// request body.
func importBody(r *http.Request, maxBytes int64) (io.Reader, func(), error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.Body, func() {}, nil
	}
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid multipart body: %v", apperrors.ErrBadRequest, err)
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing form file %q", apperrors.ErrBadRequest, "file")
	}
	return f, func() { _ = f.Close() }, nil
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	// Buffered so a store failure still yields a proper error status.
	var buf bytes.Buffer
	if err := h.svc.Export(r.Context(), criteriaFromRequest(r), &buf); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="leads.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) handleProbe(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.Probe(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusCreated, ProbeResponse{Key: key})
}

// criteriaFromRequest reads filter criteria from the query string. A bad
// limit is ignored rather than rejected, like every other filter field.
func criteriaFromRequest(r *http.Request) filter.Criteria {
	q := r.URL.Query()
	c := filter.Criteria{
		Text:      q.Get("q"),
		Contacted: q.Get("contacted"),
		Qualified: q.Get("qualified"),
		From:      q.Get("from"),
		To:        q.Get("to"),
		MachineID: q.Get("machine"),
		Pinned:    q.Get("pinned"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		c.Limit = n
	}
	return c
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("Request error", zap.Error(err))
	} else {
		logger.FromContext(r.Context()).Debug("Request rejected", zap.Error(err))
	}
	utils.WriteJSONError(w, status, message, err)
}

func statusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case apperrors.IsValidationError(err):
		return http.StatusBadRequest, "validation failed"
	case apperrors.IsBadRequestError(err):
		return http.StatusBadRequest, "bad request"
	case apperrors.IsNotFoundError(err):
		return http.StatusNotFound, "not found"
	case apperrors.IsStoreUnavailable(err):
		return http.StatusServiceUnavailable, "store unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
