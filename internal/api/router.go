// Package api serves the lead HTTP API.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/filter"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/usecase"
)

// Service is the lead service as seen by the HTTP handlers.
type Service interface {
	Submit(ctx context.Context, p model.SubmitLeadPayload) (model.Lead, error)
	ImportCSV(ctx context.Context, r io.Reader) (usecase.ImportResult, error)
	Query(ctx context.Context, c filter.Criteria) ([]model.Lead, error)
	Get(ctx context.Context, key string) (model.Lead, error)
	Delete(ctx context.Context, key string) error
	Export(ctx context.Context, c filter.Criteria, w io.Writer) error
	Probe(ctx context.Context) (string, error)
}

var _ Service = (*usecase.LeadService)(nil)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	MaxImportBytes int64
	// Logger is the base for request loggers. Nil uses the global logger.
	Logger *zap.Logger
}

// Handler holds the HTTP handlers for leads.
type Handler struct {
	svc            Service
	maxImportBytes int64
}

// NewRouter builds the chi router with middleware and all lead routes.
func NewRouter(svc Service, opts Options) http.Handler {
	h := &Handler{svc: svc, maxImportBytes: opts.MaxImportBytes}
	if h.maxImportBytes <= 0 {
		h.maxImportBytes = 20 << 20
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestContext(opts.Logger))
	r.Use(recordMetrics)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/leads", func(r chi.Router) {
			r.Post("/", h.handleSubmit)
			r.Get("/", h.handleQuery)
			r.Post("/import", h.handleImport)
			r.Get("/export", h.handleExport)
			r.Get("/{key}", h.handleGet)
			r.Delete("/{key}", h.handleDelete)
		})
		r.Post("/debug/write-probe", h.handleProbe)
	})

	return r
}
