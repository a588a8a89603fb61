package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/filter"
	"gitlab.com/timkado/api/lead-capture-service/internal/identity"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/normalize"
	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/internal/reqctx"
	"gitlab.com/timkado/api/lead-capture-service/internal/schema"
	"gitlab.com/timkado/api/lead-capture-service/internal/storage"
	"gitlab.com/timkado/api/lead-capture-service/internal/tabular"
	"gitlab.com/timkado/api/lead-capture-service/internal/validator"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

// ImportResult tallies a bulk import.
type ImportResult struct {
	Successes int                         `json:"successes"`
	Failures  int                         `json:"failures"`
	Errors    []*apperrors.RowImportError `json:"-"`
}

// LeadService submits, imports and looks up leads in a document store.
type LeadService struct {
	store      storage.DocumentStore
	dualWrite  bool
	filterOpts filter.Options
	now        utils.Clock
}

// NewLeadService creates a lead service over store.
func NewLeadService(store storage.DocumentStore, dualWrite bool, filterOpts filter.Options) *LeadService {
	return &LeadService{
		store:      store,
		dualWrite:  dualWrite,
		filterOpts: filterOpts,
		now:        utils.Now,
	}
}

// Submit normalizes and stores one lead, merging it into any earlier
// submission with the same name, folio and phone. created_at survives the merge.
//
// The lookup and the write are not atomic. Concurrent submissions of the same
// lead are last-write-wins for every field except created_at, which the store
// keeps from whichever write landed first.
func (s *LeadService) Submit(ctx context.Context, p model.SubmitLeadPayload) (model.Lead, error) {
	log := logger.FromContext(ctx)
	source := reqctx.SourceFromContext(ctx, "api")
	now := s.now().UTC()

	lead, err := s.buildLead(p, now)
	if err != nil {
		log.Warn("Rejected lead submission", zap.String("source", source), zap.Error(err))
		observer.IncLeadsWritten(source, err)
		return model.Lead{}, err
	}

	lead.Key = identity.DeriveKey(lead.Name, lead.Folio, lead.Phone)
	log = log.With(zap.String("key", lead.Key))

	lead.CreatedAt = now
	existing, err := s.store.Get(ctx, lead.Key)
	switch {
	case err == nil:
		if prev := schema.Read(ctx, existing); !prev.CreatedAt.IsZero() {
			lead.CreatedAt = prev.CreatedAt
		}
	case apperrors.IsNotFoundError(err):
	default:
		log.Error("Failed to look up existing lead", zap.Error(err))
		observer.IncLeadsWritten(source, err)
		return model.Lead{}, err
	}
	lead.UpdatedAt = now

	if err := s.store.Upsert(ctx, lead.Key, schema.Fields(lead, s.dualWrite), true); err != nil {
		log.Error("Failed to store lead", zap.Error(err))
		observer.IncLeadsWritten(source, err)
		return model.Lead{}, err
	}

	observer.IncLeadsWritten(source, nil)
	log.Debug("Lead stored", zap.String("source", source))
	return lead, nil
}

func (s *LeadService) buildLead(p model.SubmitLeadPayload, now time.Time) (model.Lead, error) {
	machineID, err := parseMachineID(string(p.MachineID))
	if err != nil {
		return model.Lead{}, fmt.Errorf("%w: machine_id: %w", apperrors.ErrValidation, err)
	}

	captured := utils.StartOfDay(now)
	if strings.TrimSpace(p.CapturedDate) != "" {
		d, ok := normalize.ParseDate(p.CapturedDate)
		if !ok {
			return model.Lead{}, fmt.Errorf("%w: captured_date: unrecognized date %q", apperrors.ErrValidation, p.CapturedDate)
		}
		captured = d
	}

	lead := model.Lead{
		MachineID:    machineID,
		CapturedDate: captured,
		Name:         normalize.Text(p.Name),
		Email:        normalize.Text(p.Email),
		Phone:        normalize.Phone(string(p.Phone)),
		Folio:        normalize.Text(string(p.Folio)),
		Contacted:    normalize.Ternary(string(p.Contacted)),
		Qualified:    normalize.Ternary(string(p.Qualified)),
	}
	if err := validator.Validate(lead); err != nil {
		return model.Lead{}, err
	}
	return lead, nil
}

// parseMachineID accepts a non-negative integer. Spreadsheet exports write
// integral values as "7.0", which is accepted too. Empty means 0.
func parseMachineID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<53 {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		n = int64(f)
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative: %d", n)
	}
	return n, nil
}

// Import submits rows one at a time. A failing row, including one that
// panics, is recorded and the batch continues.
func (s *LeadService) Import(ctx context.Context, rows []tabular.Row) ImportResult {
	log := logger.FromContext(ctx)
	start := utils.Now()
	ctx = reqctx.WithSource(ctx, reqctx.SourceFromContext(ctx, "import"))

	var res ImportResult
	for _, row := range rows {
		err := row.Err
		if err == nil {
			payload := row.Payload
			err = utils.WrapWithContextRecovery(func(ctx context.Context) error {
				_, err := s.Submit(ctx, payload)
				return err
			})(ctx)
		} else {
			err = fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
		}
		if err != nil {
			res.Failures++
			res.Errors = append(res.Errors, &apperrors.RowImportError{Line: row.Line, Err: err})
			continue
		}
		res.Successes++
	}

	observer.AddImportRows(res.Successes, res.Failures)
	log.Info("Import finished",
		zap.Int("successes", res.Successes),
		zap.Int("failures", res.Failures),
		zap.Duration("duration", time.Since(start)),
	)
	return res
}

// ImportCSV reads an import file and submits its rows.
func (s *LeadService) ImportCSV(ctx context.Context, r io.Reader) (ImportResult, error) {
	rows, err := tabular.Read(r)
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}
	return s.Import(ctx, rows), nil
}

// Query returns the leads matching c. Predicates the store can evaluate are
// pushed down to narrow the fetch, and every predicate is applied here to the
// read leads so legacy-only documents filter the same way. A pinned key missing from the
// page is fetched and put first so a just-saved record is always visible.
func (s *LeadService) Query(ctx context.Context, c filter.Criteria) ([]model.Lead, error) {
	log := logger.FromContext(ctx)
	plan := filter.Compile(c, s.filterOpts)

	docs, err := s.store.Query(ctx, plan.Query)
	if err != nil {
		log.Error("Lead query failed", zap.Error(err))
		return nil, err
	}
	leads := plan.Apply(schema.ReadAll(ctx, docs))

	if key := plan.Pinned(); key != "" && !containsKey(leads, key) {
		pinned, err := s.Get(ctx, key)
		switch {
		case err == nil:
			leads = append([]model.Lead{pinned}, leads...)
			if len(leads) > plan.Limit() {
				leads = leads[:plan.Limit()]
			}
		case apperrors.IsNotFoundError(err):
			log.Debug("Pinned lead not found", zap.String("key", key))
		default:
			log.Warn("Failed to fetch pinned lead", zap.String("key", key), zap.Error(err))
		}
	}

	observer.ObserveQueryResultSize(len(leads))
	log.Debug("Lead query served",
		zap.Int("fetched", len(docs)),
		zap.Int("returned", len(leads)),
		zap.Strings("residual", plan.Residual()),
	)
	return leads, nil
}

func containsKey(leads []model.Lead, key string) bool {
	for _, l := range leads {
		if l.Key == key {
			return true
		}
	}
	return false
}

// Get returns the lead stored at key.
func (s *LeadService) Get(ctx context.Context, key string) (model.Lead, error) {
	if err := checkKey(key); err != nil {
		return model.Lead{}, err
	}
	doc, err := s.store.Get(ctx, key)
	if err != nil {
		return model.Lead{}, err
	}
	lead := schema.Read(ctx, doc)
	lead.Key = key
	return lead, nil
}

// Delete removes the lead stored at key.
func (s *LeadService) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, key); err != nil {
		if !apperrors.IsNotFoundError(err) {
			logger.FromContext(ctx).Error("Failed to delete lead", zap.String("key", key), zap.Error(err))
		}
		return err
	}
	logger.FromContext(ctx).Info("Lead deleted", zap.String("key", key))
	return nil
}

// maxKeyLength bounds caller-supplied keys. Derived keys are 16 characters;
// legacy keys are longer but well under this.
const maxKeyLength = 512

func checkKey(key string) error {
	if err := validator.ValidateVar(strings.TrimSpace(key), fmt.Sprintf("required,max=%d", maxKeyLength)); err != nil {
		return fmt.Errorf("%w: invalid key: %v", apperrors.ErrValidation, err)
	}
	return nil
}

// Export writes the leads matching c to w as CSV.
func (s *LeadService) Export(ctx context.Context, c filter.Criteria, w io.Writer) error {
	leads, err := s.Query(ctx, c)
	if err != nil {
		return err
	}
	return tabular.Write(w, leads)
}

// Probe writes a small debug document to check that the store accepts writes
// and returns its key.
func (s *LeadService) Probe(ctx context.Context) (string, error) {
	now := s.now().UTC()
	key := "debug_" + now.Format("20060102_150405")
	doc := model.Document{
		"ping":   true,
		"at":     normalize.FormatISO(now),
		"source": reqctx.SourceFromContext(ctx, "probe"),
	}
	if err := s.store.Upsert(ctx, key, doc, true); err != nil {
		logger.FromContext(ctx).Error("Write probe failed", zap.String("key", key), zap.Error(err))
		return "", err
	}
	logger.FromContext(ctx).Info("Write probe stored", zap.String("key", key))
	return key, nil
}

// Ready reports whether the store is reachable.
func (s *LeadService) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		if !errors.Is(err, apperrors.ErrStoreUnavailable) {
			return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
		}
		return err
	}
	return nil
}
