package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

// --- Retry Logic Configuration ---
const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second  // More aggressive for reads
	commitRetryMaxElapsedTime   = 15 * time.Second // More tolerant for writes
)

const (
	leadDocumentsTable = "lead_documents"
	driverPostgres     = "postgres"
)

// fieldNamePattern guards document field names interpolated into SQL.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// leadDocument is one stored lead. The body holds the field-level document
// under either naming scheme.
type leadDocument struct {
	Key       string         `gorm:"column:key;primaryKey"`
	Body      datatypes.JSON `gorm:"column:body;type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at;index"`
}

// TableName returns the table name for GORM
func (leadDocument) TableName() string {
	return leadDocumentsTable
}

// PostgresRepo stores lead documents as JSONB rows.
type PostgresRepo struct {
	db *gorm.DB
}

func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrInvalidTransaction) {
			return backoff.Permanent(err)
		}
		if isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 — Connection Exception
		// Class 53 — Insufficient Resources
		// 40P01 deadlock, 40001 serialization failure
		if strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001" ||
			pgErr.Code == "57P03" { // cannot_connect_now
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	transientIndicators := []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset by peer",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
		"connection reset",
		"driver: bad connection",
	}
	for _, indicator := range transientIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// classifyError maps a failed operation to the store error taxonomy.
func classifyError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrNotFound, op, err)
	}
	if isTransientError(err) {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrStoreUnavailable, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22") {
		// Class 22 — Data Exception
		return fmt.Errorf("%w: %s: %s: %w", apperrors.ErrBadRequest, op, pgErr.Code, err)
	}
	return fmt.Errorf("%w: %s: %w", apperrors.ErrDatabase, op, err)
}

// NewPostgresRepo connects with retries and, when autoMigrate is set, creates
// the documents table and its expression indexes.
func NewPostgresRepo(ctx context.Context, dsn string, autoMigrate bool) (*PostgresRepo, error) {
	log := logger.FromContext(ctx)

	operationConnect := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			if isTransientError(err) {
				log.Warn("Failed to connect to postgres (transient), retrying...", zap.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to postgres: %w", err))
		}
		return db, nil
	}

	notify := func(err error, d time.Duration) {
		log.Warn("Retrying DB connection", zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 1 * time.Minute

	db, err := backoff.RetryNotifyWithData(operationConnect, backoff.WithContext(b, ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to postgres after retries: %w", apperrors.ErrStoreUnavailable, err)
	}

	repo := newPostgresRepoWithDB(db)
	if autoMigrate {
		if err := repo.migrate(ctx); err != nil {
			_ = repo.Close(ctx)
			return nil, err
		}
	}

	log.Info("PostgreSQL lead store ready", zap.Bool("auto_migrate", autoMigrate))
	return repo, nil
}

func newPostgresRepoWithDB(db *gorm.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) migrate(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if err := db.AutoMigrate(&leadDocument{}); err != nil {
		return fmt.Errorf("%w: auto-migrate %s: %w", apperrors.ErrDatabase, leadDocumentsTable, err)
	}
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_lead_documents_body_updated_at ON lead_documents ((body->>'updated_at'))`,
		`CREATE INDEX IF NOT EXISTS idx_lead_documents_body_fecha ON lead_documents ((body->>'fecha') COLLATE "C")`,
		`CREATE INDEX IF NOT EXISTS idx_lead_documents_body_gin ON lead_documents USING GIN (body jsonb_path_ops)`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("%w: create index: %w", apperrors.ErrDatabase, err)
		}
	}
	return nil
}

// Upsert inserts the document or, on key conflict, merges (jsonb ||) or
// replaces the stored body.
func (r *PostgresRepo) Upsert(ctx context.Context, key string, fields model.Document, merge bool) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: encode document %s: %w", apperrors.ErrBadRequest, key, err)
	}

	bodyUpdate := clause.Expr{SQL: "excluded.body"}
	if merge {
		bodyUpdate = clause.Expr{SQL: mergeBodySQL}
	}

	now := utils.Now()
	row := leadDocument{Key: key, Body: datatypes.JSON(body), CreatedAt: now, UpdatedAt: now}

	operation := func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "key"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"body":       bodyUpdate,
					"updated_at": clause.Expr{SQL: "excluded.updated_at"},
				}),
			}).
			Create(&row).Error
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "Upsert lead document", operation)
	observer.ObserveDbOperationDuration("upsert", driverPostgres, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to upsert lead document", zap.String("key", key), zap.Error(err))
		return classifyError(err, "upsert "+key)
	}
	return nil
}

// mergeBodySQL overlays the new body and then restores stored creation
// fields; absent ones come back as null and are stripped.
var mergeBodySQL = func() string {
	pairs := make([]string, 0, len(creationFields))
	for _, f := range creationFields {
		pairs = append(pairs, fmt.Sprintf(`'%s', "lead_documents"."body"->'%s'`, f, f))
	}
	return `"lead_documents"."body" || excluded.body || jsonb_strip_nulls(jsonb_build_object(` + strings.Join(pairs, ", ") + `))`
}()

// Get returns the stored body for key.
func (r *PostgresRepo) Get(ctx context.Context, key string) (model.Document, error) {
	var row leadDocument
	operation := func() error {
		return r.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "Get lead document", operation)
	observer.ObserveDbOperationDuration("get", driverPostgres, time.Since(startTime), err)
	if err != nil {
		return nil, classifyError(err, "get "+key)
	}
	return decodeBody(row)
}

// Query evaluates equality and range predicates on body fields. Range bounds
// and ordering use the C collation so ISO-8601 strings order chronologically.
func (r *PostgresRepo) Query(ctx context.Context, q model.Query) ([]model.KeyedDocument, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	var rows []leadDocument
	operation := func() error {
		rows = nil
		return r.buildQuery(ctx, q).Find(&rows).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "Query lead documents", operation)
	observer.ObserveDbOperationDuration("query", driverPostgres, time.Since(startTime), err)
	if err != nil {
		return nil, classifyError(err, "query")
	}

	out := make([]model.KeyedDocument, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeBody(row)
		if err != nil {
			logger.FromContext(ctx).Warn("Skipping undecodable lead document", zap.String("key", row.Key), zap.Error(err))
			continue
		}
		out = append(out, model.KeyedDocument{Key: row.Key, Body: doc})
	}
	return out, nil
}

func validateQuery(q model.Query) error {
	fields := make([]string, 0, len(q.Equal)+len(q.Range)+1)
	optional := make([]string, 0, len(q.Equal)+len(q.Range)+1)
	for _, eq := range q.Equal {
		fields = append(fields, eq.Field)
		optional = append(optional, eq.Legacy)
	}
	for _, rg := range q.Range {
		fields = append(fields, rg.Field)
		optional = append(optional, rg.Legacy)
	}
	if q.OrderBy != "" {
		fields = append(fields, q.OrderBy)
		optional = append(optional, q.OrderFallback)
	}
	for _, f := range optional {
		if f != "" {
			fields = append(fields, f)
		}
	}
	for _, f := range fields {
		if !fieldNamePattern.MatchString(f) {
			return fmt.Errorf("%w: invalid field name %q", apperrors.ErrBadRequest, f)
		}
	}
	return nil
}

// buildQuery assumes validateQuery passed; field names are interpolated.
func (r *PostgresRepo) buildQuery(ctx context.Context, q model.Query) *gorm.DB {
	tx := r.db.WithContext(ctx).Model(&leadDocument{})
	for _, eq := range q.Equal {
		cond := fmt.Sprintf("body->>'%s' = ?", eq.Field)
		tx = tx.Where(orLegacyOnly(cond, eq.Field, eq.Legacy), scalarText(eq.Value))
	}
	for _, rg := range q.Range {
		var conds []string
		var args []interface{}
		if rg.Gte != "" {
			conds = append(conds, fmt.Sprintf(`(body->>'%s') COLLATE "C" >= ?`, rg.Field))
			args = append(args, rg.Gte)
		}
		if rg.Lte != "" {
			conds = append(conds, fmt.Sprintf(`(body->>'%s') COLLATE "C" <= ?`, rg.Field))
			args = append(args, rg.Lte)
		}
		if len(conds) == 0 {
			continue
		}
		if rg.Legacy == "" {
			for i, c := range conds {
				tx = tx.Where(c, args[i])
			}
			continue
		}
		tx = tx.Where(orLegacyOnly(strings.Join(conds, " AND "), rg.Field, rg.Legacy), args...)
	}
	if q.OrderBy != "" {
		dir := "ASC"
		if q.OrderDesc {
			dir = "DESC"
		}
		expr := fmt.Sprintf("body->>'%s'", q.OrderBy)
		if q.OrderFallback != "" {
			expr = fmt.Sprintf("COALESCE(body->>'%s', body->>'%s')", q.OrderBy, q.OrderFallback)
		}
		tx = tx.Order(fmt.Sprintf(`(%s) COLLATE "C" %s NULLS LAST`, expr, dir))
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx
}

// orLegacyOnly widens cond to pass documents that lack field but carry legacy.
func orLegacyOnly(cond, field, legacy string) string {
	if legacy == "" {
		return cond
	}
	return fmt.Sprintf("(%s OR (body->>'%s' IS NULL AND body->>'%s' IS NOT NULL))", cond, field, legacy)
}

// Delete removes the document at key.
func (r *PostgresRepo) Delete(ctx context.Context, key string) error {
	var affected int64
	operation := func() error {
		res := r.db.WithContext(ctx).Where("key = ?", key).Delete(&leadDocument{})
		affected = res.RowsAffected
		return res.Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "Delete lead document", operation)
	observer.ObserveDbOperationDuration("delete", driverPostgres, time.Since(startTime), err)
	if err != nil {
		return classifyError(err, "delete "+key)
	}
	if affected == 0 {
		return fmt.Errorf("%w: lead %s", apperrors.ErrNotFound, key)
	}
	return nil
}

// Ping checks that the database is reachable.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}

	if closeErr := sqlDB.Close(); closeErr != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(closeErr))
		return fmt.Errorf("failed to close SQL DB: %w", closeErr)
	}

	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

func decodeBody(row leadDocument) (model.Document, error) {
	doc := model.Document{}
	if len(row.Body) == 0 {
		return doc, nil
	}
	if err := utils.UnmarshalJSON(row.Body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode document %s: %w", apperrors.ErrDatabase, row.Key, err)
	}
	return doc, nil
}

// scalarText renders a predicate value the way ->> renders a JSON scalar.
func scalarText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
