package storage

import (
	"context"
	"fmt"

	"gitlab.com/timkado/api/lead-capture-service/internal/config"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/schema"
)

// creationFields survive a merge when the stored document already has them.
var creationFields = []string{schema.FieldCreatedAt, schema.LegacyName(schema.FieldCreatedAt)}

func isCreationField(field string) bool {
	for _, f := range creationFields {
		if f == field {
			return true
		}
	}
	return false
}

// DocumentStore is the narrow contract the lead service needs from a
// document database. Implementations return apperrors.ErrNotFound for absent
// keys and wrap connectivity failures in apperrors.ErrStoreUnavailable.
type DocumentStore interface {
	// Upsert writes fields at key. With merge set, fields are overlaid on the
	// stored document and absent fields are kept; a creation timestamp already
	// stored is kept too.
	Upsert(ctx context.Context, key string, fields model.Document, merge bool) error
	Get(ctx context.Context, key string) (model.Document, error)
	// Query returns at most q.Limit documents. There is no predicate for an
	// absent field.
	Query(ctx context.Context, q model.Query) ([]model.KeyedDocument, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (DocumentStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgresRepo(ctx, cfg.PostgresDSN, cfg.PostgresAutoMigrate)
	case config.DriverMongo:
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.Collection)
	case config.DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
