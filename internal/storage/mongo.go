package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

const driverMongo = "mongo"

// MongoStore keeps one lead per document with the key as _id.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, verifies the server with a ping and ensures the
// query indexes exist.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	log := logger.FromContext(ctx)

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx, nil)
	}
	notify := func(err error, d time.Duration) {
		log.Warn("Retrying MongoDB ping", zap.Error(err), zap.Duration("after", d))
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 1 * time.Minute
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: failed to ping MongoDB: %w", apperrors.ErrStoreUnavailable, err)
	}

	s := &MongoStore{client: client, coll: client.Database(database).Collection(collection)}

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "fecha", Value: 1}}},
		{Keys: bson.D{{Key: "maquina", Value: 1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		log.Warn("Failed to ensure MongoDB indexes", zap.Error(err))
	}

	log.Info("MongoDB lead store ready", zap.String("database", database), zap.String("collection", collection))
	return s, nil
}

// Upsert sets fields on the document (merge) or replaces it.
func (s *MongoStore) Upsert(ctx context.Context, key string, fields model.Document, merge bool) error {
	start := utils.Now()
	var err error
	if merge {
		if len(fields) == 0 {
			return nil
		}
		_, err = s.coll.UpdateOne(ctx, bson.M{"_id": key}, buildMongoMerge(fields), options.UpdateOne().SetUpsert(true))
	} else {
		_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": key}, bson.M(fields), options.Replace().SetUpsert(true))
	}
	observer.ObserveDbOperationDuration("upsert", driverMongo, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to upsert lead document", zap.String("key", key), zap.Error(err))
		return classifyMongoError(err, "upsert "+key)
	}
	return nil
}

// Get returns the document at key without its _id.
func (s *MongoStore) Get(ctx context.Context, key string) (model.Document, error) {
	start := utils.Now()
	var raw bson.M
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&raw)
	observer.ObserveDbOperationDuration("get", driverMongo, time.Since(start), err)
	if err != nil {
		return nil, classifyMongoError(err, "get "+key)
	}
	_, doc := fromBSON(raw)
	return doc, nil
}

// Query runs a find with the translated filter, sort and limit.
func (s *MongoStore) Query(ctx context.Context, q model.Query) ([]model.KeyedDocument, error) {
	start := utils.Now()
	var cur *mongo.Cursor
	var err error
	if q.OrderBy != "" && q.OrderFallback != "" {
		cur, err = s.coll.Aggregate(ctx, buildMongoPipeline(q))
	} else {
		cur, err = s.coll.Find(ctx, buildMongoFilter(q), buildMongoFindOptions(q))
	}
	if err != nil {
		observer.ObserveDbOperationDuration("query", driverMongo, time.Since(start), err)
		return nil, classifyMongoError(err, "query")
	}
	defer cur.Close(ctx)

	var raws []bson.M
	err = cur.All(ctx, &raws)
	observer.ObserveDbOperationDuration("query", driverMongo, time.Since(start), err)
	if err != nil {
		return nil, classifyMongoError(err, "query")
	}

	out := make([]model.KeyedDocument, 0, len(raws))
	for _, raw := range raws {
		key, doc := fromBSON(raw)
		out = append(out, model.KeyedDocument{Key: key, Body: doc})
	}
	return out, nil
}

// Delete removes the document at key.
func (s *MongoStore) Delete(ctx context.Context, key string) error {
	start := utils.Now()
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	observer.ObserveDbOperationDuration("delete", driverMongo, time.Since(start), err)
	if err != nil {
		return classifyMongoError(err, "delete "+key)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: lead %s", apperrors.ErrNotFound, key)
	}
	return nil
}

// Ping checks the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: ping: %w", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		logger.FromContext(ctx).Error("Failed to disconnect MongoDB", zap.Error(err))
		return fmt.Errorf("failed to disconnect MongoDB: %w", err)
	}
	logger.FromContext(ctx).Info("MongoDB connection closed successfully")
	return nil
}

// buildMongoFilter ANDs the predicates. A predicate with a legacy spelling
// becomes an $or that also passes documents carrying only that spelling;
// {field: null} matches a missing field.
func buildMongoFilter(q model.Query) bson.D {
	filter := bson.D{}
	var widened bson.A
	add := func(field, legacy string, cond interface{}) {
		if legacy == "" {
			filter = append(filter, bson.E{Key: field, Value: cond})
			return
		}
		widened = append(widened, bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: field, Value: cond}},
			bson.D{{Key: field, Value: nil}, {Key: legacy, Value: bson.D{{Key: "$ne", Value: nil}}}},
		}}})
	}

	for _, eq := range q.Equal {
		add(eq.Field, eq.Legacy, eq.Value)
	}
	for _, rg := range q.Range {
		bounds := bson.D{}
		if rg.Gte != "" {
			bounds = append(bounds, bson.E{Key: "$gte", Value: rg.Gte})
		}
		if rg.Lte != "" {
			bounds = append(bounds, bson.E{Key: "$lte", Value: rg.Lte})
		}
		if len(bounds) > 0 {
			add(rg.Field, rg.Legacy, bounds)
		}
	}
	if len(widened) > 0 {
		filter = append(filter, bson.E{Key: "$and", Value: widened})
	}
	return filter
}

// buildMongoMerge is an update pipeline that sets fields as literals and
// keeps stored creation fields.
func buildMongoMerge(fields model.Document) mongo.Pipeline {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	set := make(bson.D, 0, len(names))
	for _, k := range names {
		var v interface{} = bson.D{{Key: "$literal", Value: fields[k]}}
		if isCreationField(k) {
			v = bson.D{{Key: "$ifNull", Value: bson.A{"$" + k, v}}}
		}
		set = append(set, bson.E{Key: k, Value: v})
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

const mongoSortField = "_sort"

// buildMongoPipeline orders by OrderBy, falling back to OrderFallback for
// documents without it.
func buildMongoPipeline(q model.Query) mongo.Pipeline {
	dir := 1
	if q.OrderDesc {
		dir = -1
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: buildMongoFilter(q)}},
		{{Key: "$addFields", Value: bson.D{{Key: mongoSortField, Value: bson.D{
			{Key: "$ifNull", Value: bson.A{"$" + q.OrderBy, "$" + q.OrderFallback}},
		}}}}},
		{{Key: "$sort", Value: bson.D{{Key: mongoSortField, Value: dir}, {Key: "_id", Value: 1}}}},
	}
	if q.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(q.Limit)}})
	}
	return append(pipeline, bson.D{{Key: "$project", Value: bson.D{{Key: mongoSortField, Value: 0}}}})
}

func buildMongoFindOptions(q model.Query) *options.FindOptionsBuilder {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.OrderDesc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}, {Key: "_id", Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return opts
}

func fromBSON(raw bson.M) (string, model.Document) {
	doc := make(model.Document, len(raw))
	var key string
	for k, v := range raw {
		if k == "_id" {
			key = fmt.Sprint(v)
			continue
		}
		doc[k] = v
	}
	return key, doc
}

func classifyMongoError(err error, op string) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %s: %w", apperrors.ErrNotFound, op, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, mongo.ErrClientDisconnected),
		strings.Contains(err.Error(), "server selection"):
		return fmt.Errorf("%w: %s: %w", apperrors.ErrStoreUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", apperrors.ErrDatabase, op, err)
	}
}
