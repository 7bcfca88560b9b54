package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/kashflow_sync/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	mongoMu     sync.Mutex
	mongoClient *mongo.Client
	mongoDB     *mongo.Database
)

// MongoEnabled reports whether a MongoDB sink is configured. The sync can
// run in fetch-only mode without one.
func MongoEnabled() bool {
	return utils.StringFromEnv("", "MONGO_URI") != ""
}

func mongoDbName() string {
	return utils.StringFromEnv("kashflow", "MONGO_DB_NAME")
}

// ConnectMongo dials MongoDB once and caches the database handle. Safe to
// call from multiple goroutines; subsequent calls return the cached handle.
func ConnectMongo(ctx context.Context) (*mongo.Database, error) {
	if !MongoEnabled() {
		return nil, errors.New("MongoDB not configured: set MONGO_URI and MONGO_DB_NAME")
	}

	mongoMu.Lock()
	defer mongoMu.Unlock()
	if mongoDB != nil {
		return mongoDB, nil
	}

	uri := utils.StringFromEnv("", "MONGO_URI")
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(uint64(utils.IntFromEnv("MONGO_MAX_POOL_SIZE", 10))).
		SetServerSelectionTimeout(10 * time.Second).
		// Stable API v1 for forward compatibility with MongoDB 8+.
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	mongoClient = client
	mongoDB = client.Database(mongoDbName())
	GetLogger().WithFields(map[string]any{
		"mongoDbName": mongoDbName(),
		"mongoUri":    RedactMongoURI(uri),
	}).Info("MongoDB connected")
	return mongoDB, nil
}

func GetMongoDB() *mongo.Database {
	mongoMu.Lock()
	defer mongoMu.Unlock()
	return mongoDB
}

func CloseMongo(ctx context.Context) {
	mongoMu.Lock()
	defer mongoMu.Unlock()
	if mongoClient == nil {
		return
	}
	if err := mongoClient.Disconnect(ctx); err != nil {
		GetLogger().WithField("err", err.Error()).Warn("Mongo close failed")
	}
	mongoClient = nil
	mongoDB = nil
}

// RedactMongoURI hides credentials so the URI can be logged.
func RedactMongoURI(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	u.User = url.UserPassword("***", "***")
	return u.String()
}

// syncCollection describes the index layout of one synced entity collection:
// a unique partial index on the numeric KashFlow Id, a secondary index on the
// business code/number for queries, and a unique sparse index on uuid.
type syncCollection struct {
	Name      string
	CodeField string
}

func SyncCollections() []syncCollection {
	return []syncCollection{
		{Name: "customers", CodeField: "Code"},
		{Name: "suppliers", CodeField: "Code"},
		{Name: "invoices", CodeField: "Number"},
		{Name: "quotes", CodeField: "Number"},
		{Name: "purchases", CodeField: "Number"},
		{Name: "projects", CodeField: "Number"},
		{Name: "nominals", CodeField: "Code"},
	}
}

// EnsureSyncIndexes creates the per-collection indexes the sync relies on.
// Legacy documents may lack the numeric Id, hence the partial filter.
func EnsureSyncIndexes(ctx context.Context, db *mongo.Database) error {
	for _, spec := range SyncCollections() {
		models := []mongo.IndexModel{
			{
				Keys: bson.D{{Key: "Id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.D{
						{Key: "Id", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$type", Value: "number"}}},
					}),
			},
			{
				Keys: bson.D{{Key: spec.CodeField, Value: 1}},
			},
			{
				Keys:    bson.D{{Key: "uuid", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		}
		if _, err := db.Collection(spec.Name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ensure indexes for %s: %w", spec.Name, err)
		}
	}
	return nil
}
