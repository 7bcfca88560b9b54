package kfsync

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the slice of the driver surface the writer needs.
// *mongo.Collection satisfies it directly.
type Collection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// Store hands out named entity collections. A nil Store puts the
// orchestrator in fetch-only mode: everything is pulled and counted but
// nothing is written.
type Store interface {
	Collection(name string) Collection
}

type mongoStore struct {
	db *mongo.Database
}

// NewMongoStore adapts a connected database to the writer's Store contract.
func NewMongoStore(db *mongo.Database) Store {
	return &mongoStore{db: db}
}

func (s *mongoStore) Collection(name string) Collection {
	return s.db.Collection(name)
}
