package kfsync

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// memStore is an in-memory stand-in for the document store. It interprets
// the exact update documents the writer produces ($set, $setOnInsert,
// $unset with upsert), which is all the reconciliation path uses.
type memStore struct {
	mu          sync.Mutex
	collections map[string]*memCollection
}

func newMemStore() *memStore {
	return &memStore{collections: map[string]*memCollection{}}
}

func (s *memStore) Collection(name string) Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		col = &memCollection{}
		s.collections[name] = col
	}
	return col
}

func (s *memStore) collection(name string) *memCollection {
	return s.Collection(name).(*memCollection)
}

type memCollection struct {
	mu      sync.Mutex
	docs    []map[string]any
	nextID  int
	calls   int
	failErr error
}

func (c *memCollection) BulkWrite(_ context.Context, models []mongo.WriteModel, _ ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.failErr != nil {
		err := c.failErr
		c.failErr = nil
		return nil, err
	}

	result := &mongo.BulkWriteResult{UpsertedIDs: map[int64]any{}}
	for i, model := range models {
		update, ok := model.(*mongo.UpdateOneModel)
		if !ok {
			return nil, fmt.Errorf("unsupported model %T", model)
		}
		filter := update.Filter.(bson.M)
		doc := c.findLocked(filter)
		spec := update.Update.(bson.M)

		if doc == nil {
			if update.Upsert == nil || !*update.Upsert {
				continue
			}
			doc = map[string]any{}
			for k, v := range filter {
				doc[k] = v
			}
			c.nextID++
			id := fmt.Sprintf("oid-%06d", c.nextID)
			doc["_id"] = id
			if onInsert, ok := spec["$setOnInsert"].(bson.M); ok {
				for k, v := range onInsert {
					doc[k] = v
				}
			}
			applySetUnset(doc, spec)
			c.docs = append(c.docs, doc)
			result.UpsertedCount++
			result.UpsertedIDs[int64(i)] = id
			continue
		}

		result.MatchedCount++
		before := fmt.Sprintf("%v", doc)
		applySetUnset(doc, spec)
		if fmt.Sprintf("%v", doc) != before {
			result.ModifiedCount++
		}
	}
	return result, nil
}

func applySetUnset(doc map[string]any, spec bson.M) {
	if set, ok := spec["$set"].(bson.M); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	if unset, ok := spec["$unset"].(bson.M); ok {
		for k := range unset {
			delete(doc, k)
		}
	}
}

func (c *memCollection) findLocked(filter bson.M) map[string]any {
	for _, doc := range c.docs {
		matched := true
		for k, v := range filter {
			if !reflect.DeepEqual(doc[k], v) {
				matched = false
				break
			}
		}
		if matched {
			return doc
		}
	}
	return nil
}

func (c *memCollection) find(field string, value any) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(bson.M{field: value})
}

func (c *memCollection) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}
