package dedup

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var missingUUIDFilter = bson.M{"$or": bson.A{
	bson.M{"uuid": bson.M{"$exists": false}},
	bson.M{"uuid": nil},
	bson.M{"uuid": ""},
}}

type mongoStore struct {
	db *mongo.Database
}

// NewMongoStore adapts a connected database to the engine's Store contract.
func NewMongoStore(db *mongo.Database) Store {
	return &mongoStore{db: db}
}

func (s *mongoStore) Collection(name string) Collection {
	return &mongoCollection{col: s.db.Collection(name)}
}

type mongoCollection struct {
	col *mongo.Collection
}

// DuplicateGroups aggregates documents sharing one Id value, projecting
// just the fields survivor selection reads. allowDiskUse keeps the group
// stage viable on collections larger than the 100MB pipeline memory cap.
func (c *mongoCollection) DuplicateGroups(ctx context.Context) ([]Group, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"Id": bson.M{"$exists": true, "$ne": nil}}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$Id",
			"count": bson.M{"$sum": 1},
			"docs": bson.M{"$push": bson.M{
				"_id":      "$_id",
				"uuid":     "$uuid",
				"syncedAt": "$syncedAt",
			}},
		}}},
		{{Key: "$match", Value: bson.M{"count": bson.M{"$gt": 1}}}},
	}

	cursor, err := c.col.Aggregate(ctx, pipeline, options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var groups []Group
	for cursor.Next(ctx) {
		var raw struct {
			ID   any `bson:"_id"`
			Docs []struct {
				DocID    any `bson:"_id"`
				UUID     any `bson:"uuid"`
				SyncedAt any `bson:"syncedAt"`
			} `bson:"docs"`
		}
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		group := Group{EntityID: raw.ID}
		for _, d := range raw.Docs {
			doc := GroupDoc{DocID: d.DocID}
			if s, ok := d.UUID.(string); ok {
				doc.UUID = s
			}
			if t, ok := d.SyncedAt.(primitive.DateTime); ok {
				doc.SyncedAt = t.Time()
			}
			group.Docs = append(group.Docs, doc)
		}
		groups = append(groups, group)
	}
	return groups, cursor.Err()
}

func (c *mongoCollection) DeleteByIDs(ctx context.Context, ids []any) (int, error) {
	result, err := c.col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	return int(result.DeletedCount), nil
}

func (c *mongoCollection) CountMissingUUID(ctx context.Context) (int, error) {
	n, err := c.col.CountDocuments(ctx, missingUUIDFilter)
	return int(n), err
}

func (c *mongoCollection) EachMissingUUID(ctx context.Context, fn func(doc MissingDoc) error) error {
	cursor, err := c.col.Find(ctx, missingUUIDFilter, options.Find().SetProjection(bson.M{"_id": 1, "Id": 1}))
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var raw struct {
			DocID    any `bson:"_id"`
			EntityID any `bson:"Id"`
		}
		if err := cursor.Decode(&raw); err != nil {
			return err
		}
		if err := fn(MissingDoc{DocID: raw.DocID, EntityID: raw.EntityID}); err != nil {
			return err
		}
	}
	return cursor.Err()
}

func (c *mongoCollection) SetUUIDs(ctx context.Context, assignments []Assignment) error {
	models := make([]mongo.WriteModel, 0, len(assignments))
	for _, a := range assignments {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": a.DocID}).
			SetUpdate(bson.M{"$set": bson.M{"uuid": a.UUID}}))
	}
	_, err := c.col.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

// docIDString renders a store identifier in the form used for tie-breaks
// and action records. ObjectIDs use their hex form so ordering matches
// their creation time.
func docIDString(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
