package kfsync

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// RunLogLine is one persisted log entry of a run.
type RunLogLine struct {
	At   time.Time `json:"at" bson:"at"`
	Line string    `json:"line" bson:"line"`
}

// RunRecord is the persisted history entry for one reconciliation run,
// used by the dashboard to drill into past syncs.
type RunRecord struct {
	ID         string       `json:"runId" bson:"_id"`
	Status     string       `json:"status" bson:"status"`
	StartedAt  time.Time    `json:"startedAt" bson:"startedAt"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty" bson:"finishedAt,omitempty"`
	DurationMs int64        `json:"durationMs,omitempty" bson:"durationMs,omitempty"`
	Error      string       `json:"error,omitempty" bson:"error,omitempty"`
	Result     *Result      `json:"result,omitempty" bson:"result,omitempty"`
	Logs       []RunLogLine `json:"logs,omitempty" bson:"logs,omitempty"`
}

// RunStore persists run records in the runs collection.
type RunStore struct {
	col *mongo.Collection
}

func NewRunStore(db *mongo.Database) *RunStore {
	return &RunStore{col: db.Collection("runs")}
}

func (s *RunStore) Begin(ctx context.Context, runID string) error {
	record := RunRecord{
		ID:        runID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Logs:      []RunLogLine{},
	}
	_, err := s.col.InsertOne(ctx, record)
	return err
}

func (s *RunStore) AppendLog(ctx context.Context, runID, line string) error {
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{
		"$push": bson.M{"logs": RunLogLine{At: time.Now().UTC(), Line: line}},
	})
	return err
}

// Finish closes the record with either the result or the failure message.
func (s *RunStore) Finish(ctx context.Context, runID string, result *Result, runErr error) error {
	now := time.Now().UTC()
	set := bson.M{
		"finishedAt": now,
	}
	if runErr != nil {
		set["status"] = RunStatusFailed
		set["error"] = runErr.Error()
	} else {
		set["status"] = RunStatusSuccess
		set["result"] = result
	}

	var record RunRecord
	if err := s.col.FindOne(ctx, bson.M{"_id": runID}).Decode(&record); err == nil {
		set["durationMs"] = now.Sub(record.StartedAt).Milliseconds()
	}
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": set})
	return err
}

func (s *RunStore) Get(ctx context.Context, runID string) (*RunRecord, error) {
	var record RunRecord
	if err := s.col.FindOne(ctx, bson.M{"_id": runID}).Decode(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns the most recent runs, newest first, without their logs.
func (s *RunStore) List(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.M{"startedAt": -1}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"logs": 0})
	cursor, err := s.col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []RunRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}
