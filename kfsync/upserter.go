package kfsync

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultBatchSize  = 250
	defaultCaptureCap = 2000
)

// upsertWriter batches upsert models and flushes them as unordered bulk
// writes. Unordered is deliberate: one bad operation must not block the
// rest of its batch. Flushes are serialized under the writer's lock, so a
// Push that lands on a batch boundary blocks until the store has absorbed
// the batch. That is the backpressure that keeps fan-out producers from
// outrunning the store.
type upsertWriter struct {
	col        Collection
	batchSize  int
	capture    bool
	captureCap int

	mu       sync.Mutex
	models   []mongo.WriteModel
	filters  []map[string]any
	stats    Stats
	captured CapturedUpserts
}

func newUpsertWriter(col Collection, capture bool) *upsertWriter {
	return &upsertWriter{
		col:        col,
		batchSize:  defaultBatchSize,
		capture:    capture,
		captureCap: defaultCaptureCap,
	}
}

// Push queues one model, flushing when the batch is full.
func (w *upsertWriter) Push(ctx context.Context, model mongo.WriteModel) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.models = append(w.models, model)
	w.filters = append(w.filters, extractFilter(model))
	if len(w.models) >= w.batchSize {
		return w.flushLocked(ctx)
	}
	return nil
}

// Flush writes out any queued remainder.
func (w *upsertWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *upsertWriter) flushLocked(ctx context.Context) error {
	if len(w.models) == 0 {
		return nil
	}
	models := w.models
	filters := w.filters
	w.models = nil
	w.filters = nil

	result, err := w.col.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return err
	}

	w.stats.add(Stats{
		AttemptedOps: len(models),
		Affected:     int(result.UpsertedCount + result.MatchedCount),
		Upserted:     int(result.UpsertedCount),
		Matched:      int(result.MatchedCount),
		Modified:     int(result.ModifiedCount),
	})

	if w.capture {
		for idx := range result.UpsertedIDs {
			if len(w.captured.Filters) >= w.captureCap {
				w.captured.Truncated = true
				break
			}
			if idx >= 0 && int(idx) < len(filters) {
				w.captured.Filters = append(w.captured.Filters, filters[idx])
			}
		}
	}
	return nil
}

func (w *upsertWriter) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *upsertWriter) Upserts() CapturedUpserts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.captured
}

func extractFilter(model mongo.WriteModel) map[string]any {
	update, ok := model.(*mongo.UpdateOneModel)
	if !ok || update.Filter == nil {
		return nil
	}
	if filter, ok := update.Filter.(bson.M); ok {
		return map[string]any(filter)
	}
	return nil
}
