// Package dedup repairs entity collections after the uuid identity scheme
// was introduced: earlier sync versions keyed documents by business code or
// number and could accumulate several copies of one KashFlow entity. One
// pass prunes each duplicate group to a single survivor, a second assigns
// uuids to survivors that never received one through the normal insert
// path.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Collections covered by the job. Every entity collection groups on the
// numeric KashFlow Id.
var Collections = []string{
	"customers",
	"suppliers",
	"invoices",
	"quotes",
	"purchases",
	"projects",
	"nominals",
}

const backfillBatchSize = 500

// GroupDoc is one member of a duplicate group, projected down to the
// fields the survivor selection needs.
type GroupDoc struct {
	DocID    any
	UUID     string
	SyncedAt time.Time
}

// Group is the set of documents sharing one KashFlow Id.
type Group struct {
	EntityID any
	Docs     []GroupDoc
}

// MissingDoc is a surviving document with no usable uuid.
type MissingDoc struct {
	DocID    any
	EntityID any
}

// Assignment pairs a document with its freshly generated uuid.
type Assignment struct {
	DocID any
	UUID  string
}

// Collection is the store surface one entity collection must provide.
type Collection interface {
	DuplicateGroups(ctx context.Context) ([]Group, error)
	DeleteByIDs(ctx context.Context, ids []any) (int, error)
	CountMissingUUID(ctx context.Context) (int, error)
	EachMissingUUID(ctx context.Context, fn func(doc MissingDoc) error) error
	SetUUIDs(ctx context.Context, assignments []Assignment) error
}

// Store hands out entity collections by name.
type Store interface {
	Collection(name string) Collection
}

// Options controls one dedup invocation. DryRun runs the identical
// selection logic but applies nothing; its action list is what a real run
// would do.
type Options struct {
	DryRun bool
	Log    func(line string)
}

// Action itemizes one delete or one uuid backfill. Type is one of
// "deleted", "would-delete", "uuid-backfill", "would-uuid-backfill".
type Action struct {
	Type           string     `json:"type"`
	Collection     string     `json:"collection"`
	EntityID       any        `json:"entityId"`
	DocumentID     string     `json:"documentId"`
	HadUUID        bool       `json:"hadUuid,omitempty"`
	UUID           string     `json:"uuid,omitempty"`
	SyncedAt       *time.Time `json:"syncedAt,omitempty"`
	KeptDocumentID string     `json:"keptDocumentId,omitempty"`
	KeptUUID       string     `json:"keptUuid,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	AssignedUUID   string     `json:"assignedUuid,omitempty"`
}

// CollectionResult summarizes pass 1 for one collection.
type CollectionResult struct {
	Collection      string `json:"collection"`
	DuplicateGroups int    `json:"duplicateGroups"`
	Deleted         int    `json:"deleted"`
}

// Result is the full job outcome.
type Result struct {
	Collections     []CollectionResult `json:"collections"`
	TotalGroups     int                `json:"totalGroups"`
	TotalDeleted    int                `json:"totalDeleted"`
	TotalBackfilled int                `json:"totalBackfilled"`
	Actions         []Action           `json:"actions"`
	DryRun          bool               `json:"dryRun"`
}

// Run executes both passes over every entity collection. It must only be
// run against quiescent collections; it does not guard against a
// concurrent sync. Any store error is fatal: the selection logic is
// idempotent, so a partial run is simply re-run.
func Run(ctx context.Context, store Store, opts Options) (*Result, error) {
	log := opts.Log
	if log == nil {
		log = func(string) {}
	}
	if opts.DryRun {
		log("=== DRY RUN ===")
	} else {
		log("=== APPLYING DEDUPLICATION ===")
	}

	result := &Result{DryRun: opts.DryRun}

	// In dry-run mode pass 1 deletes nothing, so pass 2 must know which
	// documents would already be gone or its backfill count would not
	// match a real run.
	wouldDelete := map[string]map[string]bool{}

	log("Pass 1: deduplicate by Id (prefer docs with uuid)")
	for _, name := range Collections {
		wouldDelete[name] = map[string]bool{}
		cr, err := dedupCollection(ctx, store.Collection(name), name, opts, result, wouldDelete[name], log)
		if err != nil {
			return nil, fmt.Errorf("dedup %s: %w", name, err)
		}
		result.Collections = append(result.Collections, cr)
		result.TotalGroups += cr.DuplicateGroups
		result.TotalDeleted += cr.Deleted
	}

	log("Pass 2: backfill missing uuids")
	for _, name := range Collections {
		backfilled, err := backfillCollection(ctx, store.Collection(name), name, opts, result, wouldDelete[name], log)
		if err != nil {
			return nil, fmt.Errorf("backfill %s: %w", name, err)
		}
		result.TotalBackfilled += backfilled
	}

	log(fmt.Sprintf("Summary: %d duplicate groups, %d deleted, %d backfilled, %d actions",
		result.TotalGroups, result.TotalDeleted, result.TotalBackfilled, len(result.Actions)))
	return result, nil
}

func dedupCollection(ctx context.Context, col Collection, name string, opts Options, result *Result, wouldDelete map[string]bool, log func(string)) (CollectionResult, error) {
	cr := CollectionResult{Collection: name}

	groups, err := col.DuplicateGroups(ctx)
	if err != nil {
		return cr, err
	}
	if len(groups) == 0 {
		log(fmt.Sprintf("%s: no duplicates found", name))
		return cr, nil
	}
	cr.DuplicateGroups = len(groups)

	actionType := "deleted"
	if opts.DryRun {
		actionType = "would-delete"
	}

	for _, group := range groups {
		kept, victims := selectSurvivor(group.Docs)
		if len(victims) == 0 {
			continue
		}

		ids := make([]any, 0, len(victims))
		for _, victim := range victims {
			ids = append(ids, victim.DocID)
			action := Action{
				Type:           actionType,
				Collection:     name,
				EntityID:       group.EntityID,
				DocumentID:     docIDString(victim.DocID),
				HadUUID:        victim.UUID != "",
				UUID:           victim.UUID,
				KeptDocumentID: docIDString(kept.DocID),
				KeptUUID:       kept.UUID,
			}
			if !victim.SyncedAt.IsZero() {
				t := victim.SyncedAt
				action.SyncedAt = &t
			}
			if victim.UUID != "" {
				action.Reason = "duplicate with uuid (newer copy removed, oldest kept)"
			} else {
				action.Reason = "duplicate without uuid (uuid-bearing copy kept)"
			}
			result.Actions = append(result.Actions, action)
			log(fmt.Sprintf("%s: %s _id=%s (Id=%v) kept _id=%s", name, actionType, action.DocumentID, group.EntityID, action.KeptDocumentID))
		}

		if opts.DryRun {
			for _, victim := range victims {
				wouldDelete[docIDString(victim.DocID)] = true
			}
			cr.Deleted += len(ids)
			continue
		}
		deleted, err := col.DeleteByIDs(ctx, ids)
		if err != nil {
			return cr, err
		}
		cr.Deleted += deleted
	}

	log(fmt.Sprintf("%s: %d duplicate groups, %s %d documents", name, cr.DuplicateGroups, actionType, cr.Deleted))
	return cr, nil
}

// selectSurvivor applies the pruning policy to one group: a uuid-bearing
// document always beats one without, and among uuid-bearing documents the
// oldest wins. The oldest copy is the one most likely to carry manual
// downstream edits a newer sync-created duplicate lacks.
func selectSurvivor(docs []GroupDoc) (kept GroupDoc, victims []GroupDoc) {
	var withUUID, withoutUUID []GroupDoc
	for _, d := range docs {
		if d.UUID != "" {
			withUUID = append(withUUID, d)
		} else {
			withoutUUID = append(withoutUUID, d)
		}
	}

	if len(withUUID) > 0 {
		sortOldestFirst(withUUID)
		kept = withUUID[0]
		victims = append(victims, withoutUUID...)
		victims = append(victims, withUUID[1:]...)
		return kept, victims
	}

	sortOldestFirst(withoutUUID)
	return withoutUUID[0], withoutUUID[1:]
}

// sortOldestFirst orders by syncedAt, ties broken by the string form of
// the document id. Deterministic across runs; downstream consumers depend
// on the exact tie-break outcome.
func sortOldestFirst(docs []GroupDoc) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i].SyncedAt, docs[j].SyncedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return strings.Compare(docIDString(docs[i].DocID), docIDString(docs[j].DocID)) < 0
	})
}

func backfillCollection(ctx context.Context, col Collection, name string, opts Options, result *Result, wouldDelete map[string]bool, log func(string)) (int, error) {
	missing, err := col.CountMissingUUID(ctx)
	if err != nil {
		return 0, err
	}
	if missing == 0 {
		log(fmt.Sprintf("%s: all documents have uuids", name))
		return 0, nil
	}

	if opts.DryRun {
		count := 0
		err := col.EachMissingUUID(ctx, func(doc MissingDoc) error {
			if wouldDelete[docIDString(doc.DocID)] {
				return nil
			}
			count++
			result.Actions = append(result.Actions, Action{
				Type:       "would-uuid-backfill",
				Collection: name,
				EntityID:   doc.EntityID,
				DocumentID: docIDString(doc.DocID),
			})
			return nil
		})
		if err != nil {
			return 0, err
		}
		log(fmt.Sprintf("%s: would backfill uuid on %d documents", name, count))
		return count, nil
	}

	var batch []Assignment
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := col.SetUUIDs(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = col.EachMissingUUID(ctx, func(doc MissingDoc) error {
		assigned := uuid.NewString()
		batch = append(batch, Assignment{DocID: doc.DocID, UUID: assigned})
		result.Actions = append(result.Actions, Action{
			Type:         "uuid-backfill",
			Collection:   name,
			EntityID:     doc.EntityID,
			DocumentID:   docIDString(doc.DocID),
			AssignedUUID: assigned,
		})
		if len(batch) >= backfillBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}
	log(fmt.Sprintf("%s: backfilled uuid on %d documents", name, missing))
	return missing, nil
}
