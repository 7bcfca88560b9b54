package kfsync

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/kashflow_sync/config"
	"bitbucket.org/mmdatafocus/kashflow_sync/kashflow"
	"bitbucket.org/mmdatafocus/kashflow_sync/utils"
)

// Source is the slice of the KashFlow client the orchestrator consumes.
// *kashflow.Client satisfies it.
type Source interface {
	Metadata(ctx context.Context) error
	ListAll(ctx context.Context, path string, params url.Values) ([]kashflow.Record, error)
	ListPage(ctx context.Context, path string, params url.Values) ([]kashflow.Record, error)
	Get(ctx context.Context, path string) (kashflow.Record, error)
}

// Options tunes one reconciliation run. Zero values fall back to env
// configuration (CONCURRENCY, DETAIL_CONCURRENCY).
type Options struct {
	RunID             string
	Concurrency       int
	DetailConcurrency int
	Progress          ProgressSink
	RecordLog         RecordLogFunc
}

// Run executes one full reconciliation. newSource authenticates and builds
// the API client; an auth or connectivity failure aborts the run. A nil
// store runs fetch-only: lists are pulled and counted, nothing is written.
func Run(ctx context.Context, store Store, newSource func(context.Context) (Source, error), opts Options) (*Result, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = utils.IntFromEnv("CONCURRENCY", 4)
	}
	if opts.DetailConcurrency <= 0 {
		opts.DetailConcurrency = utils.IntFromEnv("DETAIL_CONCURRENCY", 8)
	}
	if opts.Progress == nil {
		opts.Progress = nopSink{}
	}

	s := &session{
		store: store,
		opts:  opts,
		log:   config.GetLogger(),
		start: time.Now(),
		result: &Result{
			Counts:       map[string]int{},
			Mongo:        map[string]Stats{},
			MongoUpserts: map[string]CapturedUpserts{},
			SkippedNoKey: map[string]int{},
			DetailErrors: map[string]int{},
		},
	}

	stop := s.startHeartbeat()
	defer stop()

	result, err := s.run(ctx, newSource)
	if err != nil {
		s.recordLog(fmt.Sprintf("Sync failed at %s: %v", s.currentStage(), err))
		return nil, err
	}
	return result, nil
}

type session struct {
	store  Store
	src    Source
	opts   Options
	log    *logrus.Logger
	start  time.Time
	result *Result

	mu    sync.Mutex
	stage string
}

func (s *session) setStage(stage string) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
	s.opts.Progress.Stage(stage)
	s.log.WithFields(logrus.Fields{"stage": stage}).Info("Stage changed")
	s.recordLog("Stage: " + stage)
}

func (s *session) currentStage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *session) recordLog(line string) {
	if s.opts.RecordLog != nil {
		s.opts.RecordLog(line)
	}
}

// startHeartbeat logs liveness every 5 seconds during long fan-outs. The
// returned stop function ends it with the run so the ticker never outlives
// normal completion.
func (s *session) startHeartbeat() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.log.WithFields(logrus.Fields{
					"stage":    s.currentStage(),
					"uptimeMs": time.Since(s.start).Milliseconds(),
				}).Info("Sync heartbeat")
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *session) run(ctx context.Context, newSource func(context.Context) (Source, error)) (*Result, error) {
	s.setStage(StageAuth)
	src, err := newSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("kashflow auth: %w", err)
	}
	s.src = src
	s.recordLog("Starting KashFlow sync")

	// Prove connectivity and auth before doing any real work. Tenants
	// without /metadata get a one-item customers list instead.
	s.setStage(StageMetadata)
	if err := src.Metadata(ctx); err != nil {
		if !kashflow.IsNotFound(err) {
			return nil, fmt.Errorf("connectivity check: %w", err)
		}
		s.setStage(StageProbe)
		if _, perr := src.ListPage(ctx, "/customers", url.Values{"perpage": {"1"}}); perr != nil {
			return nil, fmt.Errorf("connectivity probe: %w", perr)
		}
	}
	s.log.Info("KashFlow connectivity check ok")

	if s.store == nil {
		s.log.Warn("No store configured; running in fetch-only mode (no upserts)")
		s.recordLog("No store configured; fetch-only mode")
	}

	s.setStage(StageFetchLists)
	lists, err := s.fetchLists(ctx)
	if err != nil {
		return nil, err
	}
	s.result.Counts["customers"] = len(lists.customers)
	s.result.Counts["suppliers"] = len(lists.suppliers)
	s.result.Counts["projects"] = len(lists.projects)
	s.result.Counts["nominals"] = len(lists.nominals)
	s.recordLog(fmt.Sprintf("Fetched lists: %d customers, %d suppliers, %d projects, %d nominals",
		len(lists.customers), len(lists.suppliers), len(lists.projects), len(lists.nominals)))

	if s.store != nil {
		s.setStage(StageUpsertLists)
		if err := s.upsertLists(ctx, lists); err != nil {
			return nil, err
		}
	}

	customerCodes := collectKeys(lists.customers, pickCode)
	supplierCodes := collectKeys(lists.suppliers, pickCode)

	if s.store != nil {
		if err := s.syncEntityDetails(ctx, StageCustomerDet, "customers", customerCodes, "", nil, s.opts.Concurrency); err != nil {
			return nil, err
		}
		if err := s.syncEntityDetails(ctx, StageSupplierDet, "suppliers", supplierCodes, "", SupplierProtectedFields, s.opts.Concurrency); err != nil {
			return nil, err
		}
		projectNumbers := collectKeys(lists.projects, pickNumber)
		if err := s.syncEntityDetails(ctx, StageProjectDet, "projects", projectNumbers, "Number", nil, s.opts.DetailConcurrency); err != nil {
			return nil, err
		}
	}

	invoices, err := s.syncTransactional(ctx, transactionalSpec{
		entity:      "invoices",
		stageList:   StageInvoiceLists,
		stageDetail: StageInvoiceDet,
		path:        "/invoices",
		parentParam: "customerCode",
		parents:     customerCodes,
	})
	if err != nil {
		return nil, err
	}
	s.result.Counts["invoices"] = invoices

	quotes, err := s.syncTransactional(ctx, transactionalSpec{
		entity:      "quotes",
		stageList:   StageQuoteLists,
		stageDetail: StageQuoteDet,
		path:        "/quotes",
		parentParam: "customerCode",
		parents:     customerCodes,
	})
	if err != nil {
		return nil, err
	}
	s.result.Counts["quotes"] = quotes

	purchases, err := s.syncTransactional(ctx, transactionalSpec{
		entity:      "purchases",
		stageList:   StagePurchaseLists,
		stageDetail: StagePurchaseDet,
		path:        "/purchases",
		parentParam: "supplierCode",
		parents:     supplierCodes,
		prepare:     applyCISPeriod,
	})
	if err != nil {
		return nil, err
	}
	s.result.Counts["purchases"] = purchases

	s.setStage(StageFinalising)
	for entity, skipped := range s.result.SkippedNoKey {
		if skipped > 0 {
			s.log.WithFields(logrus.Fields{"entity": entity, "skippedMissingKey": skipped}).Warn("Skipped upserts with missing identity key")
		}
	}
	s.log.WithFields(logrus.Fields{
		"counts":     s.result.Counts,
		"durationMs": time.Since(s.start).Milliseconds(),
	}).Info("KashFlow sync finished")
	s.recordLog(fmt.Sprintf("Sync finished in %s", time.Since(s.start).Round(time.Millisecond)))
	return s.result, nil
}

type entityLists struct {
	customers []kashflow.Record
	suppliers []kashflow.Record
	projects  []kashflow.Record
	nominals  []kashflow.Record
}

// fetchLists pulls the four primary lists in parallel. These are the only
// remote calls that may overlap across entity types.
func (s *session) fetchLists(ctx context.Context) (*entityLists, error) {
	lists := &entityLists{}
	listParams := url.Values{"perpage": {"200"}}

	fetches := []struct {
		path string
		dst  *[]kashflow.Record
	}{
		{"/customers", &lists.customers},
		{"/suppliers", &lists.suppliers},
		{"/projects", &lists.projects},
		{"/nominals", &lists.nominals},
	}
	if err := forEachIndex(ctx, len(fetches), len(fetches), func(ctx context.Context, i int) error {
		records, err := s.src.ListAll(ctx, fetches[i].path, listParams)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", fetches[i].path, err)
		}
		*fetches[i].dst = records
		return nil
	}); err != nil {
		return nil, err
	}
	return lists, nil
}

// keyFunc resolves the upsert identity of one record.
type keyFunc func(rec kashflow.Record) (field string, value any)

func keyById(rec kashflow.Record) (string, any) {
	return "Id", pickId(rec)
}

// keyByIdOr prefers the numeric Id and falls back to a secondary field for
// legacy records the API never assigned one.
func keyByIdOr(fallback string) keyFunc {
	return func(rec kashflow.Record) (string, any) {
		if id := pickId(rec); id != nil {
			return "Id", id
		}
		switch fallback {
		case "Code":
			return "Code", pickCode(rec)
		default:
			return "Number", pickNumber(rec)
		}
	}
}

func (s *session) upsertLists(ctx context.Context, lists *entityLists) error {
	now := time.Now().UTC()
	plan := []struct {
		entity    string
		records   []kashflow.Record
		key       keyFunc
		protected []string
	}{
		{"customers", lists.customers, keyById, nil},
		{"suppliers", lists.suppliers, keyById, SupplierProtectedFields},
		{"projects", lists.projects, keyByIdOr("Number"), nil},
		{"nominals", lists.nominals, keyByIdOr("Code"), nil},
	}
	for _, p := range plan {
		w := newUpsertWriter(s.store.Collection(p.entity), true)
		for _, rec := range p.records {
			field, value := p.key(rec)
			if isMissingKey(value) {
				s.countSkip(p.entity)
				continue
			}
			if err := w.Push(ctx, newUpsert(field, value, rec, now, s.opts.RunID, p.protected)); err != nil {
				return fmt.Errorf("upsert %s list: %w", p.entity, err)
			}
		}
		if err := w.Flush(ctx); err != nil {
			return fmt.Errorf("upsert %s list: %w", p.entity, err)
		}
		s.absorbWriter(p.entity, w)
		s.logUpsertSummary(p.entity, "list", w.Stats())
	}
	return nil
}

// syncEntityDetails fans out single-item GETs for an entity whose detail
// endpoint returns fields the list omits. Per-item failures are logged and
// counted; the entity keeps its list-phase document. A non-empty fallback
// names the field to key on when the detail payload carries no Id, using
// the value we fetched by; an empty fallback skips the record instead.
func (s *session) syncEntityDetails(ctx context.Context, stage, entity string, keys []any, fallback string, protected []string, concurrency int) error {
	if len(keys) == 0 {
		return nil
	}
	s.setStage(stage)
	now := time.Now().UTC()
	w := newUpsertWriter(s.store.Collection(entity), true)

	var pushErr syncError
	failed := forEachIndexTolerant(ctx, len(keys), concurrency,
		func(ctx context.Context, i int) error {
			full, err := s.src.Get(ctx, fmt.Sprintf("/%s/%v", entity, keys[i]))
			if err != nil {
				return err
			}
			field, value := "Id", pickId(full)
			if isMissingKey(value) {
				if fallback == "" {
					s.countSkip(entity)
					return nil
				}
				field, value = fallback, keys[i]
			}
			if err := w.Push(ctx, newUpsert(field, value, full, now, s.opts.RunID, protected)); err != nil {
				pushErr.set(err)
				return nil
			}
			return nil
		},
		func(i int, err error) {
			s.log.WithFields(logrus.Fields{"entity": entity, "key": keys[i], "err": err.Error()}).Warn("Failed to fetch detail, skipping")
		},
		s.progressFunc(stage, len(keys), 10),
	)
	if err, ok := pushErr.get(); ok {
		return fmt.Errorf("upsert %s details: %w", entity, err)
	}
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("upsert %s details: %w", entity, err)
	}
	if failed > 0 {
		s.result.DetailErrors[entity] += failed
		s.log.WithFields(logrus.Fields{"entity": entity, "failed": failed}).Warn("Some detail fetches failed; those documents kept list data")
		s.recordLog(fmt.Sprintf("%s: %d detail fetches failed", entity, failed))
	}
	s.absorbWriter(entity, w)
	s.logUpsertSummary(entity, "details", w.Stats())
	return nil
}

type transactionalSpec struct {
	entity      string
	stageList   string
	stageDetail string
	path        string
	parentParam string
	parents     []any
	prepare     func(kashflow.Record)
}

type detailEntry struct {
	id     any
	number any
}

// syncTransactional handles invoices, quotes and purchases: the API only
// enumerates them per parent (customer or supplier) in summary shape, so a
// first fan-out lists and upserts summaries while collecting numbers, and
// a second fan-out fetches canonical detail per number. Returns the total
// number of records seen in the list phase.
func (s *session) syncTransactional(ctx context.Context, spec transactionalSpec) (int, error) {
	s.setStage(spec.stageList)
	s.log.WithFields(logrus.Fields{
		"entity":      spec.entity,
		"parents":     len(spec.parents),
		"concurrency": s.opts.Concurrency,
	}).Info("Starting per-parent list fetch")

	var w *upsertWriter
	if s.store != nil {
		w = newUpsertWriter(s.store.Collection(spec.entity), true)
	}
	now := time.Now().UTC()

	var (
		mu      sync.Mutex
		total   int
		entries []detailEntry
		pushErr syncError
	)
	failed := forEachIndexTolerant(ctx, len(spec.parents), s.opts.Concurrency,
		func(ctx context.Context, i int) error {
			params := url.Values{"perpage": {"200"}}
			params.Set(spec.parentParam, fmt.Sprintf("%v", spec.parents[i]))
			list, err := s.src.ListAll(ctx, spec.path, params)
			if err != nil {
				return err
			}
			mu.Lock()
			total += len(list)
			mu.Unlock()
			for _, item := range list {
				id := pickId(item)
				if isMissingKey(id) {
					s.countSkip(spec.entity)
					continue
				}
				if number := pickNumber(item); number != nil {
					mu.Lock()
					entries = append(entries, detailEntry{id: id, number: number})
					mu.Unlock()
				}
				if w != nil {
					if err := w.Push(ctx, newUpsert("Id", id, item, now, s.opts.RunID, nil)); err != nil {
						pushErr.set(err)
						return nil
					}
				}
			}
			return nil
		},
		func(i int, err error) {
			s.log.WithFields(logrus.Fields{"entity": spec.entity, "parent": spec.parents[i], "err": err.Error()}).Warn("Failed to fetch per-parent list, skipping")
		},
		s.progressFunc(spec.stageList, len(spec.parents), 10),
	)
	if err, ok := pushErr.get(); ok {
		return 0, fmt.Errorf("upsert %s list: %w", spec.entity, err)
	}
	if w != nil {
		if err := w.Flush(ctx); err != nil {
			return 0, fmt.Errorf("upsert %s list: %w", spec.entity, err)
		}
		s.absorbWriter(spec.entity, w)
		s.logUpsertSummary(spec.entity, "list", w.Stats())
	}
	if failed > 0 {
		s.result.DetailErrors[spec.entity] += failed
		s.log.WithFields(logrus.Fields{"entity": spec.entity, "failed": failed}).Warn("Some per-parent list fetches failed")
	}

	if s.store != nil && len(entries) > 0 {
		if err := s.syncTransactionalDetails(ctx, spec, entries); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (s *session) syncTransactionalDetails(ctx context.Context, spec transactionalSpec, entries []detailEntry) error {
	s.setStage(spec.stageDetail)
	s.log.WithFields(logrus.Fields{
		"entity":      spec.entity,
		"count":       len(entries),
		"concurrency": s.opts.DetailConcurrency,
	}).Info("Starting detail fanout")

	w := newUpsertWriter(s.store.Collection(spec.entity), true)
	now := time.Now().UTC()

	var pushErr syncError
	failed := forEachIndexTolerant(ctx, len(entries), s.opts.DetailConcurrency,
		func(ctx context.Context, i int) error {
			full, err := s.src.Get(ctx, fmt.Sprintf("%s/%v", spec.path, entries[i].number))
			if err != nil {
				return err
			}
			if spec.prepare != nil {
				spec.prepare(full)
			}
			if err := w.Push(ctx, newUpsert("Id", entries[i].id, full, now, s.opts.RunID, nil)); err != nil {
				pushErr.set(err)
			}
			return nil
		},
		func(i int, err error) {
			s.log.WithFields(logrus.Fields{"entity": spec.entity, "number": entries[i].number, "err": err.Error()}).Warn("Failed to fetch detail")
		},
		s.progressFunc(spec.stageDetail, len(entries), 20),
	)
	if err, ok := pushErr.get(); ok {
		return fmt.Errorf("upsert %s details: %w", spec.entity, err)
	}
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("upsert %s details: %w", spec.entity, err)
	}
	if failed > 0 {
		s.result.DetailErrors[spec.entity] += failed
		s.log.WithFields(logrus.Fields{"entity": spec.entity, "failed": failed}).Warn("Some detail fetches failed; those documents kept summary data")
		s.recordLog(fmt.Sprintf("%s: %d detail fetches failed", spec.entity, failed))
	}
	s.absorbWriter(spec.entity, w)
	s.logUpsertSummary(spec.entity, "details", w.Stats())
	return nil
}

func (s *session) progressFunc(stage string, total, checkpoints int) func(done, total int) {
	return func(done, tot int) {
		s.opts.Progress.Progress(stage, done, tot)
		if progressCheckpoints(done, tot, checkpoints) {
			s.log.WithFields(logrus.Fields{"stage": stage, "done": done, "total": tot}).Info("Fanout progress")
		}
	}
}

func (s *session) countSkip(entity string) {
	s.mu.Lock()
	s.result.SkippedNoKey[entity]++
	s.mu.Unlock()
}

// absorbWriter folds one phase writer's stats and captured inserts into
// the per-entity run totals, respecting the global capture cap.
func (s *session) absorbWriter(entity string, w *upsertWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.result.Mongo[entity]
	stats.add(w.Stats())
	s.result.Mongo[entity] = stats

	added := w.Upserts()
	merged := s.result.MongoUpserts[entity]
	merged.Truncated = merged.Truncated || added.Truncated
	for _, f := range added.Filters {
		if len(merged.Filters) >= defaultCaptureCap {
			merged.Truncated = true
			break
		}
		merged.Filters = append(merged.Filters, f)
	}
	s.result.MongoUpserts[entity] = merged
}

func (s *session) logUpsertSummary(entity, phase string, stats Stats) {
	s.log.WithFields(logrus.Fields{"entity": entity, "phase": phase, "stats": stats}).Info("Upsert summary")
	s.recordLog(fmt.Sprintf("%s %s: %d ops, %d upserted, %d matched", entity, phase, stats.AttemptedOps, stats.Upserted, stats.Matched))
}

func collectKeys(records []kashflow.Record, pick func(kashflow.Record) any) []any {
	keys := make([]any, 0, len(records))
	for _, rec := range records {
		if v := pick(rec); !isMissingKey(v) {
			keys = append(keys, v)
		}
	}
	return keys
}

// syncError latches the first store write failure seen inside a tolerant
// fan-out so it can abort the phase once the pool drains. Store outages
// are fatal, unlike per-item fetch failures.
type syncError struct {
	mu  sync.Mutex
	err error
}

func (e *syncError) set(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *syncError) get() (error, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err, e.err != nil
}
