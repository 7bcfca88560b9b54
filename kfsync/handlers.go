package kfsync

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"bitbucket.org/mmdatafocus/kashflow_sync/config"
	"bitbucket.org/mmdatafocus/kashflow_sync/utils"
)

// RunGate owns the "is a sync running" state and live progress for the
// dashboard. It doubles as the ProgressSink of the active run. One gate is
// created per process and injected into the handlers; whole-run mutual
// exclusion happens here, not in the data layer.
type RunGate struct {
	mu      sync.Mutex
	active  bool
	runID   string
	stage   string
	started time.Time
	done    map[string]int
	total   map[string]int
}

func NewRunGate() *RunGate {
	return &RunGate{done: map[string]int{}, total: map[string]int{}}
}

func (g *RunGate) tryAcquire(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return false
	}
	g.active = true
	g.runID = runID
	g.stage = "starting"
	g.started = time.Now().UTC()
	g.done = map[string]int{}
	g.total = map[string]int{}
	return true
}

func (g *RunGate) release() {
	g.mu.Lock()
	g.active = false
	g.mu.Unlock()
}

// Active reports whether a run currently holds the gate.
func (g *RunGate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *RunGate) Stage(stage string) {
	g.mu.Lock()
	g.stage = stage
	g.mu.Unlock()
}

func (g *RunGate) Progress(stage string, done, total int) {
	g.mu.Lock()
	g.done[stage] = done
	g.total[stage] = total
	g.mu.Unlock()
}

// GateStatus is the JSON shape of GET /api/sync/status.
type GateStatus struct {
	Running   bool           `json:"running"`
	RunID     string         `json:"runId,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	Done      map[string]int `json:"done,omitempty"`
	Total     map[string]int `json:"total,omitempty"`
}

func (g *RunGate) snapshot() GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	status := GateStatus{Running: g.active}
	if !g.active {
		return status
	}
	status.RunID = g.runID
	status.Stage = g.stage
	started := g.started
	status.StartedAt = &started
	status.Done = make(map[string]int, len(g.done))
	status.Total = make(map[string]int, len(g.total))
	for k, v := range g.done {
		status.Done[k] = v
	}
	for k, v := range g.total {
		status.Total[k] = v
	}
	return status
}

// TriggerSyncHandler starts a reconciliation run in the background and
// returns its runId. A 409 means a run is already active.
func TriggerSyncHandler(gate *RunGate, db *mongo.Database, newSource func(context.Context) (Source, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := uuid.NewString()
		if !gate.tryAcquire(runID) {
			c.JSON(http.StatusConflict, gin.H{"error": "a sync run is already in progress"})
			return
		}

		correlationId, _ := utils.GetCorrelationIdFromContext(c)
		go executeRun(gate, db, newSource, runID, correlationId)

		c.JSON(http.StatusAccepted, gin.H{"runId": runID, "status": RunStatusRunning})
	}
}

func executeRun(gate *RunGate, db *mongo.Database, newSource func(context.Context) (Source, error), runID, correlationId string) {
	defer gate.release()
	logger := config.GetLogger()

	// The run outlives the triggering request; timebox it generously
	// instead of inheriting the request context.
	timeout := time.Duration(utils.IntFromEnv("SYNC_TIMEOUT_MINUTES", 120)) * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	ctx = utils.SetRunIdInContext(ctx, runID)

	var store Store
	var runStore *RunStore
	recordLog := RecordLogFunc(nil)
	if db != nil {
		store = NewMongoStore(db)
		runStore = NewRunStore(db)
		if err := runStore.Begin(ctx, runID); err != nil {
			config.LogError(logger, "kfsync", "executeRun", "begin run record", runID, err)
		}
		recordLog = func(line string) {
			if err := runStore.AppendLog(ctx, runID, line); err != nil {
				logger.WithFields(logrus.Fields{"runId": runID, "err": err.Error()}).Debug("Failed to append run log")
			}
		}
	}

	result, err := Run(ctx, store, newSource, Options{
		RunID:     runID,
		Progress:  gate,
		RecordLog: recordLog,
	})
	if runStore != nil {
		if ferr := runStore.Finish(ctx, runID, result, err); ferr != nil {
			config.LogError(logger, "kfsync", "executeRun", "finish run record", runID, ferr)
		}
	}
	if err != nil {
		config.LogError(logger, "kfsync", "executeRun", "sync run", runID, err)
	}
}

// SyncStatusHandler reports whether a run is active and its live progress.
func SyncStatusHandler(gate *RunGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gate.snapshot())
	}
}

// RunsListHandler returns recent run records, newest first.
func RunsListHandler(runStore *RunStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		records, err := runStore.List(c.Request.Context(), limit)
		if err != nil {
			config.LogError(config.GetLogger(), "kfsync", "RunsListHandler", "list runs", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": records})
	}
}

// RunGetHandler returns one run record including its persisted log.
func RunGetHandler(runStore *RunStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := runStore.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if err == mongo.ErrNoDocuments {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			config.LogError(config.GetLogger(), "kfsync", "RunGetHandler", "get run", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}
