package kfsync

// Sync stage names, in execution order. Each is both a progress checkpoint
// and the stage label stamped onto run log lines.
const (
	StageAuth          = "kashflow:auth"
	StageMetadata      = "kashflow:metadata"
	StageProbe         = "kashflow:probe"
	StageFetchLists    = "fetch:lists"
	StageUpsertLists   = "upsert:lists"
	StageCustomerDet   = "customers:details"
	StageSupplierDet   = "suppliers:details"
	StageProjectDet    = "projects:details"
	StageInvoiceLists  = "invoices:per-customer"
	StageInvoiceDet    = "invoices:details"
	StageQuoteLists    = "quotes:per-customer"
	StageQuoteDet      = "quotes:details"
	StagePurchaseLists = "purchases:per-supplier"
	StagePurchaseDet   = "purchases:details"
	StageFinalising    = "finalising"
)

// Stats aggregates the outcome of every bulk batch flushed by one writer.
// Affected counts both freshly inserted documents and updates that matched
// an existing one.
type Stats struct {
	AttemptedOps int `json:"attemptedOps" bson:"attemptedOps"`
	Affected     int `json:"affected" bson:"affected"`
	Upserted     int `json:"upserted" bson:"upserted"`
	Matched      int `json:"matched" bson:"matched"`
	Modified     int `json:"modified" bson:"modified"`
}

func (s *Stats) add(other Stats) {
	s.AttemptedOps += other.AttemptedOps
	s.Affected += other.Affected
	s.Upserted += other.Upserted
	s.Matched += other.Matched
	s.Modified += other.Modified
}

// CapturedUpserts holds the match filters of documents a writer inserted,
// capped to keep memory bounded on very large first-time syncs.
type CapturedUpserts struct {
	Filters   []map[string]any `json:"filters" bson:"filters"`
	Truncated bool             `json:"truncated" bson:"truncated"`
}

// Result is the summary a completed reconciliation returns.
type Result struct {
	Counts       map[string]int             `json:"counts" bson:"counts"`
	Mongo        map[string]Stats           `json:"mongo" bson:"mongo"`
	MongoUpserts map[string]CapturedUpserts `json:"mongoUpserts" bson:"mongoUpserts"`
	SkippedNoKey map[string]int             `json:"skippedNoKey,omitempty" bson:"skippedNoKey,omitempty"`
	DetailErrors map[string]int             `json:"detailErrors,omitempty" bson:"detailErrors,omitempty"`
}

// ProgressSink receives stage transitions and per-item fan-out progress.
// Implementations must be safe for concurrent use; the detail fan-outs
// report from multiple workers.
type ProgressSink interface {
	Stage(stage string)
	Progress(stage string, done, total int)
}

// RecordLogFunc appends one human-readable line to the run's persisted log.
type RecordLogFunc func(line string)

type nopSink struct{}

func (nopSink) Stage(string)             {}
func (nopSink) Progress(string, int, int) {}
