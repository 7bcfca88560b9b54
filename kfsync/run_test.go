package kfsync

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/mmdatafocus/kashflow_sync/kashflow"
)

// fakeSource serves canned payloads keyed the way the orchestrator asks
// for them: top-level lists by path, per-parent lists by path plus parent
// code, details by full path.
type fakeSource struct {
	mu          sync.Mutex
	lists       map[string][]kashflow.Record
	perParent   map[string][]kashflow.Record
	details     map[string]kashflow.Record
	detailErrs  map[string]error
	metadataErr error
	probed      bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		lists:      map[string][]kashflow.Record{},
		perParent:  map[string][]kashflow.Record{},
		details:    map[string]kashflow.Record{},
		detailErrs: map[string]error{},
	}
}

func (f *fakeSource) Metadata(context.Context) error { return f.metadataErr }

func (f *fakeSource) ListAll(_ context.Context, path string, params url.Values) ([]kashflow.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, parentParam := range []string{"customerCode", "supplierCode"} {
		if code := params.Get(parentParam); code != "" {
			return f.perParent[path+"|"+code], nil
		}
	}
	return f.lists[path], nil
}

func (f *fakeSource) ListPage(_ context.Context, path string, _ url.Values) ([]kashflow.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = true
	list := f.lists[path]
	if len(list) > 1 {
		list = list[:1]
	}
	return list, nil
}

func (f *fakeSource) Get(_ context.Context, path string) (kashflow.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.detailErrs[path]; err != nil {
		return nil, err
	}
	rec, ok := f.details[path]
	if !ok {
		return nil, &kashflow.APIError{StatusCode: 404}
	}
	// Copy so callers mutating the record (CIS stamping) don't alias.
	out := make(kashflow.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

func sourceOf(f *fakeSource) func(context.Context) (Source, error) {
	return func(context.Context) (Source, error) { return f, nil }
}

func runSync(t *testing.T, store Store, f *fakeSource) *Result {
	t.Helper()
	result, err := Run(context.Background(), store, sourceOf(f), Options{RunID: "run-test", Concurrency: 2, DetailConcurrency: 4})
	require.NoError(t, err)
	return result
}

func TestRunCleanInsert(t *testing.T) {
	f := newFakeSource()
	f.lists["/customers"] = []kashflow.Record{{"Id": float64(500), "Code": "ACME", "Name": "Acme Ltd"}}
	f.details["/customers/ACME"] = kashflow.Record{"Id": float64(500), "Code": "ACME", "Name": "Acme Ltd", "Email": "hq@acme.test"}

	store := newMemStore()
	result := runSync(t, store, f)

	assert.Equal(t, 1, result.Counts["customers"])
	col := store.collection("customers")
	assert.Equal(t, 1, col.count())
	doc := col.find("Id", float64(500))
	require.NotNil(t, doc)
	assert.Equal(t, "ACME", doc["Code"])
	assert.Equal(t, "hq@acme.test", doc["Email"], "detail-phase fields merged in")
	assert.NotEmpty(t, doc["uuid"])
	assert.NotNil(t, doc["createdAt"])
	assert.Equal(t, "run-test", doc["createdByRunId"])

	stats := result.Mongo["customers"]
	assert.Equal(t, 2, stats.AttemptedOps, "list phase plus detail phase")
	assert.Equal(t, 1, stats.Upserted)
	assert.Equal(t, 1, stats.Matched)
	require.Len(t, result.MongoUpserts["customers"].Filters, 1)
}

func TestRunIdempotentIdentity(t *testing.T) {
	f := newFakeSource()
	f.lists["/customers"] = []kashflow.Record{{"Id": float64(1), "Code": "C1", "Name": "One"}}
	f.details["/customers/C1"] = kashflow.Record{"Id": float64(1), "Code": "C1", "Name": "One"}

	store := newMemStore()
	runSync(t, store, f)

	col := store.collection("customers")
	doc := col.find("Id", float64(1))
	require.NotNil(t, doc)
	firstUUID := doc["uuid"]
	firstCreated := doc["createdAt"]
	firstRun := doc["createdByRunId"]

	runSync(t, store, f)
	assert.Equal(t, 1, col.count(), "second run matches, never duplicates")
	doc = col.find("Id", float64(1))
	assert.Equal(t, firstUUID, doc["uuid"])
	assert.Equal(t, firstCreated, doc["createdAt"])
	assert.Equal(t, firstRun, doc["createdByRunId"])
}

func TestRunProtectedFieldIsolation(t *testing.T) {
	f := newFakeSource()
	f.lists["/suppliers"] = []kashflow.Record{{"Id": float64(9), "Code": "SUB", "Name": "Sub Ltd", "CISRate": 20}}
	f.details["/suppliers/SUB"] = kashflow.Record{"Id": float64(9), "Code": "SUB", "Name": "Sub Ltd", "CISRate": 20}

	store := newMemStore()
	runSync(t, store, f)

	col := store.collection("suppliers")
	doc := col.find("Id", float64(9))
	require.NotNil(t, doc)
	_, present := doc["CISRate"]
	assert.False(t, present, "source CIS fields never written")

	// Downstream sets the protected field between runs.
	doc["CISRate"] = 30
	doc["Subcontractor"] = true

	runSync(t, store, f)
	doc = col.find("Id", float64(9))
	assert.Equal(t, 30, doc["CISRate"], "downstream value survives resync")
	assert.Equal(t, true, doc["Subcontractor"])
}

func TestRunInvoiceDetailFailureTolerance(t *testing.T) {
	f := newFakeSource()
	f.lists["/customers"] = []kashflow.Record{{"Id": float64(1), "Code": "ACME", "Name": "Acme Ltd"}}
	f.details["/customers/ACME"] = kashflow.Record{"Id": float64(1), "Code": "ACME"}

	var invoices []kashflow.Record
	for i := 1; i <= 50; i++ {
		invoices = append(invoices, kashflow.Record{"Id": float64(i), "Number": float64(i), "Amount": float64(i * 10)})
		if i == 13 {
			f.detailErrs[fmt.Sprintf("/invoices/%v", float64(i))] = &kashflow.APIError{StatusCode: 500, Message: "upstream error"}
			continue
		}
		f.details[fmt.Sprintf("/invoices/%v", float64(i))] = kashflow.Record{
			"Id": float64(i), "Number": float64(i), "Amount": float64(i * 10), "Lines": []any{"detail"},
		}
	}
	f.perParent["/invoices|ACME"] = invoices

	store := newMemStore()
	result := runSync(t, store, f)

	assert.Equal(t, 50, result.Counts["invoices"], "count comes from the list phase")
	assert.Equal(t, 1, result.DetailErrors["invoices"])

	col := store.collection("invoices")
	assert.Equal(t, 50, col.count())
	failed := col.find("Id", float64(13))
	require.NotNil(t, failed)
	_, hasDetail := failed["Lines"]
	assert.False(t, hasDetail, "failed detail keeps list-phase shape")
	ok := col.find("Id", float64(14))
	require.NotNil(t, ok)
	assert.Contains(t, ok, "Lines")
}

func TestRunPurchaseCISPeriodStamped(t *testing.T) {
	f := newFakeSource()
	f.lists["/suppliers"] = []kashflow.Record{{"Id": float64(2), "Code": "S1"}}
	f.details["/suppliers/S1"] = kashflow.Record{"Id": float64(2), "Code": "S1"}
	f.perParent["/purchases|S1"] = []kashflow.Record{{"Id": float64(70), "Number": float64(70)}}
	f.details["/purchases/70"] = kashflow.Record{
		"Id": float64(70), "Number": float64(70),
		"PaymentLines": []any{map[string]any{"PayDate": "2024-04-05"}},
	}

	store := newMemStore()
	runSync(t, store, f)

	doc := store.collection("purchases").find("Id", float64(70))
	require.NotNil(t, doc)
	assert.Equal(t, 2023, doc["TaxYear"])
	assert.Equal(t, 12, doc["TaxMonth"])
}

func TestRunProbeFallbackOnMissingMetadata(t *testing.T) {
	f := newFakeSource()
	f.metadataErr = &kashflow.APIError{StatusCode: 404}
	f.lists["/customers"] = []kashflow.Record{{"Id": float64(1), "Code": "C1"}}
	f.details["/customers/C1"] = kashflow.Record{"Id": float64(1), "Code": "C1"}

	runSync(t, newMemStore(), f)
	assert.True(t, f.probed)
}

func TestRunFatalOnAuthFailure(t *testing.T) {
	_, err := Run(context.Background(), newMemStore(), func(context.Context) (Source, error) {
		return nil, fmt.Errorf("bad credentials")
	}, Options{Concurrency: 1, DetailConcurrency: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kashflow auth")
}

func TestRunFatalOnConnectivityFailure(t *testing.T) {
	f := newFakeSource()
	f.metadataErr = &kashflow.APIError{StatusCode: 401, Message: "PasswordExpired"}
	_, err := Run(context.Background(), nil, sourceOf(f), Options{Concurrency: 1, DetailConcurrency: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connectivity check")
}

func TestRunFetchOnlyMode(t *testing.T) {
	f := newFakeSource()
	f.lists["/customers"] = []kashflow.Record{{"Id": float64(1), "Code": "C1"}}
	f.lists["/nominals"] = []kashflow.Record{{"Id": float64(5), "Code": "4000"}}
	f.perParent["/invoices|C1"] = []kashflow.Record{{"Id": float64(10), "Number": float64(10)}}

	result, err := Run(context.Background(), nil, sourceOf(f), Options{Concurrency: 1, DetailConcurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Counts["customers"])
	assert.Equal(t, 1, result.Counts["nominals"])
	assert.Equal(t, 1, result.Counts["invoices"])
	assert.Empty(t, result.Mongo)
}

func TestRunSkipsMissingIdentity(t *testing.T) {
	f := newFakeSource()
	f.lists["/customers"] = []kashflow.Record{
		{"Id": float64(1), "Code": "C1"},
		{"Code": "NOID", "Name": "No Id"},
	}
	f.details["/customers/C1"] = kashflow.Record{"Id": float64(1), "Code": "C1"}
	f.details["/customers/NOID"] = kashflow.Record{"Code": "NOID", "Name": "No Id"}

	store := newMemStore()
	result := runSync(t, store, f)

	// Skipped in the list upsert and again in the detail pass.
	assert.Equal(t, 2, result.SkippedNoKey["customers"])
	assert.Equal(t, 1, store.collection("customers").count())
}
