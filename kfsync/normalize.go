package kfsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"bitbucket.org/mmdatafocus/kashflow_sync/kashflow"
)

// Fields the sync owns or that must never be copied from a source payload.
var systemFields = map[string]bool{
	"_id":            true,
	"data":           true,
	"uuid":           true,
	"syncedAt":       true,
	"createdAt":      true,
	"createdByRunId": true,
}

// SupplierProtectedFields are owned by the downstream CIS processing
// system. Reconciliation must never overwrite them, whatever the source
// payload says.
var SupplierProtectedFields = []string{
	"Subcontractor",
	"IsSubcontractor",
	"CISRate",
	"CISNumber",
}

// unwrapEnvelope flattens a legacy envelope document ({data: {...}}) into a
// single level. Identity fields present at the envelope root win over the
// nested copy so a historically assigned key is never lost.
func unwrapEnvelope(raw kashflow.Record) kashflow.Record {
	inner, ok := raw["data"].(map[string]any)
	if !ok {
		return raw
	}
	out := make(kashflow.Record, len(inner)+len(raw))
	for k, v := range inner {
		out[k] = v
	}
	for k, v := range raw {
		if k == "data" {
			continue
		}
		out[k] = v
	}
	return out
}

// safeFieldName rejects names the store would interpret as operator or
// path syntax.
func safeFieldName(name string) bool {
	if name == "" || strings.HasPrefix(name, "$") {
		return false
	}
	return !strings.ContainsAny(name, ".\x00")
}

// newUpsert shapes one reconciliation write: every non-system,
// non-protected source field is re-set, the identity key and syncedAt are
// stamped, and uuid/createdAt/createdByRunId are applied only when the
// upsert inserts. Legacy envelope residue is unset on every touch.
func newUpsert(keyField string, keyValue any, raw kashflow.Record, syncedAt time.Time, runID string, protected []string) mongo.WriteModel {
	payload := unwrapEnvelope(raw)

	protectedSet := make(map[string]bool, len(protected))
	for _, name := range protected {
		protectedSet[name] = true
	}

	set := bson.M{}
	for k, v := range payload {
		if systemFields[k] || protectedSet[k] || !safeFieldName(k) {
			continue
		}
		set[k] = v
	}
	set[keyField] = keyValue
	set["syncedAt"] = syncedAt

	setOnInsert := bson.M{
		"uuid":      uuid.NewString(),
		"createdAt": syncedAt,
	}
	if runID != "" {
		setOnInsert["createdByRunId"] = runID
	}

	return mongo.NewUpdateOneModel().
		SetFilter(bson.M{keyField: keyValue}).
		SetUpdate(bson.M{
			"$set":         set,
			"$setOnInsert": setOnInsert,
			"$unset":       bson.M{"data": ""},
		}).
		SetUpsert(true)
}

// pickId returns the numeric source identifier under either casing.
func pickId(rec kashflow.Record) any {
	return firstPresent(rec, "Id", "id")
}

func pickCode(rec kashflow.Record) any {
	return firstPresent(rec, "Code", "code", "CustomerCode", "SupplierCode")
}

func pickNumber(rec kashflow.Record) any {
	return firstPresent(rec, "Number", "number")
}

func firstPresent(rec kashflow.Record, keys ...string) any {
	for _, k := range keys {
		if v, ok := rec[k]; ok && !isMissingKey(v) {
			return v
		}
	}
	return nil
}

// isMissingKey reports whether a candidate identity value is unusable:
// absent, nil, or a blank string.
func isMissingKey(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
