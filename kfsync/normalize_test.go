package kfsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"bitbucket.org/mmdatafocus/kashflow_sync/kashflow"
)

func asUpdateOne(t *testing.T, m mongo.WriteModel) *mongo.UpdateOneModel {
	t.Helper()
	model, ok := m.(*mongo.UpdateOneModel)
	require.True(t, ok)
	return model
}

func updateParts(t *testing.T, m mongo.WriteModel) (filter, set, setOnInsert, unset bson.M) {
	t.Helper()
	model := asUpdateOne(t, m)
	filter = model.Filter.(bson.M)
	update := model.Update.(bson.M)
	set = update["$set"].(bson.M)
	setOnInsert = update["$setOnInsert"].(bson.M)
	unset = update["$unset"].(bson.M)
	return
}

func TestNewUpsertShapesWrite(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := kashflow.Record{
		"Id":   float64(500),
		"Code": "ACME",
		"Name": "Acme Ltd",
	}

	filter, set, setOnInsert, unset := updateParts(t, newUpsert("Id", float64(500), raw, now, "run-1", nil))

	assert.Equal(t, bson.M{"Id": float64(500)}, filter)
	assert.Equal(t, "ACME", set["Code"])
	assert.Equal(t, "Acme Ltd", set["Name"])
	assert.Equal(t, float64(500), set["Id"])
	assert.Equal(t, now, set["syncedAt"])

	assert.NotEmpty(t, setOnInsert["uuid"])
	assert.Equal(t, now, setOnInsert["createdAt"])
	assert.Equal(t, "run-1", setOnInsert["createdByRunId"])
	assert.Equal(t, bson.M{"data": ""}, unset)
}

func TestNewUpsertStripsSystemAndUnsafeFields(t *testing.T) {
	now := time.Now()
	raw := kashflow.Record{
		"Id":             float64(1),
		"_id":            "oid",
		"uuid":           "stolen",
		"syncedAt":       "old",
		"createdAt":      "old",
		"createdByRunId": "old",
		"$where":         "1==1",
		"a.b":            "dotted",
		"nul\x00led":     "x",
		"Name":           "ok",
	}

	_, set, setOnInsert, _ := updateParts(t, newUpsert("Id", float64(1), raw, now, "", nil))

	assert.Equal(t, "ok", set["Name"])
	for _, k := range []string{"_id", "uuid", "createdAt", "createdByRunId", "$where", "a.b", "nul\x00led"} {
		_, present := set[k]
		assert.False(t, present, "field %q must not be set", k)
	}
	// syncedAt is stamped fresh, never copied.
	assert.Equal(t, now, set["syncedAt"])
	_, hasRunID := setOnInsert["createdByRunId"]
	assert.False(t, hasRunID)
}

func TestNewUpsertExcludesProtectedFields(t *testing.T) {
	raw := kashflow.Record{
		"Id":              float64(9),
		"Name":            "Sub Ltd",
		"Subcontractor":   true,
		"IsSubcontractor": true,
		"CISRate":         30,
		"CISNumber":       "C123",
	}

	_, set, _, _ := updateParts(t, newUpsert("Id", float64(9), raw, time.Now(), "", SupplierProtectedFields))

	assert.Equal(t, "Sub Ltd", set["Name"])
	for _, k := range SupplierProtectedFields {
		_, present := set[k]
		assert.False(t, present, "protected field %q must not be set", k)
	}
}

func TestUnwrapEnvelopeRootIdentityWins(t *testing.T) {
	raw := kashflow.Record{
		"Code": "ROOT",
		"data": map[string]any{
			"Code": "NESTED",
			"Name": "Inner Ltd",
		},
	}
	out := unwrapEnvelope(raw)
	assert.Equal(t, "ROOT", out["Code"])
	assert.Equal(t, "Inner Ltd", out["Name"])
	_, hasData := out["data"]
	assert.False(t, hasData)
}

func TestUnwrapEnvelopeFlatPassthrough(t *testing.T) {
	raw := kashflow.Record{"Id": 1, "Name": "Flat"}
	assert.Equal(t, raw, unwrapEnvelope(raw))
}

func TestKeyPickers(t *testing.T) {
	assert.Equal(t, float64(5), pickId(kashflow.Record{"Id": float64(5)}))
	assert.Equal(t, float64(6), pickId(kashflow.Record{"id": float64(6)}))
	assert.Nil(t, pickId(kashflow.Record{"Id": nil}))

	assert.Equal(t, "C1", pickCode(kashflow.Record{"Code": "C1"}))
	assert.Equal(t, "C2", pickCode(kashflow.Record{"CustomerCode": "C2"}))
	assert.Nil(t, pickCode(kashflow.Record{"Code": "   "}))

	assert.Equal(t, float64(42), pickNumber(kashflow.Record{"Number": float64(42)}))
}

func TestIsMissingKey(t *testing.T) {
	assert.True(t, isMissingKey(nil))
	assert.True(t, isMissingKey(""))
	assert.True(t, isMissingKey("  \t"))
	assert.False(t, isMissingKey(float64(0)))
	assert.False(t, isMissingKey("X"))
}
