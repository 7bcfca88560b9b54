package kfsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerSyncRejectsConcurrentRun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gate := NewRunGate()
	block := make(chan struct{})
	newSource := func(context.Context) (Source, error) {
		<-block
		return nil, errors.New("stopped")
	}

	router := gin.New()
	router.POST("/api/sync/run", TriggerSyncHandler(gate, nil, newSource))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sync/run", nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["runId"])
	assert.Equal(t, RunStatusRunning, body["status"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sync/run", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	close(block)
	assert.Eventually(t, func() bool { return !gate.Active() }, 2*time.Second, 10*time.Millisecond)

	// Gate is free again once the run ends.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sync/run", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Eventually(t, func() bool { return !gate.Active() }, 2*time.Second, 10*time.Millisecond)
}

func TestSyncStatusSnapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gate := NewRunGate()
	router := gin.New()
	router.GET("/api/sync/status", SyncStatusHandler(gate))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var idle GateStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &idle))
	assert.False(t, idle.Running)
	assert.Empty(t, idle.Stage)

	require.True(t, gate.tryAcquire("run-1"))
	gate.Stage(StageInvoiceDet)
	gate.Progress(StageInvoiceDet, 25, 100)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	var active GateStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.True(t, active.Running)
	assert.Equal(t, "run-1", active.RunID)
	assert.Equal(t, StageInvoiceDet, active.Stage)
	assert.Equal(t, 25, active.Done[StageInvoiceDet])
	assert.Equal(t, 100, active.Total[StageInvoiceDet])
}
