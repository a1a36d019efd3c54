package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jamie-anson/project-beacon-runner/internal/queue"
	"github.com/jamie-anson/project-beacon-runner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIndexerHealthz(t *testing.T) {
	a := NewIndexerAPI(nil, nil, nil, nil, nil)
	r := a.Router(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIndexerEventsRejectsUnregisteredToken(t *testing.T) {
	a := NewIndexerAPI(nil, nil, nil, nil, nil)
	r := a.Router(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/events?chain_id=1&token_address=0xdead", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIndexerEventsRequiresTokenAddress(t *testing.T) {
	a := NewIndexerAPI(nil, nil, nil, nil, nil)
	r := a.Router(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/events?chain_id=1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIndexerTreeIndexRejectsMalformedRoot(t *testing.T) {
	token := models.Token{ID: 1, ChainID: 1, TokenAddress: "0xdead", Label: "test"}
	a := NewIndexerAPI([]TokenResources{{Token: token}}, nil, nil, nil, nil)
	r := a.Router(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/tree-index?chain_id=1&token_address=0xdead&transfer_root=not-hex", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProverHealthz(t *testing.T) {
	a := NewProverAPI(nil, map[string]bool{"root": true}, time.Hour)
	r := a.Router(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProverRejectsDisabledCircuit(t *testing.T) {
	a := NewProverAPI(&queue.Client{}, map[string]bool{"root": true}, time.Hour)
	r := a.Router(time.Second)

	body, err := json.Marshal(submitJobRequest{JobID: "job-1", Circuit: "withdraw_global", IVCProofB64: "YWJj"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProverGetJobNilQueueIsRecovered(t *testing.T) {
	a := NewProverAPI(nil, nil, time.Hour)
	r := a.Router(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
