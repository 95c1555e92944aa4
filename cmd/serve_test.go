package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-datastore/internal/monitoring"
	"github.com/sells-group/grant-datastore/internal/store/storetest"
)

func newTestRouter(t *testing.T) (*appEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	return env, buildRouter(env, monitoring.NewCollector(env.store))
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestBuildRouter_Health(t *testing.T) {
	_, h := newTestRouter(t)

	rr := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestBuildRouter_RollupWithoutSnapshot(t *testing.T) {
	_, h := newTestRouter(t)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/rollup/overview").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/rollup/overview?mode=bogus").Code)
}

func TestBuildRouter_PromoteAndRead(t *testing.T) {
	env, h := newTestRouter(t)
	storetest.Seed(t, env.store, time.Now(),
		storetest.File{Identifier: "a", Grants: 3},
		storetest.File{Identifier: "b", Grants: 2},
	)

	rr := do(t, h, http.MethodPost, "/promote")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/rollup/overview?mode=publishers")
	require.Equal(t, http.StatusOK, rr.Code)
	var overview map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &overview))
	assert.Equal(t, "publishers", overview["mode"])

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/rollup/publishers/360G-a").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/rollup/publishers/360G-zz").Code)

	rr = do(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	var status monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.True(t, status.HasCurrent)
	assert.Equal(t, int64(5), status.CurrentGrants)

	rr = do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `datastore_promotions_total{outcome="promoted"} 1`)
	assert.Contains(t, rr.Body.String(), `datastore_snapshot_grants{series="CURRENT"} 5`)
}

func TestBuildRouter_PromoteAborted(t *testing.T) {
	env, h := newTestRouter(t)
	storetest.Seed(t, env.store, time.Now(), storetest.File{Identifier: "a", Invalid: true, Grants: 3})

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/promote").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/promote?run=x").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/promote?run=404").Code)
}

func TestBuildRouter_Entities(t *testing.T) {
	ctx := context.Background()
	env, h := newTestRouter(t)
	r, _ := storetest.Seed(t, env.store, time.Now(), storetest.File{Identifier: "a", Payloads: []map[string]any{
		{"id": "g1", "currency": "GBP", "amountAwarded": 10,
			"recipientOrganization": []map[string]any{{"id": "GB-COH-1", "name": "One"}},
			"fundingOrganization":   []map[string]any{{"id": "GB-CHC-1", "name": "Funder"}}},
		{"id": "g2", "currency": "GBP", "amountAwarded": 20,
			"recipientOrganization": []map[string]any{{"id": "GB-COH-2", "name": "Two"}},
			"fundingOrganization":   []map[string]any{{"id": "GB-CHC-1", "name": "Funder"}}},
	}})
	_, err := env.promoter().Promote(ctx, r.ID)
	require.NoError(t, err)
	_, err = env.rebuilder().Rebuild(ctx)
	require.NoError(t, err)

	rr := do(t, h, http.MethodGet, "/entities/recipient")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))

	var ids []string
	sc := bufio.NewScanner(strings.NewReader(rr.Body.String()))
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		ids = append(ids, line["id"].(string))
	}
	assert.Equal(t, []string{"GB-COH-1", "GB-COH-2"}, ids)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/entities/donor").Code)
}

func TestBuildRouter_CORS(t *testing.T) {
	_, h := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://grantnav.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
