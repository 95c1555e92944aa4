package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_PromotionFinished(t *testing.T) {
	m := NewMetrics()
	m.PromotionFinished("promoted", 8, 1, 250*time.Millisecond)
	m.PromotionFinished("aborted", 0, 0, time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `datastore_promotions_total{outcome="promoted"} 1`)
	assert.Contains(t, body, `datastore_promotions_total{outcome="aborted"} 1`)
	assert.Contains(t, body, `datastore_promotion_dropped_files_total 1`)
	assert.Contains(t, body, `datastore_snapshot_grants{series="CURRENT"} 8`)
	assert.Contains(t, body, `datastore_promotion_duration_seconds_count 2`)
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics()
	m.Observe(&MetricsSnapshot{
		Runs:           3,
		IneligibleRate: 0.25,
		CurrentGrants:  10,
		PreviousGrants: 12,
		Funders:        4,
		Recipients:     9,
	})

	body := scrape(t, m)
	assert.Contains(t, body, `datastore_ingest_runs 3`)
	assert.Contains(t, body, `datastore_latest_run_ineligible_ratio 0.25`)
	assert.Contains(t, body, `datastore_snapshot_grants{series="PREVIOUS"} 12`)
	assert.Contains(t, body, `datastore_entities{kind="funder"} 4`)
	assert.Contains(t, body, `datastore_entities{kind="recipient"} 9`)
}
