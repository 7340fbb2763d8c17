package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/site-agent/internal/model"
)

func noHealth() map[string]bool { return nil }

func TestServer_HealthReportsHealthy(t *testing.T) {
	s := New("order_process", func() []model.Offering { return nil }, noHealth)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.NotEmpty(t, status.Timestamp)
}

func TestServer_OfferingsReflectsLiveConfig(t *testing.T) {
	offerings := []model.Offering{
		{UUID: "offering-1", Name: "First", BackendType: "slurm"},
	}
	health := func() map[string]bool { return map[string]bool{"First": false} }
	s := New("report", func() []model.Offering { return offerings }, health)

	req := httptest.NewRequest(http.MethodGet, "/debug/offerings", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []OfferingStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "offering-1", statuses[0].UUID)
	assert.Equal(t, "report", statuses[0].Mode)
	assert.False(t, statuses[0].Reachable)

	// A later call must re-invoke offeringsFn rather than cache the first result.
	offerings = append(offerings, model.Offering{UUID: "offering-2", Name: "Second"})
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	var statuses2 []OfferingStatus
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &statuses2))
	assert.Len(t, statuses2, 2)
}

func TestServer_MetricsIsServed(t *testing.T) {
	s := New("order_process", func() []model.Offering { return nil }, noHealth)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
