package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollector_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.MergeCommitted(120 * time.Millisecond)
	c.ItemsMerged("collections", 3)
	c.MergeAggregateFailed("experience")
	c.IdentityBound("google")
	c.Login("password")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	for _, metric := range []string{
		"accountd_merges_committed_total 1",
		`accountd_merge_items_total{aggregate="collections"} 3`,
		`accountd_merge_aggregate_failures_total{aggregate="experience"} 1`,
		`accountd_identity_binds_total{provider="google"} 1`,
		`accountd_logins_total{provider="password"} 1`,
	} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("metrics output should contain %q", metric)
		}
	}
}

func TestCollector_Reregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("registering the collector twice should panic")
		}
	}()
	NewCollector(reg)
}
