package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-av/sentinel/internal/observability/metrics"
)

// Each call gets its own registry, so concurrent construction must not
// collide on duplicate registration.
func TestNewMetricsConcurrency(t *testing.T) {
	t.Parallel()

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			m, err := NewMetrics()
			assert.NoError(t, err)
			if m != nil {
				assert.NotNil(t, m.Detector)
				assert.NotNil(t, m.Scanner)
				assert.NotNil(t, m.Quarantine)
			}
		})
	}
	wg.Wait()
}

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Detector.RecordVerdict("malicious", "hash_match", 0.002, false, false)
	m.Quarantine.RecordOperation(metrics.OpIsolate, metrics.StatusSuccess)
	m.Scanner.SetSignatureDatabase(7, 3)

	count, err := testutil.GatherAndCount(m.Registry(), "sentinel_detector_verdicts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(m.Registry(), "sentinel_quarantine_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsEndpointServesText(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)
	m.Scanner.SetSignatureDatabase(42, 10)
	m.Update.RecordOperation(metrics.OpUpdateApply, metrics.StatusError)

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sentinel_signature_version 42")
	assert.Contains(t, string(body), `sentinel_update_operations_total{operation="update_apply",status="error"} 1`)
}
