package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/httpclient"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
	"github.com/sentinel-av/sentinel/internal/signature/signaturetest"
	"github.com/sentinel-av/sentinel/internal/update"
)

func newClientFixture(t *testing.T, token string) (fixture, *Client) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Token = token
	f := newFixture(t, cfg)
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL, token, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return f, c
}

func TestClientStatusAndSessions(t *testing.T) {
	t.Parallel()
	_, c := newClientFixture(t, "")

	status, err := c.Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HealthHealthy, status.Health.Level)
	assert.Equal(t, uint64(7), status.DatabaseVersion)
	assert.Equal(t, 1, status.Quarantine[quarantine.StatusActive])

	res, err := c.Resources(t.Context())
	require.NoError(t, err)
	assert.True(t, res.Throttled)
	assert.InDelta(t, 12.5, res.Usage.CPUPercent, 0.001)

	session, err := c.Session(t.Context(), "done")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateCompleted, session.State)
	assert.Equal(t, orchestrator.KindManual, session.Kind)

	_, err = c.Session(t.Context(), "missing")
	var apiErr *httpclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientScanLifecycle(t *testing.T) {
	t.Parallel()
	f, c := newClientFixture(t, "")

	session, err := c.StartScan(t.Context(), []string{"/srv"}, orchestrator.KindScheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateRunning, session.State)
	f.scanner.mu.Lock()
	assert.Equal(t, orchestrator.KindScheduled, f.scanner.lastKind)
	f.scanner.mu.Unlock()

	cancelled, err := c.Cancel(t.Context(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateAborted, cancelled.State)

	_, err = c.Cancel(t.Context(), "done")
	var apiErr *httpclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	sessions, err := c.Sessions(t.Context())
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestClientQuarantine(t *testing.T) {
	t.Parallel()
	_, c := newClientFixture(t, "")

	active := quarantine.StatusActive
	records, err := c.Quarantine(t.Context(), quarantine.Filter{Status: &active, Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/tmp/eicar", records[0].OriginalPath)

	rec, err := c.Restore(t.Context(), "q1", quarantine.RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, quarantine.StatusRestored, rec.Status)

	_, err = c.Restore(t.Context(), "q1", quarantine.RestoreOptions{Path: "/occupied"})
	var apiErr *httpclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	rec, err = c.Purge(t.Context(), "q1")
	require.NoError(t, err)
	assert.Equal(t, quarantine.StatusDeleted, rec.Status)
}

func TestClientApplyUpdate(t *testing.T) {
	t.Parallel()
	_, c := newClientFixture(t, "")

	pkg, err := update.BuildFull(signaturetest.Key(t), signaturetest.Database(t, 2, signaturetest.EICARRecord()))
	require.NoError(t, err)
	data, err := update.Encode(pkg)
	require.NoError(t, err)

	resp, err := c.ApplyUpdate(t.Context(), strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.Version)
	assert.Equal(t, "full", resp.Kind)
}

func TestClientThreatHistory(t *testing.T) {
	t.Parallel()
	_, c := newClientFixture(t, "")

	events, err := c.Threats(t.Context(), datastore.Filter{Action: "quarantined", Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "quarantined", events[0].Action)

	stats, err := c.Statistics(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEvents)
}

func TestClientSendsToken(t *testing.T) {
	t.Parallel()
	f, c := newClientFixture(t, "s3cret")

	_, err := c.Status(t.Context())
	require.NoError(t, err)

	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)
	wrong, err := NewClient(ts.URL, "nope", time.Second)
	require.NoError(t, err)
	t.Cleanup(wrong.Close)

	_, err = wrong.Status(t.Context())
	var apiErr *httpclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
