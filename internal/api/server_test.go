package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/monitor"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
	"github.com/sentinel-av/sentinel/internal/signature/signaturetest"
	"github.com/sentinel-av/sentinel/internal/update"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

type fakeScanner struct {
	mu        sync.Mutex
	health    orchestrator.Health
	sessions  map[string]orchestrator.Session
	lastKind  orchestrator.Kind
	lastRoots []string
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		health: orchestrator.Health{Level: orchestrator.HealthHealthy},
		sessions: map[string]orchestrator.Session{
			"done": {ID: "done", Kind: orchestrator.KindManual, State: orchestrator.StateCompleted},
		},
	}
}

func (f *fakeScanner) Health() orchestrator.Health { return f.health }

func (f *fakeScanner) Resources() (monitor.Usage, bool) {
	return monitor.Usage{CPUPercent: 12.5, ProcessRSSMB: 40}, true
}

func (f *fakeScanner) Sessions() []orchestrator.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]orchestrator.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeScanner) Session(id string) (orchestrator.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return orchestrator.Session{}, orchestrator.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeScanner) StartScan(_ context.Context, roots []string, kind orchestrator.Kind) (orchestrator.Session, error) {
	if len(roots) == 0 {
		return orchestrator.Session{}, orchestrator.ErrNoRoots
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKind, f.lastRoots = kind, roots
	s := orchestrator.Session{ID: "new", Kind: kind, State: orchestrator.StateRunning, Roots: roots}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeScanner) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	switch {
	case !ok:
		return orchestrator.ErrSessionNotFound
	case s.State == orchestrator.StateCompleted:
		return orchestrator.ErrSessionFinished
	}
	s.State = orchestrator.StateAborted
	f.sessions[id] = s
	return nil
}

type fakeVault struct {
	records []quarantine.Record
	filter  quarantine.Filter
}

func (v *fakeVault) History(f quarantine.Filter) []quarantine.Record {
	v.filter = f
	return v.records
}

func (v *fakeVault) Restore(_ context.Context, id string, opts quarantine.RestoreOptions) (quarantine.Record, error) {
	if id != "q1" {
		return quarantine.Record{}, quarantine.ErrNotFound
	}
	if opts.Path == "/occupied" && !opts.Overwrite {
		return quarantine.Record{}, quarantine.ErrPathConflict
	}
	return quarantine.Record{ID: id, Status: quarantine.StatusRestored}, nil
}

func (v *fakeVault) Purge(_ context.Context, id string) (quarantine.Record, error) {
	if id != "q1" {
		return quarantine.Record{}, quarantine.ErrNotFound
	}
	return quarantine.Record{ID: id, Status: quarantine.StatusDeleted}, nil
}

func (v *fakeVault) Counts() map[quarantine.Status]int {
	return map[quarantine.Status]int{quarantine.StatusActive: len(v.records)}
}

type fakeUpdater struct{ active uint64 }

func (u *fakeUpdater) Submit(_ context.Context, pkg *update.Package) (uint64, bool, error) {
	if pkg.Version <= u.active {
		return u.active, false, errors.New(update.ErrNotNewer).Component("update").Build()
	}
	if pkg.IsDelta() && *pkg.BaseVersion != u.active {
		return u.active, true, errors.New(update.ErrStaleBase).Component("update").Build()
	}
	u.active = pkg.Version
	return pkg.Version, false, nil
}

type fakeHistory struct {
	mu         sync.Mutex
	statsCalls int
}

func (h *fakeHistory) ThreatEvents(_ context.Context, f datastore.Filter) ([]datastore.ThreatEvent, error) {
	if f.Limit < 0 {
		return nil, errors.Newf("bad limit").Category(errors.CategoryValidation).Build()
	}
	return []datastore.ThreatEvent{{ID: 1, FilePath: "/x", Action: f.Action}}, nil
}

func (h *fakeHistory) Statistics(context.Context) (datastore.Statistics, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statsCalls++
	return datastore.Statistics{TotalEvents: 3}, nil
}

type versionInfo uint64

func (v versionInfo) DatabaseVersion() uint64 { return uint64(v) }

type fixture struct {
	srv     *Server
	scanner *fakeScanner
	vault   *fakeVault
	history *fakeHistory
}

func newFixture(t *testing.T, cfg *Config) fixture {
	t.Helper()
	f := fixture{
		scanner: newFakeScanner(),
		vault:   &fakeVault{records: []quarantine.Record{{ID: "q1", OriginalPath: "/tmp/eicar"}}},
		history: &fakeHistory{},
	}
	srv, err := New(cfg, f.scanner,
		WithVault(f.vault),
		WithUpdater(&fakeUpdater{active: 1}),
		WithHistory(f.history),
		WithDatabaseInfo(versionInfo(7)),
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "sentinel_up 1\n")
		})))
	require.NoError(t, err)
	f.srv = srv
	return f
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		wantCode int
		contains string
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK, `"status":"healthy"`},
		{"status", http.MethodGet, "/api/v1/status", "", http.StatusOK, `"database_version":7`},
		{"resources", http.MethodGet, "/api/v1/resources", "", http.StatusOK, `"throttled":true`},
		{"session", http.MethodGet, "/api/v1/sessions/done", "", http.StatusOK, `"state":"completed"`},
		{"unknown session", http.MethodGet, "/api/v1/sessions/missing", "", http.StatusNotFound, `"correlation_id"`},
		{"cancel finished", http.MethodDelete, "/api/v1/sessions/done", "", http.StatusConflict, "already finished"},
		{"scan without roots", http.MethodPost, "/api/v1/scans", `{"roots":[]}`, http.StatusBadRequest, "no scan roots"},
		{"scan bad kind", http.MethodPost, "/api/v1/scans", `{"roots":["/"],"kind":"weekly"}`, http.StatusBadRequest, "unknown session kind"},
		{"scan bad json", http.MethodPost, "/api/v1/scans", `{`, http.StatusBadRequest, "invalid scan request"},
		{"quarantine list", http.MethodGet, "/api/v1/quarantine?status=active", "", http.StatusOK, `"id":"q1"`},
		{"quarantine bad status", http.MethodGet, "/api/v1/quarantine?status=lost", "", http.StatusBadRequest, "unknown quarantine status"},
		{"quarantine bad since", http.MethodGet, "/api/v1/quarantine?since=yesterday", "", http.StatusBadRequest, "invalid since"},
		{"restore", http.MethodPost, "/api/v1/quarantine/q1/restore", "", http.StatusOK, `"status":"restored"`},
		{"restore conflict", http.MethodPost, "/api/v1/quarantine/q1/restore", `{"path":"/occupied"}`, http.StatusConflict, "occupied"},
		{"restore overwrite", http.MethodPost, "/api/v1/quarantine/q1/restore", `{"path":"/occupied","overwrite":true}`, http.StatusOK, `"restored"`},
		{"restore unknown", http.MethodPost, "/api/v1/quarantine/nope/restore", "", http.StatusNotFound, "not found"},
		{"purge", http.MethodPost, "/api/v1/quarantine/q1/purge", "", http.StatusOK, `"status":"deleted"`},
		{"threats", http.MethodGet, "/api/v1/threats?action=quarantined", "", http.StatusOK, `"action":"quarantined"`},
		{"threats bad limit", http.MethodGet, "/api/v1/threats?limit=ten", "", http.StatusBadRequest, "invalid limit"},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK, "sentinel_up 1"},
		{"no route", http.MethodGet, "/api/v1/nothing", "", http.StatusNotFound, `"code":404`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			rec := do(t, f.srv.Handler(), tt.method, tt.target, body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestStartScanDefaultsToManual(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := do(t, f.srv.Handler(), http.MethodPost, "/api/v1/scans", strings.NewReader(`{"roots":["/home"]}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "manual", got["kind"])
	assert.Equal(t, orchestrator.KindManual, f.scanner.lastKind)
	assert.Equal(t, []string{"/home"}, f.scanner.lastRoots)

	rec = do(t, f.srv.Handler(), http.MethodDelete, "/api/v1/sessions/new", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"aborted"`)
}

func TestQuarantineFilterFromQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := do(t, f.srv.Handler(), http.MethodGet,
		"/api/v1/quarantine?status=restored&path=/home&threat=EICAR&since=2025-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, f.vault.filter.Status)
	assert.Equal(t, quarantine.StatusRestored, *f.vault.filter.Status)
	assert.Equal(t, "/home", f.vault.filter.PathPrefix)
	assert.Equal(t, "EICAR", f.vault.filter.ThreatName)
	assert.True(t, f.vault.filter.Since.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestApplyUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	pkg, err := update.BuildFull(signaturetest.Key(t), signaturetest.Database(t, 2, signaturetest.EICARRecord()))
	require.NoError(t, err)
	data, err := update.Encode(pkg)
	require.NoError(t, err)

	rec := do(t, f.srv.Handler(), http.MethodPost, "/api/v1/updates", bytes.NewReader(data))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"version":2,"kind":"full"}`, rec.Body.String())

	rec = do(t, f.srv.Handler(), http.MethodPost, "/api/v1/updates", bytes.NewReader(data))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, f.srv.Handler(), http.MethodPost, "/api/v1/updates", strings.NewReader(`{"version":3}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	delta, err := update.BuildDelta(signaturetest.Key(t),
		signaturetest.Database(t, 3, signaturetest.EICARRecord()),
		signaturetest.Database(t, 4, signaturetest.EICARRecord()))
	require.NoError(t, err)
	data, err = update.Encode(delta)
	require.NoError(t, err)
	rec = do(t, f.srv.Handler(), http.MethodPost, "/api/v1/updates", bytes.NewReader(data))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp UpdateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Retrying)
	assert.Equal(t, uint64(2), resp.Version)
	assert.Equal(t, "delta", resp.Kind)
	assert.NotEmpty(t, resp.Error)
}

func TestStatisticsAreCached(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for range 3 {
		rec := do(t, f.srv.Handler(), http.MethodGet, "/api/v1/threats/statistics", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"totalEvents":3`)
	}
	f.history.mu.Lock()
	defer f.history.mu.Unlock()
	assert.Equal(t, 1, f.history.statsCalls)
}

func TestOptionalComponentsAnswerUnavailable(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, newFakeScanner())
	require.NoError(t, err)

	for _, target := range []string{"/api/v1/quarantine", "/api/v1/threats", "/api/v1/threats/statistics"} {
		rec := do(t, srv.Handler(), http.MethodGet, target, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCriticalHealthFailsHealthCheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.scanner.health = orchestrator.Health{Level: orchestrator.HealthCritical}

	rec := do(t, f.srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "critical")
}

func TestHardeningHeaders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := do(t, f.srv.Handler(), http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = do(t, f.srv.Handler(), http.MethodGet, "/api/v1/status", nil, "Origin", "http://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Token = "s3cret"
	f := newFixture(t, cfg)
	h := f.srv.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/api/v1/status", nil, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/api/v1/status", nil, "Authorization", "Bearer s3cret").Code)
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	f := newFixture(t, cfg)

	require.NoError(t, f.srv.Start())
	require.Error(t, f.srv.Start())

	resp, err := http.Get("http://" + f.srv.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.srv.Shutdown(t.Context()))
	http.DefaultClient.CloseIdleConnections()
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Listen = "localhost"
	require.Error(t, cfg.Validate())

	_, err := New(cfg, newFakeScanner())
	require.Error(t, err)
	_, err = New(nil, nil)
	require.Error(t, err)
}
