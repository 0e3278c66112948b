package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-av/sentinel/internal/api"
	"github.com/sentinel-av/sentinel/internal/buildinfo"
	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/monitor"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
	"github.com/sentinel-av/sentinel/internal/signature"
	"github.com/sentinel-av/sentinel/internal/signature/signaturetest"
	"github.com/sentinel-av/sentinel/internal/update"
)

var testInfo = &buildinfo.Context{Version: "test", SystemID: "TEST-0000-0000"}

type paths struct {
	root  string
	sigs  string
	watch string
}

// testSettings roots every data path in a temp dir and trusts the shared
// test key.
func testSettings(t *testing.T) (*conf.Settings, paths) {
	t.Helper()
	root := t.TempDir()
	p := paths{
		root:  root,
		sigs:  filepath.Join(root, "signatures"),
		watch: filepath.Join(root, "watched"),
	}
	require.NoError(t, os.MkdirAll(p.watch, 0o755))

	pubPEM, err := signature.EncodePublicKeyPEM(&signaturetest.Key(t).PublicKey)
	require.NoError(t, err)
	keyPath := filepath.Join(root, "keys", "update_public.pem")
	require.NoError(t, os.MkdirAll(filepath.Dir(keyPath), 0o755))
	require.NoError(t, os.WriteFile(keyPath, pubPEM, 0o644))

	s := conf.Defaults()
	s.Main.DataDir = root
	s.Signatures.Path = p.sigs
	s.Signatures.PublicKeyPath = keyPath
	s.Signatures.ExpectedRecords = 1000
	s.Quarantine.Dir = filepath.Join(root, "quarantine")
	s.Quarantine.KeyFile = filepath.Join(root, "keys", "vault.key")
	s.Quarantine.SecureDeletePasses = 1
	s.History.Path = filepath.Join(root, "history.db")
	s.Monitor.Paths = []string{p.watch}
	s.Monitor.Processes = false
	s.Monitor.CoalesceWindow = 10 * time.Millisecond
	s.Scanner.Workers = 2
	s.API.Enabled = true
	s.API.Listen = "127.0.0.1:0"
	return s, p
}

func idleSampler() Option {
	return WithSampler(monitor.SamplerFunc(func(context.Context) (monitor.Usage, error) {
		return monitor.Usage{SampledAt: time.Now()}, nil
	}))
}

func installDatabase(t *testing.T, dir string, version uint64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	signaturetest.Write(t, dir, signaturetest.Key(t),
		signaturetest.Database(t, version, signaturetest.EICARRecord()))
}

func TestRealtimeEICARIsContainedAndVisibleThroughAPI(t *testing.T) {
	settings, p := testSettings(t)
	installDatabase(t, p.sigs, 3)

	a, err := New(settings, testInfo, idleSampler())
	require.NoError(t, err)
	require.NoError(t, a.Start(t.Context()))
	t.Cleanup(a.Stop)

	infected := filepath.Join(p.watch, "invoice.com")
	require.NoError(t, os.WriteFile(infected, []byte(signaturetest.EICAR), 0o644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(infected)
		return os.IsNotExist(err)
	}, 10*time.Second, 20*time.Millisecond, "infected file should be removed")

	require.Eventually(t, func() bool {
		return a.Vault().Counts()[quarantine.StatusActive] == 1
	}, 5*time.Second, 20*time.Millisecond)

	client, err := api.NewClient(a.APIAddr(), "", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	status, err := client.Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), status.DatabaseVersion)
	assert.Equal(t, orchestrator.HealthHealthy, status.Health.Level)

	require.Eventually(t, func() bool {
		events, err := client.Threats(t.Context(), datastore.Filter{Action: string(orchestrator.ActionQuarantined)})
		return err == nil && len(events) == 1 && events[0].ThreatName == signaturetest.EICARThreat
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHookReportedFileIsContained(t *testing.T) {
	settings, p := testSettings(t)
	installDatabase(t, p.sigs, 1)

	a, err := New(settings, testInfo, idleSampler())
	require.NoError(t, err)
	require.NotNil(t, a.Hooks())
	require.NoError(t, a.Start(t.Context()))
	t.Cleanup(a.Stop)

	dropped := filepath.Join(p.root, "outside", "payload.com")
	require.NoError(t, os.MkdirAll(filepath.Dir(dropped), 0o755))
	require.NoError(t, os.WriteFile(dropped, []byte(signaturetest.EICAR), 0o644))
	require.True(t, a.Hooks().ReportFile(dropped, monitor.KindCreated))

	require.Eventually(t, func() bool {
		return a.Vault().Counts()[quarantine.StatusActive] == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.NoFileExists(t, dropped)
}

func TestStandaloneHasNoHooks(t *testing.T) {
	settings, _ := testSettings(t)
	a, err := New(settings, testInfo, Standalone(), idleSampler())
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	assert.Nil(t, a.Hooks())
}

func TestStandaloneScan(t *testing.T) {
	settings, p := testSettings(t)
	installDatabase(t, p.sigs, 1)

	require.NoError(t, os.WriteFile(filepath.Join(p.watch, "clean.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p.watch, "eicar.txt"), []byte(signaturetest.EICAR), 0o644))

	a, err := New(settings, testInfo, Standalone(), idleSampler())
	require.NoError(t, err)
	assert.Empty(t, a.APIAddr())
	require.NoError(t, a.Start(t.Context()))
	t.Cleanup(a.Stop)

	session, err := a.Orchestrator().StartScan(t.Context(), []string{p.watch}, orchestrator.KindManual)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	done, err := a.Orchestrator().Wait(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StateCompleted, done.State)
	assert.EqualValues(t, 2, done.Stats.FilesScanned)
	assert.EqualValues(t, 1, done.Stats.Infected)
	assert.NoFileExists(t, filepath.Join(p.watch, "eicar.txt"))
	assert.FileExists(t, filepath.Join(p.watch, "clean.txt"))
}

func TestUpdateThroughApplierReachesDetector(t *testing.T) {
	settings, p := testSettings(t)
	installDatabase(t, p.sigs, 1)

	a, err := New(settings, testInfo, Standalone(), idleSampler())
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	pkg, err := update.BuildFull(signaturetest.Key(t), signaturetest.Database(t, 2, signaturetest.EICARRecord()))
	require.NoError(t, err)
	version, err := a.Applier().Apply(t.Context(), pkg)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, uint64(2), a.Signatures().Version())
}

func TestMissingDatabaseStartsHealthy(t *testing.T) {
	settings, _ := testSettings(t)

	a, err := New(settings, testInfo, Standalone(), idleSampler())
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	assert.Zero(t, a.Signatures().Version())
	assert.Equal(t, orchestrator.HealthHealthy, a.Orchestrator().Health().Level)
}

func TestCorruptDatabaseWithoutKnownGoodIsCritical(t *testing.T) {
	settings, p := testSettings(t)
	installDatabase(t, p.sigs, 1)
	require.NoError(t, os.WriteFile(filepath.Join(p.sigs, signature.PayloadFile), []byte(`{"version":1}`), 0o644))

	a, err := New(settings, testInfo, Standalone(), idleSampler())
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	h := a.Orchestrator().Health()
	assert.True(t, h.Failsafe)
	assert.Equal(t, orchestrator.HealthCritical, h.Level)
}

func TestNewFailsWithoutTrustedKey(t *testing.T) {
	settings, _ := testSettings(t)
	settings.Signatures.PublicKeyPath = filepath.Join(t.TempDir(), "absent.pem")

	_, err := New(settings, testInfo, Standalone(), idleSampler())
	require.Error(t, err)
}

func TestHistoryRetentionSweep(t *testing.T) {
	settings, p := testSettings(t)
	installDatabase(t, p.sigs, 1)
	settings.History.Retention = time.Hour
	settings.History.PruneInterval = 20 * time.Millisecond

	a, err := New(settings, testInfo, Standalone(), idleSampler())
	require.NoError(t, err)

	old := orchestrator.Finding{
		SessionID:   "s",
		SessionKind: orchestrator.KindScheduled,
		Action:      orchestrator.ActionReported,
		At:          time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, a.History().RecordFinding(t.Context(), old))

	require.NoError(t, a.Start(t.Context()))
	t.Cleanup(a.Stop)

	require.Eventually(t, func() bool {
		events, err := a.History().ThreatEvents(t.Context(), datastore.Filter{})
		return err == nil && len(events) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	settings, p := testSettings(t)
	installDatabase(t, p.sigs, 1)

	a, err := New(settings, testInfo, idleSampler())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.APIAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
	a.Stop()
}
