// Package detector classifies files and processes as clean, suspicious or
// malicious. Hash matches are authoritative; heuristic content rules and
// per-process behavior windows contribute to a weighted score.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/observability/metrics"
	"github.com/sentinel-av/sentinel/internal/signature"
)

// Signatures provides the active signature snapshot.
type Signatures interface {
	Snapshot() *signature.Snapshot
}

// Detector runs the classification pipeline. It is safe for concurrent use.
type Detector struct {
	sigs     Signatures
	cfg      Config
	mode     atomic.Int32
	pinned   atomic.Pointer[signature.Snapshot]
	cache    *cache.Cache
	behavior *behaviorTracker
	metrics  *metrics.DetectorMetrics
	log      logger.Logger
	now      func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithMetrics records verdicts and cache lookups.
func WithMetrics(m *metrics.DetectorMetrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// WithClock replaces time.Now for the behavior window.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a detector reading signatures from sigs.
func New(sigs Signatures, cfg Config, opts ...Option) (*Detector, error) {
	if sigs == nil {
		return nil, errors.Newf("detector: nil signature source").
			Component("detector").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryConfiguration).
			Build()
	}

	d := &Detector{sigs: sigs, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = GetLogger()
	}
	if cfg.CacheTTL > 0 {
		d.cache = cache.New(cfg.CacheTTL, cfg.CacheTTL*2)
	}
	d.behavior = newBehaviorTracker(cfg.BehaviorWindow, cfg.BehaviorMaxEvents, d.now)
	return d, nil
}

// Config returns the active configuration.
func (d *Detector) Config() Config { return d.cfg }

// Mode returns the current pipeline mode.
func (d *Detector) Mode() Mode { return Mode(d.mode.Load()) }

// SetMode switches the pipeline. Entering ModeHashOnly pins the snapshot that
// is active at that moment, so later store changes do not reach failsafe
// detection. Returning to ModeFull releases the pin.
func (d *Detector) SetMode(m Mode) {
	if m == ModeHashOnly {
		d.pinned.Store(d.sigs.Snapshot())
	} else {
		d.pinned.Store(nil)
	}
	if prev := Mode(d.mode.Swap(int32(m))); prev != m {
		d.log.Info("detector mode changed",
			logger.String("from", prev.String()),
			logger.String("to", m.String()),
			logger.Uint64("db_version", d.snapshot().Version()))
	}
}

// PinSnapshot pins sn for hash-only detection, e.g. a last-known-good
// database loaded after the active one became unreadable.
func (d *Detector) PinSnapshot(sn *signature.Snapshot) {
	if sn != nil {
		d.pinned.Store(sn)
	}
}

// DatabaseVersion returns the version of the database classification
// currently uses, 0 when none is loaded.
func (d *Detector) DatabaseVersion() uint64 {
	return d.snapshot().Version()
}

func (d *Detector) snapshot() *signature.Snapshot {
	if sn := d.pinned.Load(); sn != nil {
		return sn
	}
	return d.sigs.Snapshot()
}

// ObserveOperation records a sensitive operation performed by pid.
func (d *Detector) ObserveOperation(pid int32, op string) {
	d.behavior.observe(pid, op)
}

// ProcessExited drops the behavior window of pid.
func (d *Detector) ProcessExited(pid int32) {
	d.behavior.exited(pid)
}

// TrackedProcesses returns the number of processes with a live window.
func (d *Detector) TrackedProcesses() int {
	return d.behavior.tracked()
}

// Classify returns a verdict for target within the configured budget. It
// never blocks past the budget: a late classification yields Suspicious with
// TimedOut set. Empty or unreadable targets are Clean with a warning.
func (d *Detector) Classify(ctx context.Context, target ScanTarget) Verdict {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Budget)
	defer cancel()

	done := make(chan Verdict, 1)
	go func() { done <- d.classify(ctx, target) }()

	var v Verdict
	select {
	case v = <-done:
	case <-ctx.Done():
		v = d.timedOut(ctx.Err())
	}

	target.Content = nil
	v.Target = target
	v.Duration = time.Since(start)
	d.metrics.RecordVerdict(v.Classification.String(), v.Method.String(),
		v.Duration.Seconds(), v.TimedOut, v.Warning != "" && !v.TimedOut)

	if v.TimedOut {
		err := errors.New(fmt.Errorf("classification exceeded %s budget", d.cfg.Budget)).
			Component("detector").
			Category(errors.CategoryDetectionTimeout).
			Context("path", target.Path).
			Timing("classify", v.Duration).
			Build()
		d.log.Warn("classification timed out",
			logger.String("path", target.Path),
			logger.Int64("pid", int64(target.PID)),
			logger.Error(err))
	}
	return v
}

func (d *Detector) timedOut(cause error) Verdict {
	return Verdict{
		Classification: Suspicious,
		Method:         MethodHeuristic,
		Score:          d.cfg.SuspiciousThreshold,
		TimedOut:       true,
		DBVersion:      d.snapshot().Version(),
		Warning:        fmt.Sprintf("classification did not finish: %v", cause),
	}
}

func (d *Detector) classify(ctx context.Context, target ScanTarget) Verdict {
	if target.Kind == KindProcess {
		return d.classifyProcess(ctx, target)
	}
	return d.classifyFile(ctx, target)
}

// analysis is the content-dependent part of a verdict. It is what the cache
// stores; path and behavior scores are added per call.
type analysis struct {
	digest [sha256.Size]byte
	match  *signature.Record
	score  float64
	hits   []hit
}

type hit struct {
	id     string
	name   string
	weight float64
}

func (d *Detector) classifyFile(ctx context.Context, target ScanTarget) Verdict {
	snap := d.snapshot()
	hashOnly := d.Mode() == ModeHashOnly || target.HashOnly

	a, warning, err := d.analyzeTarget(ctx, snap, target, hashOnly)
	if err != nil {
		return d.timedOut(err)
	}
	if warning != "" {
		d.log.Warn("target classified clean without analysis",
			logger.String("path", target.Path),
			logger.String("reason", warning))
		return Verdict{Classification: Clean, Method: MethodNone, DBVersion: snap.Version(), Warning: warning}
	}

	v := Verdict{DBVersion: snap.Version(), ContentHash: hex.EncodeToString(a.digest[:])}
	if a.match != nil {
		return d.hashVerdict(v, a.match)
	}

	hits := a.hits
	if !hashOnly {
		hits = append(slices.Clone(hits), d.pathHits(snap, target.Path)...)
	}
	return d.scoreVerdict(v, hits, MethodHeuristic)
}

func (d *Detector) classifyProcess(ctx context.Context, target ScanTarget) Verdict {
	snap := d.snapshot()
	hashOnly := d.Mode() == ModeHashOnly

	v := Verdict{DBVersion: snap.Version()}
	var hits []hit

	// The image on disk goes through the file pipeline; a hash match on it
	// decides the verdict regardless of behavior.
	if target.Path != "" {
		a, warning, err := d.analyzeTarget(ctx, snap, target, hashOnly)
		if err != nil {
			return d.timedOut(err)
		}
		if warning == "" {
			v.ContentHash = hex.EncodeToString(a.digest[:])
			if a.match != nil {
				return d.hashVerdict(v, a.match)
			}
			hits = append(hits, a.hits...)
		}
	}
	if hashOnly {
		return d.scoreVerdict(v, hits, MethodHeuristic)
	}

	if target.PID != 0 {
		_, matched := scoreBehavior(snap.Rules(), d.behavior.ops(target.PID))
		if len(matched) > 0 {
			for _, r := range matched {
				hits = append(hits, hit{id: r.ID, name: r.Name, weight: r.Weight})
			}
			return d.scoreVerdict(v, hits, MethodBehavioral)
		}
	}
	return d.scoreVerdict(v, hits, MethodHeuristic)
}

// analyzeTarget hashes and scores the target content, consulting the cache.
// A non-empty warning means the content could not be analyzed; err is only
// set when ctx expired.
func (d *Detector) analyzeTarget(ctx context.Context, snap *signature.Snapshot, target ScanTarget, hashOnly bool) (*analysis, string, error) {
	head, digest, warning, err := d.read(ctx, target)
	if err != nil || warning != "" {
		return nil, warning, err
	}

	key := cacheKey(snap.Version(), digest, hashOnly)
	if d.cache != nil {
		if cached, found := d.cache.Get(key); found {
			d.metrics.RecordCacheLookup(true)
			return cached.(*analysis), "", nil
		}
		d.metrics.RecordCacheLookup(false)
	}

	a, err := d.analyze(ctx, snap, digest, head, hashOnly)
	if err != nil {
		return nil, "", err
	}
	if d.cache != nil {
		d.cache.Set(key, a, cache.DefaultExpiration)
	}
	return a, "", nil
}

func cacheKey(version uint64, digest [sha256.Size]byte, hashOnly bool) string {
	if hashOnly {
		return fmt.Sprintf("%d:%x:hash", version, digest)
	}
	return fmt.Sprintf("%d:%x", version, digest)
}

// analyze runs the hash lookup and, unless hashOnly, the content rules.
func (d *Detector) analyze(ctx context.Context, snap *signature.Snapshot, digest [sha256.Size]byte, head []byte, hashOnly bool) (*analysis, error) {
	a := &analysis{digest: digest}

	if rec, ok := snap.LookupDigest(digest); ok {
		if rec.RuleType == signature.RuleExactHash && rec.Severity >= signature.SeverityMedium {
			a.match = &rec
			return a, nil
		}
		// Low severity or pattern-derived hashes only raise suspicion.
		a.hits = append(a.hits, hit{id: rec.ID, name: rec.ThreatName, weight: d.cfg.SuspiciousThreshold})
	}
	if hashOnly {
		return a, nil
	}

	for _, r := range snap.Rules().ContentRules() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.MatchContent(head) {
			a.hits = append(a.hits, hit{id: r.ID, name: r.Name, weight: r.Weight})
		}
	}
	return a, nil
}

func (d *Detector) pathHits(snap *signature.Snapshot, path string) []hit {
	if path == "" {
		return nil
	}
	var hits []hit
	for _, r := range snap.Rules().ByType(signature.PatternExtension) {
		if r.MatchPath(path) {
			hits = append(hits, hit{id: r.ID, name: r.Name, weight: r.Weight})
		}
	}
	if len(hits) == 0 && d.cfg.ExtensionWeight > 0 {
		ext := strings.ToLower(filepath.Ext(path))
		if ext != "" && slices.Contains(d.cfg.SuspiciousExtensions, ext) {
			hits = append(hits, hit{id: "EXT" + ext, name: "Suspicious extension " + ext, weight: d.cfg.ExtensionWeight})
		}
	}
	return hits
}

func (d *Detector) hashVerdict(v Verdict, rec *signature.Record) Verdict {
	v.Classification = Malicious
	v.Method = MethodHashMatch
	v.Score = 1.0
	v.MatchedSignatureID = rec.ID
	v.ThreatName = rec.ThreatName
	return v
}

// scoreVerdict sums hit weights (capped at 1.0) and applies the thresholds.
// The heaviest hit names the verdict.
func (d *Detector) scoreVerdict(v Verdict, hits []hit, method Method) Verdict {
	var top *hit
	for i := range hits {
		h := &hits[i]
		v.Score += h.weight
		v.Rules = append(v.Rules, h.id)
		if top == nil || h.weight > top.weight {
			top = h
		}
	}
	v.Score = min(v.Score, 1.0)

	switch {
	case v.Score >= d.cfg.MaliciousThreshold:
		v.Classification = Malicious
	case v.Score >= d.cfg.SuspiciousThreshold:
		v.Classification = Suspicious
	default:
		v.Classification = Clean
	}

	if len(hits) == 0 {
		v.Method = MethodNone
		return v
	}
	v.Method = method
	if v.Classification != Clean {
		v.MatchedSignatureID = top.id
		v.ThreatName = threatName(method, top.name)
	}
	return v
}

func threatName(method Method, rule string) string {
	prefix := "Heuristic"
	if method == MethodBehavioral {
		prefix = "Behavior"
	}
	return prefix + "." + strings.ReplaceAll(rule, " ", "")
}

// read hashes the whole target in fixed chunks and keeps the first
// MaxContentBytes for content rules.
func (d *Detector) read(ctx context.Context, target ScanTarget) (head []byte, digest [sha256.Size]byte, warning string, err error) {
	if target.Content != nil {
		if len(target.Content) == 0 {
			return nil, digest, "empty content", nil
		}
		digest = sha256.Sum256(target.Content)
		return target.Content[:min(int64(len(target.Content)), d.cfg.MaxContentBytes)], digest, "", nil
	}

	if target.Path == "" {
		return nil, digest, "no path or content", nil
	}
	f, openErr := os.Open(target.Path)
	if openErr != nil {
		return nil, digest, "unreadable: " + openErr.Error(), nil
	}
	defer f.Close()

	info, statErr := f.Stat()
	switch {
	case statErr != nil:
		return nil, digest, "unreadable: " + statErr.Error(), nil
	case !info.Mode().IsRegular():
		return nil, digest, "not a regular file", nil
	case info.Size() == 0:
		return nil, digest, "empty file", nil
	}

	h := sha256.New()
	head = make([]byte, 0, min(info.Size(), d.cfg.MaxContentBytes))
	buf := make([]byte, hashChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, digest, "", err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if room := d.cfg.MaxContentBytes - int64(len(head)); room > 0 {
				head = append(head, buf[:min(int64(n), room)]...)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, digest, "unreadable: " + readErr.Error(), nil
		}
	}
	if len(head) == 0 {
		return nil, digest, "empty file", nil
	}
	copy(digest[:], h.Sum(nil))
	return head, digest, "", nil
}
