// Package healthagg maintains per-release windowed failure rates from
// device reports and triggers automatic rollback when a release is hurting
// enough of its fleet.
//
// The aggregator is advisory and fails open: when it is unavailable,
// device reports are dropped rather than retried, and a later report
// re-establishes the counters.
package healthagg

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/kvstore"
	"github.com/bundlenudge/bundlenudge/internal/store"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	numShards    = 16
	bucketLength = time.Minute
)

// Rollbacker is the slice of the lifecycle manager the aggregator needs.
type Rollbacker interface {
	Rollback(ctx context.Context, releaseID uuid.UUID, reason api.RollbackReason) error
}

type Options struct {
	// Sliding window over which rates are computed.
	Window time.Duration
	// Minimum activations before the failure rate is meaningful.
	MinSample int
	// failures/activations ratio that triggers rollback.
	FailureThreshold float64
	// Dedup window for repeated reports from the same device.
	DedupWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		Window:           15 * time.Minute,
		MinSample:        50,
		FailureThreshold: 0.05,
		DedupWindow:      10 * time.Minute,
	}
}

type Aggregator struct {
	store      store.Store
	kv         kvstore.KVStore
	rollbacker Rollbacker
	opts       Options
	log        logrus.FieldLogger

	shards [numShards]*shard

	// releases with a rollback in flight, so simultaneous triggers
	// coalesce
	inflight sync.Map
}

type shard struct {
	mu      sync.Mutex
	windows map[uuid.UUID]*window
}

type window struct {
	buckets   []bucket
	triggered bool
}

type bucket struct {
	minute      int64
	failures    int64
	activations int64
}

func New(st store.Store, kv kvstore.KVStore, rollbacker Rollbacker, opts Options, log logrus.FieldLogger) *Aggregator {
	if opts.Window <= 0 {
		opts = DefaultOptions()
	}
	a := &Aggregator{
		store:      st,
		kv:         kv,
		rollbacker: rollbacker,
		opts:       opts,
		log:        log,
	}
	for i := range a.shards {
		a.shards[i] = &shard{windows: make(map[uuid.UUID]*window)}
	}
	return a
}

func (a *Aggregator) numBuckets() int {
	n := int(a.opts.Window / bucketLength)
	if n < 1 {
		n = 1
	}
	return n
}

func (a *Aggregator) shardFor(releaseID uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(releaseID[:])
	return a.shards[h.Sum32()%numShards]
}

// RecordActivation counts a device observed moving onto the release via the
// check path.
func (a *Aggregator) RecordActivation(releaseID uuid.UUID) {
	a.bump(releaseID, time.Now(), 0, 1)
}

// ReportFailure ingests a device failure report. Idempotent per
// (release, device) within the dedup window: a duplicate updates the
// persisted missing events but does not double-count.
func (a *Aggregator) ReportFailure(ctx context.Context, releaseID uuid.UUID, deviceID string, missingEvents []string, appVersion, osVersion string) error {
	fresh := true
	if a.kv != nil {
		key := fmt.Sprintf("health:dedup:%s:%s", releaseID, deviceID)
		set, err := a.kv.SetNX(ctx, key, []byte{1}, a.opts.DedupWindow)
		if err != nil {
			// dedup is best-effort; the persisted report is idempotent
			a.log.WithError(err).Debug("health dedup unavailable")
		} else {
			fresh = set
		}
	}

	report := &model.HealthReport{
		ReleaseID:     releaseID,
		DeviceID:      deviceID,
		Kind:          "failure",
		MissingEvents: model.MakeJSONField(missingEvents),
		AppVersion:    appVersion,
		OSVersion:     osVersion,
	}
	if err := a.store.HealthReport().Upsert(ctx, report); err != nil {
		return err
	}

	if fresh {
		a.bump(releaseID, time.Now(), 1, 0)
	}
	return nil
}

func (a *Aggregator) bump(releaseID uuid.UUID, now time.Time, failures, activations int64) {
	s := a.shardFor(releaseID)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[releaseID]
	if !ok {
		w = &window{buckets: make([]bucket, a.numBuckets())}
		s.windows[releaseID] = w
	}
	minute := now.Unix() / 60
	b := &w.buckets[minute%int64(len(w.buckets))]
	if b.minute != minute {
		b.minute = minute
		b.failures = 0
		b.activations = 0
	}
	b.failures += failures
	b.activations += activations
}

// Counts returns the windowed (failures, activations) for a release.
func (a *Aggregator) Counts(releaseID uuid.UUID) (int64, int64) {
	s := a.shardFor(releaseID)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[releaseID]
	if !ok {
		return 0, 0
	}
	return w.counts(time.Now())
}

func (w *window) counts(now time.Time) (int64, int64) {
	return w.countsWithin(now, int64(len(w.buckets)))
}

// countsWithin sums the most recent n buckets. An app window shorter than
// the ring narrows the sum; it can never widen past the ring.
func (w *window) countsWithin(now time.Time, n int64) (int64, int64) {
	if n < 1 {
		n = 1
	}
	if n > int64(len(w.buckets)) {
		n = int64(len(w.buckets))
	}
	oldest := now.Unix()/60 - n + 1
	var failures, activations int64
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.minute >= oldest {
			failures += b.failures
			activations += b.activations
		}
	}
	return failures, activations
}

// Sweep evaluates rollback triggers. It runs periodically rather than on
// every write to amortize work; simultaneous triggers for the same release
// coalesce.
func (a *Aggregator) Sweep(ctx context.Context) {
	now := time.Now()
	for _, s := range a.shards {
		var candidates []uuid.UUID
		s.mu.Lock()
		for releaseID, w := range s.windows {
			if w.triggered {
				continue
			}
			failures, activations := w.counts(now)
			if failures > 0 && activations > 0 {
				candidates = append(candidates, releaseID)
			}
		}
		s.mu.Unlock()

		// threshold resolution hits the store, so it happens outside the
		// shard lock; the counts are then re-read over the app's window
		for _, releaseID := range candidates {
			minSample, threshold, window := a.effectiveThresholds(ctx, releaseID)
			s.mu.Lock()
			w, ok := s.windows[releaseID]
			if !ok || w.triggered {
				s.mu.Unlock()
				continue
			}
			failures, activations := w.countsWithin(now, int64(window/bucketLength))
			fire := activations > 0 && activations >= int64(minSample) &&
				float64(failures)/float64(activations) >= threshold
			if fire {
				w.triggered = true
			}
			s.mu.Unlock()
			if fire {
				a.trigger(ctx, releaseID)
			}
		}
	}
}

// effectiveThresholds resolves per-app overrides, falling back to the
// aggregator's configured defaults.
func (a *Aggregator) effectiveThresholds(ctx context.Context, releaseID uuid.UUID) (int, float64, time.Duration) {
	minSample, threshold, window := a.opts.MinSample, a.opts.FailureThreshold, a.opts.Window
	release, err := a.store.Release().Get(ctx, releaseID)
	if err != nil {
		return minSample, threshold, window
	}
	app, err := a.store.App().Get(ctx, release.AppID)
	if err != nil {
		return minSample, threshold, window
	}
	if app.MinSample != nil {
		minSample = *app.MinSample
	}
	if app.FailureThreshold != nil {
		threshold = *app.FailureThreshold
	}
	if app.HealthWindowSeconds != nil {
		window = time.Duration(*app.HealthWindowSeconds) * time.Second
	}
	return minSample, threshold, window
}

func (a *Aggregator) trigger(ctx context.Context, releaseID uuid.UUID) {
	if _, loaded := a.inflight.LoadOrStore(releaseID, struct{}{}); loaded {
		return
	}
	defer a.inflight.Delete(releaseID)

	failures, activations := a.Counts(releaseID)
	a.log.Warnf("release %s failure rate %d/%d breached threshold, rolling back", releaseID, failures, activations)
	if err := a.rollbacker.Rollback(ctx, releaseID, api.RollbackReasonHealthTimeout); err != nil {
		a.log.WithError(err).Errorf("auto-rollback of release %s failed", releaseID)
		// allow a later sweep to retry
		s := a.shardFor(releaseID)
		s.mu.Lock()
		if w, ok := s.windows[releaseID]; ok {
			w.triggered = false
		}
		s.mu.Unlock()
	}
}
