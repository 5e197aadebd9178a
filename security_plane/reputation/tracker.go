package reputation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/observability"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// maxScanHistory bounds the scan records kept per plugin; older entries
// carry negligible weight anyway.
const maxScanHistory = 20

// Tracker owns the reputation aggregate. It is the single writer path:
// every signal event loads the current record, mutates the accumulators,
// recomputes through Calculate and persists the result. No call site
// increments reputation state directly.
type Tracker struct {
	mu    sync.Mutex
	store store.Store
	log   *logrus.Entry
	now   func() time.Time
}

// NewTracker creates a Tracker over the given store.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{
		store: s,
		log:   logrus.WithField("component", "reputation"),
		now:   time.Now,
	}
}

// Get returns the current record, or nil if the plugin has no history yet.
func (t *Tracker) Get(ctx context.Context, pluginID string) (*store.ReputationRecord, error) {
	rec, err := t.store.GetReputation(ctx, pluginID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// OnInstall records a new install and recomputes.
func (t *Tracker) OnInstall(ctx context.Context, pluginID string, publisherTrusted bool, publishedAt time.Time) error {
	return t.update(ctx, pluginID, func(rec *store.ReputationRecord) {
		rec.InstallCount++
		rec.PublisherTrusted = publisherTrusted
		if rec.PublishedAt.IsZero() || (!publishedAt.IsZero() && publishedAt.Before(rec.PublishedAt)) {
			rec.PublishedAt = publishedAt
		}
	})
}

// OnExecution records one execution outcome and recomputes. Errors decay
// the reliability sub-score.
func (t *Tracker) OnExecution(ctx context.Context, pluginID string, failed bool) error {
	return t.update(ctx, pluginID, func(rec *store.ReputationRecord) {
		rec.ExecutionCount++
		if failed {
			rec.ErrorCount++
		}
	})
}

// OnRating folds a user rating (0-5) into the running mean and recomputes.
func (t *Tracker) OnRating(ctx context.Context, pluginID string, value float64) error {
	if value < 0 {
		value = 0
	}
	if value > 5 {
		value = 5
	}
	return t.update(ctx, pluginID, func(rec *store.ReputationRecord) {
		rec.RatingSum += value
		rec.RatingCount++
	})
}

// OnScan records a completed security scan and recomputes.
func (t *Tracker) OnScan(ctx context.Context, pluginID string, clean bool, score float64) error {
	return t.update(ctx, pluginID, func(rec *store.ReputationRecord) {
		rec.Scans = append(rec.Scans, store.ScanRecord{At: t.now().UTC(), Clean: clean, Score: score})
		if len(rec.Scans) > maxScanHistory {
			rec.Scans = rec.Scans[len(rec.Scans)-maxScanHistory:]
		}
	})
}

// OnAgeTick recomputes with no signal change so the maturity sub-score
// tracks calendar age. Run periodically.
func (t *Tracker) OnAgeTick(ctx context.Context, pluginID string) error {
	return t.update(ctx, pluginID, func(rec *store.ReputationRecord) {})
}

func (t *Tracker) update(ctx context.Context, pluginID string, mutate func(*store.ReputationRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.store.GetReputation(ctx, pluginID)
	if errors.Is(err, store.ErrNotFound) {
		rec = &store.ReputationRecord{PluginID: pluginID}
	} else if err != nil {
		return err
	}

	mutate(rec)

	now := t.now().UTC()
	score := Calculate(Signals{
		InstallCount:     rec.InstallCount,
		ExecutionCount:   rec.ExecutionCount,
		ErrorCount:       rec.ErrorCount,
		RatingSum:        rec.RatingSum,
		RatingCount:      rec.RatingCount,
		Scans:            rec.Scans,
		PublisherTrusted: rec.PublisherTrusted,
		PublishedAt:      rec.PublishedAt,
		Now:              now,
	})
	rec.Score = score.Total
	rec.Popularity = score.Popularity
	rec.Reliability = score.Reliability
	rec.Rating = score.Rating
	rec.ScanHistory = score.ScanHistory
	rec.Publisher = score.Publisher
	rec.Maturity = score.Maturity
	rec.CalculatedAt = now

	if err := t.store.UpsertReputation(ctx, rec); err != nil {
		return err
	}
	observability.ReputationScore.WithLabelValues(pluginID).Set(score.Total)
	t.log.WithFields(logrus.Fields{
		"plugin": pluginID,
		"score":  score.Total,
		"level":  Level(score.Total),
	}).Debug("reputation recomputed")
	return nil
}
