package reconcile

import (
	"context"
	"fmt"
	"time"

	appconfig "fillwatch/config"
	"fillwatch/internal/channel"
	"fillwatch/internal/dedup"
	"fillwatch/logger"
	"fillwatch/models"
)

// FillHistory is the REST source recovery replays from.
type FillHistory interface {
	RecentFills(ctx context.Context, start, end time.Time) ([]models.FillEvent, error)
}

// StatusNotifier receives operator-facing health conditions.
type StatusNotifier interface {
	SendStatus(ctx context.Context, text string)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Gap      time.Duration
	Replayed int
	Admitted int
	Capped   bool
	Skipped  bool
}

// Reconciler closes the gap between the persisted watermark and now.
// It runs once at startup, before live sources begin, and feeds
// replayed fills through the deduplicator synchronously so recovered
// and live fills share a single exactly-once path.
type Reconciler struct {
	config   *appconfig.Config
	history  FillHistory
	dedup    *dedup.Deduplicator
	channels *channel.Channels
	notifier StatusNotifier
	log      *logger.Log
}

// New creates a reconciler. The notifier may be nil in tests.
func New(cfg *appconfig.Config, history FillHistory, d *dedup.Deduplicator, ch *channel.Channels, notifier StatusNotifier) *Reconciler {
	return &Reconciler{
		config:   cfg,
		history:  history,
		dedup:    d,
		channels: ch,
		notifier: notifier,
		log:      logger.GetLogger(),
	}
}

// Run performs the startup reconciliation relative to now.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (Result, error) {
	log := r.log.WithComponent("reconciler").WithFields(logger.Fields{"operation": "run"})

	watermark := r.dedup.Watermark()
	maxLookback := r.config.Recovery.MaxLookback

	var result Result
	var start time.Time

	switch {
	case watermark.IsZero():
		if r.config.Recovery.MissingStatePolicy == "skip" {
			log.Info("no prior watermark, starting from live fills only")
			result.Skipped = true
			return result, nil
		}
		// replay policy: treat the full lookback window as the gap
		start = now.Add(-maxLookback)
		result.Gap = maxLookback
		result.Capped = true
		log.WithFields(logger.Fields{"lookback": maxLookback.String()}).Warn("no prior watermark, replaying full lookback window")
	default:
		result.Gap = now.Sub(watermark)
		if result.Gap <= r.config.Recovery.Tolerance {
			log.WithFields(logger.Fields{"gap": result.Gap.String()}).Info("gap within tolerance, no recovery needed")
			return result, nil
		}
		start = watermark
		if result.Gap > maxLookback {
			start = now.Add(-maxLookback)
			result.Capped = true
			log.WithFields(logger.Fields{
				"gap":          result.Gap.String(),
				"max_lookback": maxLookback.String(),
			}).Warn("downtime exceeds max lookback, recovery window capped")
		}
	}

	log.WithFields(logger.Fields{
		"start": start.Format(time.RFC3339),
		"end":   now.Format(time.RFC3339),
	}).Info("replaying fill history")

	fills, err := r.history.RecentFills(ctx, start, now)
	if err != nil {
		return result, fmt.Errorf("recovery fetch failed: %w", err)
	}
	result.Replayed = len(fills)

	for _, fill := range fills {
		fill.Source = models.SourceRecovery
		fill.Capped = result.Capped

		admitted, err := r.dedup.Admit(fill)
		if err != nil {
			log.WithError(err).Warn("discarding malformed recovered fill")
			continue
		}
		if admitted {
			result.Admitted++
			r.channels.SendAccepted(ctx, fill)
		}
	}

	if result.Capped && r.notifier != nil {
		r.notifier.SendStatus(ctx, fmt.Sprintf(
			"recovery window capped at %s, fills older than that were not replayed", maxLookback))
	}

	log.WithFields(logger.Fields{
		"replayed": result.Replayed,
		"admitted": result.Admitted,
		"capped":   result.Capped,
	}).Info("reconciliation complete")

	return result, nil
}
