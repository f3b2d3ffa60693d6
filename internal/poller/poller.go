package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "fillwatch/config"
	"fillwatch/internal/channel"
	"fillwatch/logger"
	"fillwatch/models"
)

// FillHistory is the REST fill source the poller cycles against.
type FillHistory interface {
	RecentFills(ctx context.Context, start, end time.Time) ([]models.FillEvent, error)
}

// Poller periodically re-fetches recent fill history as a safety net
// behind the stream. Fills it emits overlap with stream fills on
// purpose; deduplication downstream keeps delivery exactly once.
type Poller struct {
	config   *appconfig.Config
	history  FillHistory
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

// New creates a poller over the given history source.
func New(cfg *appconfig.Config, history FillHistory, ch *channel.Channels) *Poller {
	return &Poller{
		config:   cfg,
		history:  history,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the polling worker.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("backup_poller").WithFields(logger.Fields{"operation": "start"})

	if !p.config.Poller.Enabled {
		log.Warn("backup poller is disabled")
		return fmt.Errorf("backup poller is disabled")
	}

	log.WithFields(logger.Fields{
		"interval": p.config.Poller.Interval.String(),
		"lookback": p.config.Poller.Lookback.String(),
	}).Info("starting backup poller")

	p.wg.Add(1)
	go p.worker()

	log.Info("backup poller started successfully")
	return nil
}

// Stop waits for the polling worker to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("backup_poller").Info("stopping backup poller")
	p.wg.Wait()
	p.log.WithComponent("backup_poller").Info("backup poller stopped")
}

func (p *Poller) worker() {
	defer p.wg.Done()

	log := p.log.WithComponent("backup_poller").WithFields(logger.Fields{"worker": "poll_cycle"})
	log.Info("poll worker started")

	ticker := time.NewTicker(p.config.Poller.Interval)
	defer ticker.Stop()

	// First cycle runs immediately so a fresh start closes any gap
	// without waiting a full interval.
	p.cycle(log)

	for {
		select {
		case <-p.ctx.Done():
			log.Info("poll worker stopped due to context cancellation")
			return
		case <-ticker.C:
			p.cycle(log)
		}
	}
}

// cycle fetches one lookback window. A failed cycle is logged and
// skipped; the next tick retries with a window that still covers the
// missed span as long as lookback exceeds the interval.
func (p *Poller) cycle(log *logger.Entry) {
	start := time.Now()
	end := start
	windowStart := end.Add(-p.config.Poller.Lookback)

	ctx, cancel := context.WithTimeout(p.ctx, p.config.Poller.Interval)
	defer cancel()

	fills, err := p.history.RecentFills(ctx, windowStart, end)
	if err != nil {
		log.WithError(err).Warn("poll cycle failed, skipping until next interval")
		return
	}

	forwarded := 0
	for _, fill := range fills {
		fill.Source = models.SourcePoller
		if p.channels.SendFill(p.ctx, fill) {
			forwarded++
			logger.IncrementPolledFill(1)
		}
	}

	logger.LogPerformanceEntry(log, "backup_poller", "poll_cycle", time.Since(start), logger.Fields{
		"fetched":   len(fills),
		"forwarded": forwarded,
	})
}
