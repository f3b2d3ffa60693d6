package channel

import (
	"context"
	"sync"
	"time"

	"fillwatch/logger"
	"fillwatch/models"
)

type ChannelStats struct {
	FillsSent       int64
	FillsDropped    int64
	AcceptedSent    int64
	AcceptedDropped int64
}

// Channels connects the pipeline stages. Fills carries raw fill records
// from the stream, the poller and the reconciler into the deduplicator;
// Accepted carries novel fills from the deduplicator into the dispatcher
// so a slow send never backpressures the producers directly.
type Channels struct {
	Fills    chan models.FillEvent
	Accepted chan models.FillEvent

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(fillBufferSize, acceptedBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Fills:    make(chan models.FillEvent, fillBufferSize),
		Accepted: make(chan models.FillEvent, acceptedBufferSize),
		log:      log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"fill_buffer_size":     fillBufferSize,
		"accepted_buffer_size": acceptedBufferSize,
	}).Info("fill channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Fills)
	close(c.Accepted)
	c.log.WithComponent("channels").Info("fill channels closed")
}

// SendFill offers a raw fill to the dedup stage. Dropping here is safe:
// the backup poller or the next reconciliation re-observes the fill.
func (c *Channels) SendFill(ctx context.Context, f models.FillEvent) bool {
	select {
	case c.Fills <- f:
		c.incrementFillsSent()
		logger.RecordChannelMessage("fills", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementFillsDropped()
		return false
	}
}

// SendAccepted hands a novel fill to the dispatcher. The fill is already
// committed to the watermark, so a drop costs a notification, not a fill.
func (c *Channels) SendAccepted(ctx context.Context, f models.FillEvent) bool {
	select {
	case c.Accepted <- f:
		c.incrementAcceptedSent()
		logger.RecordChannelMessage("accepted", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementAcceptedDropped()
		return false
	}
}

func (c *Channels) incrementFillsSent() {
	c.statsMutex.Lock()
	c.stats.FillsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementFillsDropped() {
	c.statsMutex.Lock()
	c.stats.FillsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementAcceptedSent() {
	c.statsMutex.Lock()
	c.stats.AcceptedSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementAcceptedDropped() {
	c.statsMutex.Lock()
	c.stats.AcceptedDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs queue depths and counters.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"fills_queued":     len(c.Fills),
				"accepted_queued":  len(c.Accepted),
				"fills_sent":       stats.FillsSent,
				"fills_dropped":    stats.FillsDropped,
				"accepted_sent":    stats.AcceptedSent,
				"accepted_dropped": stats.AcceptedDropped,
			}).Info("channel metrics")
		}
	}
}
