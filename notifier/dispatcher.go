package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "fillwatch/config"
	"fillwatch/logger"
	"fillwatch/models"
)

// maxGroupFills bounds a single window so a runaway group cannot grow
// without limit; reaching it flushes the group early.
const maxGroupFills = 500

// Dispatcher consumes admitted fills, coalesces them per group and
// performs the actual send. A group that stays at or below the
// aggregate threshold when its window closes produces individual
// notifications; a larger one collapses into a single summary.
type Dispatcher struct {
	config       *appconfig.Config
	acceptedChan <-chan models.FillEvent
	sender       Sender
	chatID       int64

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	groups map[string]*models.PendingAggregate

	notificationsSent    int64
	notificationsDropped int64
}

func NewDispatcher(cfg *appconfig.Config, acceptedChan <-chan models.FillEvent, sender Sender) *Dispatcher {
	return &Dispatcher{
		config:       cfg,
		acceptedChan: acceptedChan,
		sender:       sender,
		chatID:       cfg.Telegram.ChatID,
		wg:           &sync.WaitGroup{},
		log:          logger.GetLogger(),
		groups:       make(map[string]*models.PendingAggregate),
	}
}

// Start launches the dispatch worker.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"group_window":        d.config.Dispatch.GroupWindow,
		"aggregate_threshold": d.config.Dispatch.AggregateThreshold,
	}).Info("starting dispatcher")

	d.wg.Add(1)
	go d.worker()

	log.Info("dispatcher started successfully")
	return nil
}

// Stop flushes open windows best-effort and waits for the worker.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("dispatcher").Info("stopping dispatcher")
	d.wg.Wait()

	// The run context is gone by now; give the final flush its own
	// short deadline instead of dropping open aggregates silently.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.flushAll(ctx)

	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

// PendingAggregates reports the number of open coalescing windows.
func (d *Dispatcher) PendingAggregates() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}

// SendStatus delivers a health condition (capped recovery window,
// degraded connectivity) distinct from fill notifications.
func (d *Dispatcher) SendStatus(ctx context.Context, text string) {
	n := models.Notification{
		ID:        uuid.NewString(),
		Kind:      models.KindStatus,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	d.deliver(ctx, n)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"worker": "dispatch"})
	log.Info("dispatch worker started")

	// Wake often enough that a window never overshoots by much.
	tick := d.config.Dispatch.GroupWindow / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			log.Info("dispatch worker stopped due to context cancellation")
			return
		case fill, ok := <-d.acceptedChan:
			if !ok {
				log.Info("accepted channel closed, dispatch worker stopping")
				return
			}
			d.handleFill(fill)
		case <-ticker.C:
			d.flushDue(time.Now())
		}
	}
}

func (d *Dispatcher) handleFill(f models.FillEvent) {
	key := f.Group()

	d.mu.Lock()
	g, ok := d.groups[key]
	if !ok {
		g = models.NewPendingAggregate(f, time.Now().Add(d.config.Dispatch.GroupWindow))
		d.groups[key] = g
		d.mu.Unlock()
		return
	}
	g.Add(f)
	full := g.Count() >= maxGroupFills
	if full {
		delete(d.groups, key)
	}
	d.mu.Unlock()

	if full {
		d.flush(d.ctx, g)
	}
}

func (d *Dispatcher) flushDue(now time.Time) {
	var due []*models.PendingAggregate

	d.mu.Lock()
	for key, g := range d.groups {
		if !now.Before(g.WindowDeadline) {
			due = append(due, g)
			delete(d.groups, key)
		}
	}
	d.mu.Unlock()

	for _, g := range due {
		d.flush(d.ctx, g)
	}
}

func (d *Dispatcher) flushAll(ctx context.Context) {
	d.mu.Lock()
	remaining := make([]*models.PendingAggregate, 0, len(d.groups))
	for key, g := range d.groups {
		remaining = append(remaining, g)
		delete(d.groups, key)
	}
	d.mu.Unlock()

	for _, g := range remaining {
		d.flush(ctx, g)
	}
}

func (d *Dispatcher) flush(ctx context.Context, g *models.PendingAggregate) {
	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"group_key": g.GroupKey,
		"count":     g.Count(),
	})

	if g.Count() <= d.config.Dispatch.AggregateThreshold {
		for _, f := range g.Fills {
			n := models.Notification{
				ID:        uuid.NewString(),
				Kind:      models.KindFill,
				Text:      formatFill(f),
				CreatedAt: time.Now().UTC(),
			}
			d.deliver(ctx, n)
		}
		log.Debug("group flushed as individual notifications")
		return
	}

	n := models.Notification{
		ID:        uuid.NewString(),
		Kind:      models.KindAggregate,
		Text:      formatAggregate(g),
		CreatedAt: time.Now().UTC(),
	}
	d.deliver(ctx, n)
	log.Debug("group flushed as aggregate notification")
}

// deliver retries a bounded number of times with a short delay. A
// notification abandoned here is logged and dropped; the fill itself is
// already committed to the watermark.
func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) {
	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"notification_id": n.ID,
		"kind":            n.Kind,
	})

	attempts := d.config.Dispatch.SendRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = d.sender.Send(ctx, d.chatID, n.Text); err == nil {
			d.mu.Lock()
			d.notificationsSent++
			d.mu.Unlock()
			logger.IncrementNotificationSent(len(n.Text))
			d.log.LogMetric("dispatcher", "notifications_sent", 1, "counter", logger.Fields{
				"kind": n.Kind,
			})
			return
		}

		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("notification send failed")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				attempt = attempts
			case <-time.After(d.config.Dispatch.RetryDelay):
			}
		}
	}

	d.mu.Lock()
	d.notificationsDropped++
	d.mu.Unlock()
	logger.IncrementNotificationDropped()
	log.WithError(err).Error("notification dropped after exhausted retries")
}

func formatFill(f models.FillEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s filled: %s @ %s", f.Coin, f.Side, trimFloat(f.Size), trimFloat(f.Price))
	fmt.Fprintf(&b, "\nvalue %s", trimFloat(f.Value()))
	if f.Fee > 0 {
		fmt.Fprintf(&b, ", fee %s", trimFloat(f.Fee))
	}
	if f.Source == models.SourceRecovery {
		b.WriteString("\n(recovered after downtime)")
	}
	if f.Capped {
		b.WriteString("\n(recovery window capped, older fills may be missing)")
	}
	return b.String()
}

func formatAggregate(g *models.PendingAggregate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %d fills", g.Coin, g.Side, g.Count())
	fmt.Fprintf(&b, "\ntotal size %s, vwap %s, value %s",
		trimFloat(g.TotalSize), trimFloat(g.VWAP()), trimFloat(g.TotalValue))
	if g.Capped {
		b.WriteString("\n(recovery window capped, older fills may be missing)")
	}
	return b.String()
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
