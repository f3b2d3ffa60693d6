package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "fillwatch/config"
	"fillwatch/internal/channel"
	"fillwatch/internal/dedup"
	"fillwatch/internal/reconcile"
	"fillwatch/internal/state"
	"fillwatch/logger"
	"fillwatch/models"
)

// FillStream is the live fill source. It reconnects on its own until
// its context is cancelled.
type FillStream interface {
	Start(ctx context.Context) error
	Stop()
	Connected() bool
}

// Source is a secondary fill producer with its own worker lifecycle.
type Source interface {
	Start(ctx context.Context) error
	Stop()
}

// FillHistory is the REST fill source used for startup recovery.
type FillHistory interface {
	RecentFills(ctx context.Context, start, end time.Time) ([]models.FillEvent, error)
}

// Notifier is the delivery side consumed by the monitor.
type Notifier interface {
	Start(ctx context.Context) error
	Stop()
	SendStatus(ctx context.Context, text string)
	PendingAggregates() int
}

// State is the monitor lifecycle phase.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Status is a point-in-time health snapshot.
type Status struct {
	State             State     `json:"state"`
	StreamConnected   bool      `json:"stream_connected"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	Watermark         time.Time `json:"watermark"`
	PendingAggregates int       `json:"pending_aggregates"`
}

const (
	shutdownTimeout = 30 * time.Second
	supervisorDelay = 5 * time.Second
)

// Monitor wires sources, deduplication and delivery into one
// supervised pipeline. The dedup loop it owns is the only goroutine
// that mutates notification state, so fills from the stream, the
// poller and recovery all serialize through a single decision point.
type Monitor struct {
	config     *appconfig.Config
	store      state.Store
	channels   *channel.Channels
	stream     FillStream
	poller     Source
	history    FillHistory
	dispatcher Notifier
	heartbeats <-chan time.Time

	dedup  *dedup.Deduplicator
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	mu     sync.RWMutex
	state  State
	log    *logger.Log
}

// New assembles a monitor. Stream and poller may be nil when the
// corresponding source is disabled.
func New(cfg *appconfig.Config, store state.Store, ch *channel.Channels, stream FillStream, poller Source, history FillHistory, dispatcher Notifier, heartbeats <-chan time.Time) *Monitor {
	return &Monitor{
		config:     cfg,
		store:      store,
		channels:   ch,
		stream:     stream,
		poller:     poller,
		history:    history,
		dispatcher: dispatcher,
		heartbeats: heartbeats,
		wg:         &sync.WaitGroup{},
		state:      StateStopped,
		log:        logger.GetLogger(),
	}
}

// Start loads persisted state, reconciles the downtime gap and brings
// up all components. It is an error to start a monitor that is not
// stopped.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		current := m.state
		m.mu.Unlock()
		return fmt.Errorf("monitor cannot start from state %q", current)
	}
	m.state = StateStarting
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	log := m.log.WithComponent("monitor").WithFields(logger.Fields{"operation": "start"})

	st, err := m.store.Load()
	if err != nil {
		m.abortStart()
		return fmt.Errorf("failed to load notification state: %w", err)
	}

	// Status() reads the dedup handle concurrently with startup, so the
	// assignment goes through the same mutex.
	d := dedup.New(m.store, st, models.DedupWindowSize)
	m.mu.Lock()
	m.dedup = d
	m.mu.Unlock()

	// Delivery comes up first so recovery output has somewhere to go.
	if err := m.dispatcher.Start(m.ctx); err != nil {
		m.abortStart()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	reconciler := reconcile.New(m.config, m.history, d, m.channels, m.dispatcher)
	if result, err := reconciler.Run(m.ctx, time.Now()); err != nil {
		// Live processing still starts; the poller overlap will pick
		// up what the failed replay missed.
		log.WithError(err).Warn("startup reconciliation failed, continuing with live fills")
	} else if result.Admitted > 0 {
		log.WithFields(logger.Fields{"admitted": result.Admitted}).Info("recovered fills forwarded")
	}

	m.wg.Add(1)
	go m.supervise("dedup_loop", m.dedupLoop)

	if m.stream != nil {
		if err := m.stream.Start(m.ctx); err != nil {
			log.WithError(err).Warn("stream failed to start")
		}
	}
	if m.poller != nil {
		if err := m.poller.Start(m.ctx); err != nil {
			log.WithError(err).Warn("poller failed to start")
		}
	}

	// A Stop that raced this Start owns the state now; only the normal
	// Starting path may promote to Running.
	m.mu.Lock()
	if m.state == StateStarting {
		m.state = StateRunning
	}
	m.mu.Unlock()

	log.Info("monitor started successfully")
	return nil
}

// abortStart rolls a failed Start back to Stopped and releases the
// derived context.
func (m *Monitor) abortStart() {
	m.cancel()
	m.setState(StateStopped)
}

// Stop shuts the pipeline down in dependency order and persists a
// final state snapshot.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != StateRunning && m.state != StateStarting {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	m.mu.Unlock()

	log := m.log.WithComponent("monitor").WithFields(logger.Fields{"operation": "stop"})
	log.Info("starting graceful shutdown")

	m.cancel()

	if m.stream != nil {
		m.stream.Stop()
	}
	if m.poller != nil {
		m.poller.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	// Dispatcher last: it flushes open aggregation windows.
	m.dispatcher.Stop()

	if m.dedup != nil {
		if err := m.store.Save(m.dedup.Snapshot()); err != nil {
			log.WithError(err).Error("failed to persist final state snapshot")
		}
	}

	m.setState(StateStopped)
	log.Info("monitor stopped")
}

// Status reports current health.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	st := m.state
	d := m.dedup
	m.mu.RUnlock()

	status := Status{State: st}
	if m.stream != nil {
		status.StreamConnected = m.stream.Connected()
	}
	if d != nil {
		status.LastHeartbeat = d.LastHeartbeat()
		status.Watermark = d.Watermark()
	}
	if m.dispatcher != nil {
		status.PendingAggregates = m.dispatcher.PendingAggregates()
	}
	return status
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// supervise restarts a worker after a panic. A worker that returns
// normally is done for good.
func (m *Monitor) supervise(name string, worker func()) {
	defer m.wg.Done()

	log := m.log.WithComponent("monitor").WithFields(logger.Fields{"worker": name})

	for {
		stopped := func() (stopped bool) {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("worker panicked, restarting")
				}
			}()
			worker()
			return true
		}()

		if stopped || m.ctx.Err() != nil {
			return
		}

		select {
		case <-time.After(supervisorDelay):
		case <-m.ctx.Done():
			return
		}
	}
}

// dedupLoop is the single writer over notification state. It drains
// fills from all sources and forwards novel ones to the dispatcher.
func (m *Monitor) dedupLoop() {
	log := m.log.WithComponent("monitor").WithFields(logger.Fields{"worker": "dedup_loop"})
	log.Info("dedup loop started")

	heartbeats := m.heartbeats

	for {
		select {
		case <-m.ctx.Done():
			log.Info("dedup loop stopped due to context cancellation")
			return
		case fill, ok := <-m.channels.Fills:
			if !ok {
				log.Info("fill channel closed, dedup loop stopping")
				return
			}
			admitted, err := m.dedup.Admit(fill)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"source": fill.Source}).Warn("discarding malformed fill")
				continue
			}
			if !admitted {
				continue
			}
			m.channels.SendAccepted(m.ctx, fill)
		case hb, ok := <-heartbeats:
			if !ok {
				heartbeats = nil
				continue
			}
			m.dedup.Heartbeat(hb)
		}
	}
}
