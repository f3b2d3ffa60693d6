package dedup

import (
	"sync"
	"time"

	"fillwatch/internal/state"
	"fillwatch/logger"
	"fillwatch/models"
)

// Deduplicator is the single synchronization point shared by the live
// stream, the backup poller and the recovery reconciler. Because every
// path terminates here, the two feeds overlap safely instead of
// duplicating notifications.
type Deduplicator struct {
	mu       sync.Mutex
	store    state.Store
	state    *models.NotificationState
	seen     map[string]struct{}
	capacity int

	// degraded flips when the store failed twice in a row; from then on
	// the in-memory state is authoritative for the process lifetime.
	degraded bool

	// Heartbeats arrive per frame; the file write is throttled so
	// stream chatter cannot rewrite state continuously.
	persistEvery  time.Duration
	lastPersisted time.Time

	log *logger.Log
}

// heartbeatPersistInterval bounds heartbeat-only state writes.
const heartbeatPersistInterval = 5 * time.Second

// New seeds a deduplicator from previously loaded state. A zero
// capacity uses the default dedup window.
func New(store state.Store, st *models.NotificationState, capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = models.DedupWindowSize
	}
	if st == nil {
		st = models.NewNotificationState()
	}
	if len(st.ProcessedHashes) > capacity {
		st.ProcessedHashes = st.ProcessedHashes[len(st.ProcessedHashes)-capacity:]
	}

	seen := make(map[string]struct{}, len(st.ProcessedHashes))
	for _, h := range st.ProcessedHashes {
		seen[h] = struct{}{}
	}

	return &Deduplicator{
		store:        store,
		state:        st,
		seen:         seen,
		capacity:     capacity,
		persistEvery: heartbeatPersistInterval,
		log:          logger.GetLogger(),
	}
}

// Admit decides novelty for a fill. The first call for a given hash
// inserts it, advances the watermark and returns true; any later call
// returns false with no side effects. Malformed fills are rejected with
// models.ErrParse and never touch the cache.
func (d *Deduplicator) Admit(f models.FillEvent) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}

	hash := f.Hash()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[hash]; ok {
		return false, nil
	}

	if len(d.state.ProcessedHashes) >= d.capacity {
		oldest := d.state.ProcessedHashes[0]
		d.state.ProcessedHashes = d.state.ProcessedHashes[1:]
		delete(d.seen, oldest)
	}
	d.state.ProcessedHashes = append(d.state.ProcessedHashes, hash)
	d.seen[hash] = struct{}{}

	if f.Timestamp.After(d.state.LastProcessedTimestamp) {
		d.state.LastProcessedTimestamp = f.Timestamp
	}

	d.persistLocked()
	return true, nil
}

// Heartbeat records stream liveness. The in-memory timestamp advances
// on every call; only the file write is throttled. Persistence failures
// here are not escalated: the heartbeat is health data, not delivery
// state.
func (d *Deduplicator) Heartbeat(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.After(d.state.LastHeartbeat) {
		d.state.LastHeartbeat = t
	}
	if d.degraded {
		return
	}
	if time.Since(d.lastPersisted) < d.persistEvery {
		return
	}
	if err := d.store.TouchHeartbeat(d.state.LastHeartbeat); err != nil {
		d.log.WithComponent("dedup").WithError(err).Warn("failed to persist heartbeat")
		return
	}
	d.lastPersisted = time.Now()
}

// Watermark returns the monotonic last-processed timestamp.
func (d *Deduplicator) Watermark() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.LastProcessedTimestamp
}

// LastHeartbeat returns the most recent stream liveness signal.
func (d *Deduplicator) LastHeartbeat() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.LastHeartbeat
}

// Snapshot returns a copy of the current state for a final save.
func (d *Deduplicator) Snapshot() *models.NotificationState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// CacheSize reports the number of hashes in the dedup window.
func (d *Deduplicator) CacheSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state.ProcessedHashes)
}

func (d *Deduplicator) persistLocked() {
	err := d.store.Save(d.state)
	if err == nil {
		if d.degraded {
			d.log.WithComponent("dedup").Info("state persistence recovered")
			d.degraded = false
		}
		return
	}

	if !d.degraded {
		// A restart before a later successful write may replay fills
		// that were already notified.
		d.log.WithComponent("dedup").WithError(err).WithFields(logger.Fields{
			"severity": "critical",
		}).Error("state persistence failing, continuing with in-memory state only")
		d.degraded = true
		return
	}
	d.log.WithComponent("dedup").WithError(err).Debug("state persistence still failing")
}
