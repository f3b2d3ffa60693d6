package dedup

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"fillwatch/internal/state"
	"fillwatch/models"
)

// failingStore rejects every write, simulating a dead disk.
type failingStore struct {
	saves int
}

func (s *failingStore) Load() (*models.NotificationState, error) {
	return models.NewNotificationState(), nil
}

func (s *failingStore) Save(*models.NotificationState) error {
	s.saves++
	return errors.New("disk gone")
}

func (s *failingStore) TouchHeartbeat(time.Time) error {
	return errors.New("disk gone")
}

func fillAt(orderID string, ts time.Time) models.FillEvent {
	return models.FillEvent{
		Coin:      "BTC",
		Side:      models.SideBuy,
		Size:      1,
		Price:     50000,
		OrderID:   orderID,
		Timestamp: ts,
		Source:    models.SourceStream,
	}
}

func newFileBacked(t *testing.T, capacity int) (*Deduplicator, *state.FileStore) {
	t.Helper()
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	st, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return New(store, st, capacity), store
}

func TestAdmitIdempotent(t *testing.T) {
	d, _ := newFileBacked(t, 0)

	f := fillAt("1", time.Unix(1700000000, 0))
	first, err := d.Admit(f)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	second, err := d.Admit(f)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !first || second {
		t.Fatalf("expected (true, false), got (%v, %v)", first, second)
	}
}

func TestAdmitAcrossSources(t *testing.T) {
	d, _ := newFileBacked(t, 0)

	viaStream := fillAt("7", time.Unix(1700000000, 0))
	viaPoller := viaStream
	viaPoller.Source = models.SourcePoller
	viaPoller.Fee = 0.5 // fee differs between transports, hash must not

	first, _ := d.Admit(viaStream)
	second, _ := d.Admit(viaPoller)
	if !first || second {
		t.Fatalf("same fill via two paths must dispatch once, got (%v, %v)", first, second)
	}
}

func TestAdmitRejectsMalformed(t *testing.T) {
	d, _ := newFileBacked(t, 0)

	bad := fillAt("1", time.Unix(1700000000, 0))
	bad.Size = 0
	ok, err := d.Admit(bad)
	if ok {
		t.Fatalf("malformed fill must not be admitted")
	}
	if !errors.Is(err, models.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	if d.CacheSize() != 0 {
		t.Fatalf("malformed fill must not touch the cache")
	}
}

func TestBoundedCacheEvictsOldest(t *testing.T) {
	d, _ := newFileBacked(t, 0)

	base := time.Unix(1700000000, 0)
	for i := 0; i < models.DedupWindowSize+1; i++ {
		f := fillAt(fmt.Sprintf("order-%d", i), base.Add(time.Duration(i)*time.Second))
		ok, err := d.Admit(f)
		if err != nil || !ok {
			t.Fatalf("admit %d: ok=%v err=%v", i, ok, err)
		}
	}

	if d.CacheSize() != models.DedupWindowSize {
		t.Fatalf("expected cache at %d, got %d", models.DedupWindowSize, d.CacheSize())
	}

	// The oldest entry was evicted, so it is novel again.
	ok, err := d.Admit(fillAt("order-0", base))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !ok {
		t.Fatalf("expected evicted hash to be admitted again")
	}
	// The newest entry is still deduplicated.
	ok, _ = d.Admit(fillAt(fmt.Sprintf("order-%d", models.DedupWindowSize), base.Add(time.Duration(models.DedupWindowSize)*time.Second)))
	if ok {
		t.Fatalf("expected newest hash to remain in the window")
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	d, _ := newFileBacked(t, 0)

	late := time.Unix(1700001000, 0)
	early := time.Unix(1700000000, 0)

	d.Admit(fillAt("late", late))
	d.Admit(fillAt("early", early))

	if !d.Watermark().Equal(late) {
		t.Fatalf("watermark must never roll back, got %v", d.Watermark())
	}
}

func TestAdmitSurvivesStoreFailure(t *testing.T) {
	store := &failingStore{}
	d := New(store, models.NewNotificationState(), 0)

	ts := time.Unix(1700000000, 0)
	ok, err := d.Admit(fillAt("1", ts))
	if err != nil || !ok {
		t.Fatalf("admit with failing store: ok=%v err=%v", ok, err)
	}
	if !d.Watermark().Equal(ts) {
		t.Fatalf("in-memory watermark must advance despite store failure")
	}

	// The same fill is still deduplicated from the in-memory set.
	ok, err = d.Admit(fillAt("1", ts))
	if err != nil || ok {
		t.Fatalf("expected dedup from memory, got ok=%v err=%v", ok, err)
	}

	// The next distinct fill is still admitted.
	ok, _ = d.Admit(fillAt("2", ts.Add(time.Second)))
	if !ok {
		t.Fatalf("expected next fill admitted in degraded mode")
	}
	if store.saves == 0 {
		t.Fatalf("expected save attempts to continue")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := state.NewFileStore(path)
	st, _ := store.Load()
	d := New(store, st, 0)

	f := fillAt("persisted", time.Unix(1700000000, 0))
	if ok, _ := d.Admit(f); !ok {
		t.Fatalf("expected admit")
	}

	// Restart: a new store and deduplicator over the same file.
	store2 := state.NewFileStore(path)
	st2, err := store2.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	d2 := New(store2, st2, 0)

	if ok, _ := d2.Admit(f); ok {
		t.Fatalf("fill admitted again after restart")
	}
	if !d2.Watermark().Equal(f.Timestamp) {
		t.Fatalf("watermark lost across restart: %v", d2.Watermark())
	}
}

// countingStore accepts every write and counts heartbeat touches.
type countingStore struct {
	touches int
}

func (s *countingStore) Load() (*models.NotificationState, error) {
	return models.NewNotificationState(), nil
}

func (s *countingStore) Save(*models.NotificationState) error { return nil }

func (s *countingStore) TouchHeartbeat(time.Time) error {
	s.touches++
	return nil
}

func TestHeartbeatAlwaysAdvancesInMemory(t *testing.T) {
	store := &countingStore{}
	d := New(store, models.NewNotificationState(), 0)

	base := time.Unix(1700000000, 0)
	d.Heartbeat(base)
	d.Heartbeat(base.Add(time.Second))
	d.Heartbeat(base.Add(2 * time.Second))

	// Every call updates the in-memory timestamp, even the ones inside
	// the persistence throttle window.
	if got := d.LastHeartbeat(); !got.Equal(base.Add(2 * time.Second)) {
		t.Errorf("expected latest heartbeat in memory, got %s", got)
	}
	if store.touches != 1 {
		t.Errorf("expected one persisted heartbeat inside the throttle window, got %d", store.touches)
	}
}

func TestHeartbeatPersistsAgainAfterInterval(t *testing.T) {
	store := &countingStore{}
	d := New(store, models.NewNotificationState(), 0)
	d.persistEvery = 10 * time.Millisecond

	base := time.Unix(1700000000, 0)
	d.Heartbeat(base)
	time.Sleep(20 * time.Millisecond)
	d.Heartbeat(base.Add(time.Minute))

	if store.touches != 2 {
		t.Errorf("expected a second persist after the interval, got %d", store.touches)
	}
	if got := d.LastHeartbeat(); !got.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected in-memory heartbeat: %s", got)
	}
}
