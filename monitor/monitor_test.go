package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	appconfig "fillwatch/config"
	"fillwatch/internal/channel"
	"fillwatch/models"
)

type memoryStore struct {
	mu    sync.Mutex
	saved *models.NotificationState
}

func (m *memoryStore) Load() (*models.NotificationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return models.NewNotificationState(), nil
	}
	return m.saved.Clone(), nil
}

func (m *memoryStore) Save(st *models.NotificationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = st.Clone()
	return nil
}

func (m *memoryStore) TouchHeartbeat(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = models.NewNotificationState()
	}
	m.saved.LastHeartbeat = t
	return nil
}

type fakeStream struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	connected bool
}

func (f *fakeStream) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.connected = true
	return nil
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.connected = false
}

func (f *fakeStream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type fakeHistory struct {
	fills []models.FillEvent
}

func (f *fakeHistory) RecentFills(_ context.Context, start, end time.Time) ([]models.FillEvent, error) {
	var out []models.FillEvent
	for _, fill := range f.fills {
		if !fill.Timestamp.Before(start) && !fill.Timestamp.After(end) {
			out = append(out, fill)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	statuses []string
}

func (f *fakeNotifier) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeNotifier) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeNotifier) SendStatus(_ context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, text)
}

func (f *fakeNotifier) PendingAggregates() int { return 0 }

func monitorConfig() *appconfig.Config {
	return &appconfig.Config{
		Recovery: appconfig.RecoveryConfig{
			Tolerance:          time.Minute,
			MaxLookback:        24 * time.Hour,
			MissingStatePolicy: "skip",
		},
	}
}

func monitorFill(orderID string, at time.Time) models.FillEvent {
	return models.FillEvent{
		Coin:      "BTCUSDT",
		Side:      models.SideBuy,
		Size:      1,
		Price:     60000,
		OrderID:   orderID,
		Timestamp: at,
		Source:    models.SourceStream,
	}
}

func collectAccepted(t *testing.T, ch *channel.Channels, want int) []models.FillEvent {
	t.Helper()
	got := make([]models.FillEvent, 0, want)
	deadline := time.After(3 * time.Second)
	for len(got) < want {
		select {
		case fill := <-ch.Accepted:
			got = append(got, fill)
		case <-deadline:
			t.Fatalf("timed out waiting for accepted fills, got %d of %d", len(got), want)
		}
	}
	return got
}

func TestMonitorLifecycle(t *testing.T) {
	ch := channel.NewChannels(10, 10)
	stream := &fakeStream{}
	notifier := &fakeNotifier{}
	store := &memoryStore{}
	m := New(monitorConfig(), store, ch, stream, nil, &fakeHistory{}, notifier, nil)

	if m.Status().State != StateStopped {
		t.Fatalf("expected stopped, got %s", m.Status().State)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error starting a running monitor")
	}

	status := m.Status()
	if status.State != StateRunning || !status.StreamConnected {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !notifier.started || !stream.started {
		t.Fatal("expected stream and notifier started")
	}

	m.Stop()
	if m.Status().State != StateStopped {
		t.Fatalf("expected stopped, got %s", m.Status().State)
	}
	if !notifier.stopped || !stream.stopped {
		t.Fatal("expected stream and notifier stopped")
	}

	// Stopping again is a no-op.
	m.Stop()
}

func TestMonitorDeduplicatesAcrossSources(t *testing.T) {
	ch := channel.NewChannels(20, 20)
	m := New(monitorConfig(), &memoryStore{}, ch, &fakeStream{}, nil, &fakeHistory{}, &fakeNotifier{}, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	now := time.Now()
	ctx := context.Background()

	// Three fills arrive over the stream, then the same three again
	// from a poller cycle that covers the outage window.
	for _, id := range []string{"a", "b", "c"} {
		ch.SendFill(ctx, monitorFill(id, now))
	}
	for _, id := range []string{"a", "b", "c"} {
		dup := monitorFill(id, now)
		dup.Source = models.SourcePoller
		ch.SendFill(ctx, dup)
	}

	got := collectAccepted(t, ch, 3)
	seen := make(map[string]bool)
	for _, fill := range got {
		if seen[fill.OrderID] {
			t.Fatalf("duplicate fill accepted: %s", fill.OrderID)
		}
		seen[fill.OrderID] = true
	}

	// Nothing else trickles through.
	time.Sleep(100 * time.Millisecond)
	select {
	case fill := <-ch.Accepted:
		t.Fatalf("unexpected extra accepted fill: %+v", fill)
	default:
	}
}

func TestMonitorReplaysDowntimeGap(t *testing.T) {
	now := time.Now()
	store := &memoryStore{}
	st := models.NewNotificationState()
	st.LastProcessedTimestamp = now.Add(-2 * time.Hour)
	if err := store.Save(st); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	missed := monitorFill("missed", now.Add(-time.Hour))
	missed.Source = models.SourcePoller
	history := &fakeHistory{fills: []models.FillEvent{missed}}

	ch := channel.NewChannels(10, 10)
	m := New(monitorConfig(), store, ch, &fakeStream{}, nil, history, &fakeNotifier{}, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	got := collectAccepted(t, ch, 1)
	if got[0].Source != models.SourceRecovery {
		t.Fatalf("expected recovery source, got %s", got[0].Source)
	}
	if got[0].OrderID != "missed" {
		t.Fatalf("unexpected fill: %+v", got[0])
	}
}

func TestMonitorStopPersistsWatermark(t *testing.T) {
	ch := channel.NewChannels(10, 10)
	store := &memoryStore{}
	m := New(monitorConfig(), store, ch, &fakeStream{}, nil, &fakeHistory{}, &fakeNotifier{}, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	at := time.Now()
	ch.SendFill(context.Background(), monitorFill("persisted", at))
	collectAccepted(t, ch, 1)

	m.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saved == nil {
		t.Fatal("expected final snapshot saved")
	}
	if !store.saved.LastProcessedTimestamp.Equal(at.UTC()) && !store.saved.LastProcessedTimestamp.Equal(at) {
		t.Fatalf("expected watermark %s, got %s", at, store.saved.LastProcessedTimestamp)
	}
	if len(store.saved.ProcessedHashes) != 1 {
		t.Fatalf("expected one processed hash, got %d", len(store.saved.ProcessedHashes))
	}
}

func TestMonitorHeartbeatThrottled(t *testing.T) {
	ch := channel.NewChannels(10, 10)
	heartbeats := make(chan time.Time, 10)
	store := &memoryStore{}
	m := New(monitorConfig(), store, ch, &fakeStream{}, nil, &fakeHistory{}, &fakeNotifier{}, heartbeats)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	at := time.Now()
	heartbeats <- at

	deadline := time.After(2 * time.Second)
	for {
		status := m.Status()
		if !status.LastHeartbeat.IsZero() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never recorded")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// flakyNotifier fails Start until allowed.
type flakyNotifier struct {
	fakeNotifier
	mu   sync.Mutex
	fail bool
}

func (f *flakyNotifier) Start(ctx context.Context) error {
	f.mu.Lock()
	failing := f.fail
	f.mu.Unlock()
	if failing {
		return errors.New("sender misconfigured")
	}
	return f.fakeNotifier.Start(ctx)
}

func (f *flakyNotifier) allow() {
	f.mu.Lock()
	f.fail = false
	f.mu.Unlock()
}

func TestStatusSafeDuringStart(t *testing.T) {
	ch := channel.NewChannels(10, 10)
	m := New(monitorConfig(), &memoryStore{}, ch, &fakeStream{}, nil, &fakeHistory{}, &fakeNotifier{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			m.Status()
		}
	}()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-done
	m.Stop()
}

func TestStartFailureRollsBackToStopped(t *testing.T) {
	ch := channel.NewChannels(10, 10)
	notifier := &flakyNotifier{fail: true}
	m := New(monitorConfig(), &memoryStore{}, ch, &fakeStream{}, nil, &fakeHistory{}, notifier, nil)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error when dispatcher fails to start")
	}
	if got := m.Status().State; got != StateStopped {
		t.Fatalf("expected rollback to stopped, got %s", got)
	}
	if m.ctx.Err() == nil {
		t.Fatal("expected derived context cancelled after failed start")
	}

	// A failed start must leave the monitor startable.
	notifier.allow()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	m.Stop()
}
