package models

import "time"

// DedupWindowSize bounds the processed-hash set. It is a dedup window,
// not an audit log; the oldest hash is evicted first.
const DedupWindowSize = 1000

// NotificationState is the durable watermark persisted between runs.
type NotificationState struct {
	// LastProcessedTimestamp only ever advances, never rolls back.
	LastProcessedTimestamp time.Time `json:"last_processed_timestamp"`
	ProcessedHashes        []string  `json:"processed_hashes"`
	LastHeartbeat          time.Time `json:"last_heartbeat"`
}

// NewNotificationState returns an empty state for a first run.
func NewNotificationState() *NotificationState {
	return &NotificationState{ProcessedHashes: make([]string, 0, DedupWindowSize)}
}

// Clone returns a deep copy so the store can marshal without racing the
// in-memory owner.
func (s *NotificationState) Clone() *NotificationState {
	c := &NotificationState{
		LastProcessedTimestamp: s.LastProcessedTimestamp,
		LastHeartbeat:          s.LastHeartbeat,
		ProcessedHashes:        make([]string, len(s.ProcessedHashes)),
	}
	copy(c.ProcessedHashes, s.ProcessedHashes)
	return c
}
