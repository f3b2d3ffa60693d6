package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fillwatch/logger"
	"fillwatch/models"
)

// Store persists the notification watermark between runs. The monitor's
// Starting and Stopping transitions are the only lifecycle points that
// touch Load; all mutations flow through the single dedup goroutine.
type Store interface {
	Load() (*models.NotificationState, error)
	Save(state *models.NotificationState) error
	TouchHeartbeat(t time.Time) error
}

// FileStore keeps the state in a single JSON file. Every save writes a
// temp file in the same directory and renames it over the target, so a
// crash mid-write never yields a truncated file.
type FileStore struct {
	path string
	mu   sync.Mutex
	last *models.NotificationState
	log  *logger.Log
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		log:  logger.GetLogger(),
	}
}

// Load reads the state file. A missing or unparseable file yields a
// fresh empty state; the caller decides the watermark policy for it.
func (s *FileStore) Load() (*models.NotificationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.WithComponent("state_store").WithFields(logger.Fields{"path": s.path})

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("no state file found, starting fresh")
			s.last = models.NewNotificationState()
			return s.last.Clone(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st models.NotificationState
	if err := json.Unmarshal(data, &st); err != nil {
		log.WithError(err).Warn("state file unparseable, starting fresh")
		s.last = models.NewNotificationState()
		return s.last.Clone(), nil
	}

	if len(st.ProcessedHashes) > models.DedupWindowSize {
		st.ProcessedHashes = st.ProcessedHashes[len(st.ProcessedHashes)-models.DedupWindowSize:]
	}

	log.WithFields(logger.Fields{
		"watermark":        st.LastProcessedTimestamp,
		"processed_hashes": len(st.ProcessedHashes),
	}).Info("state loaded")

	s.last = st.Clone()
	return &st, nil
}

// Save atomically replaces the state file. A failed write is retried
// once; a second failure is returned so the caller can fall back to
// in-memory-only state.
func (s *FileStore) Save(state *models.NotificationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := state.Clone()
	err := s.write(snapshot)
	if err != nil {
		s.log.WithComponent("state_store").WithError(err).Warn("state write failed, retrying once")
		err = s.write(snapshot)
	}
	if err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}

	s.last = snapshot
	return nil
}

// TouchHeartbeat updates only the heartbeat field of the last persisted
// state without disturbing the hash set.
func (s *FileStore) TouchHeartbeat(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil {
		s.last = models.NewNotificationState()
	}
	s.last.LastHeartbeat = t

	if err := s.write(s.last); err != nil {
		return fmt.Errorf("failed to persist heartbeat: %w", err)
	}
	return nil
}

func (s *FileStore) write(state *models.NotificationState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}

	logger.IncrementStateSave(len(data))
	return nil
}
