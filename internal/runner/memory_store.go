package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/invosync/invosync/internal/models"
)

// MemoryStore is an in-memory RunStore. Runs do not survive a restart; use
// the database-backed store in production.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]models.RunRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]models.RunRecord)}
}

func (s *MemoryStore) Create(_ context.Context, record *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[record.ID]; exists {
		return fmt.Errorf("run %s already exists", record.ID)
	}
	s.runs[record.ID] = *record
	return nil
}

func (s *MemoryStore) Update(_ context.Context, record *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[record.ID]; !exists {
		return fmt.Errorf("run %s not found", record.ID)
	}
	s.runs[record.ID] = *record
	return nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, exists := s.runs[id]
	if !exists {
		return fmt.Errorf("run %s not found", id)
	}
	record.HeartbeatAt = at
	s.runs[id] = record
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, exists := s.runs[id]
	if !exists {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return &record, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]models.RunRecord, 0, len(s.runs))
	for _, record := range s.runs {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) FindByIdentity(_ context.Context, key string, cutoff time.Time) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *models.RunRecord
	for _, record := range s.runs {
		if record.Identity.Key() != key || record.CreatedAt.Before(cutoff) {
			continue
		}
		if newest == nil || record.CreatedAt.After(newest.CreatedAt) {
			copied := record
			newest = &copied
		}
	}
	return newest, nil
}
