package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemory keeps records in process for local runs and tests.
type InMemory struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string][]TurnRecord)}
}

func (s *InMemory) SaveTurn(_ context.Context, record TurnRecord) error {
	fill(&record)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.SessionID], record)
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].Turn < arr[j].Turn })
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemory) ListTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[:limit])
	return out, nil
}

func (s *InMemory) Close() error { return nil }

func fill(r *TurnRecord) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}
