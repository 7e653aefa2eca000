package results

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore keeps results in process for local and test use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]BlockRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]BlockRecord)}
}

func (s *InMemoryStore) SaveBlock(_ context.Context, record BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Trials = append([]TrialRecord(nil), record.Trials...)
	s.records[record.ID] = record
	return nil
}

func (s *InMemoryStore) GetBlock(_ context.Context, id string) (BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return BlockRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Trials = append([]TrialRecord(nil), rec.Trials...)
	return rec, nil
}

// ListBlocks returns the newest blocks first, without trial rows.
func (s *InMemoryStore) ListBlocks(_ context.Context, participantID string, limit int) ([]BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlockRecord, 0, len(s.records))
	for _, rec := range s.records {
		if participantID != "" && rec.ParticipantID != participantID {
			continue
		}
		rec.Trials = nil
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
