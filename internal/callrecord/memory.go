package callrecord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heartbeam/calling/internal/identity"
)

// MemoryStore keeps records in process. Used by tests and single-node dev
// runs; multi-node deployments use the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	history map[identity.UserID][]string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		history: make(map[identity.UserID][]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateCall(_ context.Context, caller, receiver identity.UserID, callType Type) (Record, error) {
	if caller == receiver {
		return Record{}, fmt.Errorf("caller and receiver are the same user %v", caller)
	}
	if !callType.Valid() {
		return Record{}, fmt.Errorf("invalid call type %q", callType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		ID:         uuid.NewString(),
		CallerID:   caller,
		ReceiverID: receiver,
		Type:       callType,
		Status:     StatusRinging,
		StartedAt:  s.now(),
	}
	s.records[rec.ID] = rec
	s.history[caller] = append([]string{rec.ID}, s.history[caller]...)
	s.history[receiver] = append([]string{rec.ID}, s.history[receiver]...)
	return rec, nil
}

func (s *MemoryStore) UpdateCallStatus(_ context.Context, id string, status Status) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if err := validateTransition(rec.Status, status); err != nil {
		return Record{}, err
	}
	rec.Status = status
	if status.Terminal() {
		rec.EndedAt = s.now()
	}
	s.records[id] = rec
	return rec, nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) History(_ context.Context, user identity.UserID, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.history[user]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id])
	}
	return out, nil
}
