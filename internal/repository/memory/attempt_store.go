package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"credguard/internal/models"
)

// AttemptStore keeps per-source logs sorted by time. Entries before the
// requested window are pruned on read.
type AttemptStore struct {
	mu   sync.Mutex
	logs map[string][]models.FailedAttempt
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{logs: make(map[string][]models.FailedAttempt)}
}

func (s *AttemptStore) Append(ctx context.Context, attempt models.FailedAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[attempt.SourceID]
	i := sort.Search(len(log), func(i int) bool { return log[i].AttemptAt.After(attempt.AttemptAt) })
	log = append(log, models.FailedAttempt{})
	copy(log[i+1:], log[i:])
	log[i] = attempt
	s.logs[attempt.SourceID] = log
	return nil
}

func (s *AttemptStore) CountSince(ctx context.Context, sourceID string, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pruneLocked(sourceID, windowStart)), nil
}

func (s *AttemptStore) OldestSince(ctx context.Context, sourceID string, windowStart time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.pruneLocked(sourceID, windowStart)
	if len(log) == 0 {
		return time.Time{}, false, nil
	}
	return log[0].AttemptAt, true, nil
}

func (s *AttemptStore) DeleteAll(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.logs, sourceID)
	return nil
}

func (s *AttemptStore) pruneLocked(sourceID string, windowStart time.Time) []models.FailedAttempt {
	log := s.logs[sourceID]
	i := sort.Search(len(log), func(i int) bool { return !log[i].AttemptAt.Before(windowStart) })
	if i == 0 {
		return log
	}
	log = append([]models.FailedAttempt(nil), log[i:]...)
	if len(log) == 0 {
		delete(s.logs, sourceID)
		return nil
	}
	s.logs[sourceID] = log
	return log
}
