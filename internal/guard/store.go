package guard

import (
	"context"
	"sync"
	"time"
)

// RateStore - хранилище отметок времени для скользящих окон.
// Инжектируется как способность: продакшен использует Postgres-реализацию
// из internal/database, тесты - MemoryStore ниже.
type RateStore interface {
	Record(ctx context.Context, scope, actorKey string, ts time.Time) error
	CountSince(ctx context.Context, scope, actorKey string, since time.Time) (int, error)
	TimestampsSince(ctx context.Context, scope, actorKey string, since time.Time) ([]time.Time, error)
	EvictBefore(ctx context.Context, cutoff time.Time) error
}

// MemoryStore - потокобезопасное хранилище окон в памяти.
// Отметки старше запрошенного окна вычищаются лениво при каждом чтении.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

func bucketKey(scope, actorKey string) string {
	return scope + "\x00" + actorKey
}

func (s *MemoryStore) Record(_ context.Context, scope, actorKey string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketKey(scope, actorKey)
	s.windows[key] = append(s.windows[key], ts)
	return nil
}

func (s *MemoryStore) CountSince(_ context.Context, scope, actorKey string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evictLocked(bucketKey(scope, actorKey), since)), nil
}

func (s *MemoryStore) TimestampsSince(_ context.Context, scope, actorKey string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.evictLocked(bucketKey(scope, actorKey), since)
	result := make([]time.Time, len(kept))
	copy(result, kept)
	return result, nil
}

func (s *MemoryStore) EvictBefore(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.windows {
		if kept := s.evictLocked(key, cutoff); len(kept) == 0 {
			delete(s.windows, key)
		}
	}
	return nil
}

// evictLocked отбрасывает отметки старше since; вызывается под мьютексом.
// Отметки упорядочены по времени записи, так что достаточно найти границу.
func (s *MemoryStore) evictLocked(key string, since time.Time) []time.Time {
	timestamps := s.windows[key]
	cut := 0
	for cut < len(timestamps) && timestamps[cut].Before(since) {
		cut++
	}
	if cut > 0 {
		timestamps = timestamps[cut:]
		s.windows[key] = timestamps
	}
	return timestamps
}
