package cache

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/property-research/internal/model"
)

type mockAgeReader struct {
	mock.Mock
}

func (m *mockAgeReader) CacheAge(ctx context.Context, domain string, kind model.ContentKind) (time.Duration, bool, error) {
	args := m.Called(ctx, domain, kind)
	return args.Get(0).(time.Duration), args.Bool(1), args.Error(2)
}

// memStore is an in-memory ContentStore with a controllable clock.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*model.CacheEntry
	now     time.Time
	puts    int
	getErr  error
}

func newMemStore(now time.Time) *memStore {
	return &memStore{entries: make(map[string]*model.CacheEntry), now: now}
}

func (s *memStore) GetCache(_ context.Context, domain string, kind model.ContentKind) (*model.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	e, ok := s.entries[cacheKey(domain, kind)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) PutCache(_ context.Context, domain string, kind model.ContentKind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.entries[cacheKey(domain, kind)] = &model.CacheEntry{Domain: domain, Kind: kind, Payload: payload, CreatedAt: s.now}
	return nil
}

func (s *memStore) putAt(domain string, kind model.ContentKind, payload string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cacheKey(domain, kind)] = &model.CacheEntry{Domain: domain, Kind: kind, Payload: []byte(payload), CreatedAt: at}
}
