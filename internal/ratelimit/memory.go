package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/rs/zerolog/log"
)

// MemoryStore keeps windows in process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, cfg config.LimitConfig) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, res := apply(s.entries[key], now, cfg)
	s.entries[key] = e
	return res, nil
}

// Sweep removes entries whose window elapsed and that are not blocked.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps on every interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	logger := log.With().Str("component", "rate_limit_sweeper").Logger()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				logger.Debug().Int("removed", n).Msg("swept rate limit entries")
			}
		}
	}
}
