package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	DefaultLimit         = 5
	DefaultWindow        = 60 * time.Second
	DefaultSweepInterval = 10 * time.Minute
	DefaultHorizon       = time.Hour
)

type Config struct {
	Limit         int
	Window        time.Duration
	SweepInterval time.Duration
	Horizon       time.Duration
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// SlidingWindow admits at most Limit events per key within any Window-long
// interval. Admission timestamps are kept per key in ascending order.
type SlidingWindow struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string][]time.Time
	now     func() time.Time
	logger  *log.Logger
}

func NewSlidingWindow(cfg Config, logger *log.Logger) *SlidingWindow {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Horizon < cfg.Window {
		cfg.Horizon = DefaultHorizon
		if cfg.Horizon < cfg.Window {
			cfg.Horizon = cfg.Window
		}
	}
	return &SlidingWindow{
		cfg:     cfg,
		entries: make(map[string][]time.Time),
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *SlidingWindow) Limit() int {
	return s.cfg.Limit
}

func (s *SlidingWindow) Allow(key string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stamps := pruneBefore(s.entries[key], now.Add(-s.cfg.Window))

	if len(stamps) >= s.cfg.Limit {
		s.entries[key] = stamps
		retryAfter := stamps[0].Add(s.cfg.Window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	stamps = append(stamps, now)
	s.entries[key] = stamps
	return Decision{Allowed: true, Remaining: s.cfg.Limit - len(stamps)}
}

// Sweep drops keys without activity inside the horizon and trims stale
// timestamps from the rest. It returns the number of keys removed.
func (s *SlidingWindow) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, stamps := range s.entries {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(now.Add(-s.cfg.Horizon)) {
			delete(s.entries, key)
			removed++
			continue
		}
		s.entries[key] = pruneBefore(stamps, now.Add(-s.cfg.Window))
	}
	return removed
}

func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps on every SweepInterval until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.Sweep()
			if s.logger != nil && removed > 0 {
				s.logger.Printf("ratelimit sweep removed_keys=%d", removed)
			}
		}
	}
}

// pruneBefore returns stamps with every entry at or before cutoff removed.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	index := 0
	for index < len(stamps) && !stamps[index].After(cutoff) {
		index++
	}
	if index == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[index:]...)
}
