package memory

import (
	"context"
	"sync"
	"time"
)

// Sweeper periodically flushes idle sessions and retries parked embedding
// jobs. Eviction only ever happens through a flush, so an unreachable
// ledger means the session simply waits in the cache for the next pass.
type Sweeper struct {
	manager  *Manager
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSweeper creates a sweeper for the manager. Interval defaults to one
// minute when unset.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// SweepOnce runs a single pass: retry parked jobs, then flush every
// session idle longer than the TTL. A failed flush leaves its session in
// the cache for the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	m := s.manager
	m.retryPending(ctx)

	cutoff := time.Now().UTC().Add(-m.opts.SessionTTL)
	expired, err := m.cache.Expired(ctx, cutoff)
	if err != nil {
		m.logger.Warn("sweep could not list expired sessions", "error", err)
		return
	}

	for _, meta := range expired {
		if err := m.Flush(ctx, meta.SessionID); err != nil {
			m.logger.Warn("sweep flush failed, session retained",
				"session", meta.SessionID, "error", err)
		}
	}
}
