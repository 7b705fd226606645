package render

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often expired entries are cleared
const DefaultSweepInterval = time.Minute

// Sweeper periodically clears expired cache entries
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	log      zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper for cache; interval <= 0 selects the default
func NewSweeper(cache *Cache, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		cache:    cache,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the background sweep loop
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the loop started by Start and waits for it to exit.
// Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.cache.ClearExpired(); n > 0 {
				s.log.Debug().Int("removed", n).Msg("expired renders cleared")
			}
		case <-s.stopCh:
			return
		}
	}
}
