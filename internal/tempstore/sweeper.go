package tempstore

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically evicts expired entries so long-idle stores do not
// hold dead data in memory. Correctness never depends on it: reads already
// treat expired entries as absent.
type Sweeper struct {
	store  *Store
	poll   time.Duration
	logger *slog.Logger
}

// NewSweeper creates a Sweeper. If pollInterval is <= 0, it defaults to 30s.
func NewSweeper(store *Store, pollInterval time.Duration) *Sweeper {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Sweeper{
		store:  store,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}

		if n := s.store.Cleanup(); n > 0 {
			s.logger.Debug("temp store sweep", "evicted", n)
		}
	}
}
