package checkout

import (
	"context"
	"log"
	"time"
)

// HoldSweeper periodically releases expired key holds so abandoned checkouts
// return their keys to the pool.
type HoldSweeper struct {
	repo     Repository
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewHoldSweeper creates a sweeper over the given repository. interval <= 0
// defaults to one minute.
func NewHoldSweeper(repo Repository, interval time.Duration) *HoldSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HoldSweeper{
		repo:     repo,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in a background goroutine.
func (s *HoldSweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				released, err := s.repo.ReleaseExpiredHolds(context.Background(), time.Now())
				if err != nil {
					log.Printf("hold sweeper: releasing expired holds failed: %v", err)
					continue
				}
				if released > 0 {
					log.Printf("hold sweeper: released %d expired key hold(s)", released)
				}
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *HoldSweeper) Stop() {
	close(s.stop)
	<-s.done
}
