package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/dispatch-engine/internal/metrics"
)

// starScheduler tracks the deferred "star sent item" actions so that a
// shutdown cancels them explicitly instead of dropping bare timers.
type starScheduler struct {
	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	next    uint64
	stopped bool
	log     *zap.Logger
}

func newStarScheduler(log *zap.Logger) *starScheduler {
	return &starScheduler{timers: make(map[uint64]*time.Timer), log: log}
}

func (s *starScheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	id := s.next
	s.next++
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if !live {
			return
		}
		metrics.StarPending.Dec()
		fn()
	})
	metrics.StarPending.Inc()
}

// Stop cancels every pending action and reports how many were dropped.
func (s *starScheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	dropped := 0
	for id, t := range s.timers {
		if t.Stop() {
			dropped++
		}
		// the callback skips once its entry is gone, so it will not Dec
		metrics.StarPending.Dec()
		delete(s.timers, id)
	}
	if dropped > 0 {
		s.log.Info("cancelled pending star actions", zap.Int("count", dropped))
	}
	return dropped
}
