package deploy

import (
	"log/slog"
	"sync"
)

// Steps numbers verbose log lines per store, so four concurrent pipelines
// each get their own 1..N sequence. The counters are cosmetic only.
type Steps struct {
	mu     sync.Mutex
	counts map[Store]int
	logger *slog.Logger
}

// NewSteps creates a step logger. A nil logger falls back to slog.Default.
func NewSteps(logger *slog.Logger) *Steps {
	if logger == nil {
		logger = slog.Default()
	}
	return &Steps{counts: make(map[Store]int), logger: logger}
}

// Log emits one numbered step line for the store.
func (s *Steps) Log(store Store, msg string, args ...any) {
	s.mu.Lock()
	s.counts[store]++
	n := s.counts[store]
	s.mu.Unlock()

	s.logger.Info(msg, append([]any{"store", store, "step", n}, args...)...)
}
