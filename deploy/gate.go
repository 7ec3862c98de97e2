package deploy

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SessionGate serializes access to shared interactive resources, such as a
// single browser process two legacy pipelines would otherwise fight over
// during a two-factor prompt. One slot per resource name.
type SessionGate struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewSessionGate creates an empty gate.
func NewSessionGate() *SessionGate {
	return &SessionGate{sems: make(map[string]*semaphore.Weighted)}
}

func (g *SessionGate) sem(resource string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sems[resource]
	if !ok {
		s = semaphore.NewWeighted(1)
		g.sems[resource] = s
	}
	return s
}

// Acquire blocks until the resource's slot is free or ctx is done.
func (g *SessionGate) Acquire(ctx context.Context, resource string) error {
	return g.sem(resource).Acquire(ctx, 1)
}

// Release frees the resource's slot. It must follow a successful Acquire.
func (g *SessionGate) Release(resource string) {
	g.sem(resource).Release(1)
}
