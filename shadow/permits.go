package shadow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Permits hands out the per-instance single-flight token shared by the
// sync engine and the migration coordinator: at most one dump-or-migration
// operation runs for an instance at a time.
//
// The sync engine uses TryAcquire and skips its tick when the permit is
// held; a starting migration uses Acquire, waiting out an in-flight sync
// tick and then starving subsequent ticks until the migration resolves.
type Permits struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewPermits creates an empty permit table.
func NewPermits() *Permits {
	return &Permits{sems: make(map[string]*semaphore.Weighted)}
}

func (p *Permits) sem(id string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[id]
	if !ok {
		s = semaphore.NewWeighted(1)
		p.sems[id] = s
	}
	return s
}

// TryAcquire takes the instance permit without blocking, reporting
// whether it was free.
func (p *Permits) TryAcquire(id string) bool {
	return p.sem(id).TryAcquire(1)
}

// Acquire blocks for the instance permit until granted or the context
// ends.
func (p *Permits) Acquire(ctx context.Context, id string) error {
	return p.sem(id).Acquire(ctx, 1)
}

// Release returns the instance permit.
func (p *Permits) Release(id string) {
	p.sem(id).Release(1)
}

// Forget drops the permit entry for a purged instance.
func (p *Permits) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sems, id)
}
