package agent

import (
	"context"
	"sync"
)

// Locks hands out one mutex per agent id. Lock honors ctx so a caller
// waiting behind a long task can give up.
type Locks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocks() *Locks {
	return &Locks{slots: make(map[string]chan struct{})}
}

func (l *Locks) slot(agentID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[agentID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[agentID] = ch
	}
	return ch
}

// Lock blocks until the agent's lock is held or ctx is done. The returned
// func releases it.
func (l *Locks) Lock(ctx context.Context, agentID string) (func(), error) {
	ch := l.slot(agentID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the agent's lock without waiting.
func (l *Locks) TryLock(agentID string) (func(), bool) {
	ch := l.slot(agentID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

// Busy reports whether the agent's lock is currently held.
func (l *Locks) Busy(agentID string) bool {
	return len(l.slot(agentID)) > 0
}
