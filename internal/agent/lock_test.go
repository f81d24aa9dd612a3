package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocksPerAgent(t *testing.T) {
	l := NewLocks()

	unlock, ok := l.TryLock("coder")
	if !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok := l.TryLock("coder"); ok {
		t.Error("expected second TryLock on same agent to fail")
	}
	if !l.Busy("coder") {
		t.Error("expected coder to be busy")
	}

	other, ok := l.TryLock("tester")
	if !ok {
		t.Fatal("expected lock on a different agent to succeed")
	}
	other()

	unlock()
	if l.Busy("coder") {
		t.Error("expected coder to be free after unlock")
	}
}

func TestLockHonorsContext(t *testing.T) {
	l := NewLocks()
	unlock, _ := l.TryLock("coder")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "coder"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLockWaitsForRelease(t *testing.T) {
	l := NewLocks()
	unlock, _ := l.TryLock("coder")

	acquired := make(chan struct{})
	go func() {
		release, err := l.Lock(context.Background(), "coder")
		if err == nil {
			release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not acquired after release")
	}
}
