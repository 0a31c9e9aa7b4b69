package pdmlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pdmcore/errs"
)

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	lock := New()
	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		lock.Acquire(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			return nil
		})
	}()

	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	err := lock.Acquire(context.Background(), func(ctx context.Context) error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		// the second Acquire call should have blocked until release fires
		t.Errorf("order = %v, want [1 2] (second acquire should block)", order)
	}
}

func TestAcquireIsReentrantWithinSameContext(t *testing.T) {
	lock := New()
	var innerRan bool
	err := lock.Acquire(context.Background(), func(ctx context.Context) error {
		return lock.Acquire(ctx, func(ctx context.Context) error {
			innerRan = true
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !innerRan {
		t.Error("nested Acquire with the same ctx should run its closure without deadlocking")
	}
}

func TestTryAcquireReturnsBusyWhenHeld(t *testing.T) {
	lock := New()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		lock.Acquire(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	defer close(release)

	// give the goroutine a moment to actually be holding mu
	time.Sleep(10 * time.Millisecond)

	err := lock.TryAcquire(context.Background(), func(ctx context.Context) error {
		t.Error("TryAcquire should not have run its closure while the lock is held")
		return nil
	})
	var busy *errs.PdmBusyError
	if !errors.As(err, &busy) {
		t.Errorf("TryAcquire error = %v, want *errs.PdmBusyError", err)
	}
}

func TestTryAcquireIsReentrant(t *testing.T) {
	lock := New()
	var innerRan bool
	err := lock.Acquire(context.Background(), func(ctx context.Context) error {
		return lock.TryAcquire(ctx, func(ctx context.Context) error {
			innerRan = true
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !innerRan {
		t.Error("nested TryAcquire with the same ctx should run its closure, not report busy")
	}
}
