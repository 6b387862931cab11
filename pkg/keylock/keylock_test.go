package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	m := New()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	release()

	// Re-acquiring after release must succeed immediately.
	release, err = m.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	release()

	// All entries must be cleaned up once released.
	m.mu.Lock()
	n := len(m.keys)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("expected 0 live entries, got %d", n)
	}
}

func TestAcquireTimeout(t *testing.T) {
	m := New()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	_, err = m.Acquire(ctx, "a", 20*time.Millisecond)
	if !errors.Is(err, ErrWaitExpired) {
		t.Fatalf("expected ErrWaitExpired, got %v", err)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	m := New()

	release, err := m.Acquire(context.Background(), "a", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(ctx, "a", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	m := New()
	ctx := context.Background()

	releaseA, err := m.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	releaseB, err := m.Acquire(ctx, "b", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unrelated key blocked: %v", err)
	}
	releaseB()
}

func TestAcquireAllDuplicateKeys(t *testing.T) {
	m := New()

	// The same key twice must not self-deadlock.
	release, err := m.AcquireAll(context.Background(), []string{"a", "a"}, time.Second)
	if err != nil {
		t.Fatalf("acquire all: %v", err)
	}
	release()
}

func TestAcquireAllNoDeadlockOnOverlap(t *testing.T) {
	m := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	// Overlapping key sets in opposing order; canonical ordering must
	// prevent the classic AB/BA deadlock.
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := m.AcquireAll(ctx, []string{"x", "y"}, 5*time.Second)
			if err != nil {
				t.Errorf("acquire x,y: %v", err)
				return
			}
			release()
		}()
		go func() {
			defer wg.Done()
			release, err := m.AcquireAll(ctx, []string{"y", "x"}, 5*time.Second)
			if err != nil {
				t.Errorf("acquire y,x: %v", err)
				return
			}
			release()
		}()
	}
	wg.Wait()
}

func TestMutualExclusion(t *testing.T) {
	m := New()
	ctx := context.Background()

	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(ctx, "shared", 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Errorf("expected at most 1 concurrent holder, observed %d", max)
	}
}
