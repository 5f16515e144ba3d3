package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int](0)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	for want := 1; want <= 5; want++ {
		got, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != want {
			t.Errorf("Get() = %d, want %d", got, want)
		}
	}

	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_GetBlocksUntilPut(t *testing.T) {
	q := New[string](0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		v, err := q.Get(ctx)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case v := <-done:
		t.Fatalf("Get returned %q before anything was queued", v)
	default:
	}

	if err := q.Put(ctx, "abc123"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case v := <-done:
		if v != "abc123" {
			t.Errorf("Get() = %q, want %q", v, "abc123")
		}
	case <-ctx.Done():
		t.Fatal("Get did not wake up after Put")
	}
}

func TestQueue_GetCancelled(t *testing.T) {
	q := New[int](0)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Get() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not observe cancellation")
	}
}

func TestQueue_CancelledContextWinsOverQueuedItem(t *testing.T) {
	q := New[int](0)
	_ = q.Put(context.Background(), 7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Get(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want the item to stay queued", q.Len())
	}
}

func TestQueue_BoundedPutBackpressure(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()

	if err := q.Put(ctx, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if q.TryPut(2) {
		t.Fatal("TryPut should fail on a full queue")
	}

	putCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := q.Put(putCtx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Put on full queue error = %v, want deadline exceeded", err)
	}

	released := make(chan error, 1)
	go func() {
		released <- q.Put(ctx, 3)
	}()

	time.Sleep(10 * time.Millisecond)
	if v, _ := q.Get(ctx); v != 1 {
		t.Fatalf("Get() = %d, want 1", v)
	}

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("blocked Put error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Put was not released after Get")
	}

	if v, _ := q.Get(ctx); v != 3 {
		t.Errorf("Get() = %d, want 3", v)
	}
}

func TestQueue_Close(t *testing.T) {
	q := New[int](0)
	ctx := context.Background()
	_ = q.Put(ctx, 1)
	q.Close()
	q.Close()

	if err := q.Put(ctx, 2); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close error = %v, want ErrClosed", err)
	}
	if v, err := q.Get(ctx); err != nil || v != 1 {
		t.Errorf("Get() = (%d, %v), want (1, nil)", v, err)
	}
	if _, err := q.Get(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Get on closed empty queue error = %v, want ErrClosed", err)
	}
}

func TestQueue_Drain(t *testing.T) {
	q := New[string](0)
	ctx := context.Background()
	_ = q.Put(ctx, "a")
	_ = q.Put(ctx, "b")

	got := q.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Drain() = %v, want [a b]", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", q.Len())
	}
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := New[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const producers, perProducer = 8, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Put(ctx, base*perProducer+i); err != nil {
					t.Errorf("Put: %v", err)
					return
				}
			}
		}(p)
	}

	seen := make(map[int]int)
	var mu sync.Mutex
	var consumers sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				v, err := q.Get(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	q.Close()
	consumers.Wait()

	if len(seen) != producers*perProducer {
		t.Fatalf("consumed %d distinct values, want %d", len(seen), producers*perProducer)
	}
	for v, n := range seen {
		if n != 1 {
			t.Errorf("value %d consumed %d times", v, n)
		}
	}
}
