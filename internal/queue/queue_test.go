package queue

import (
	"context"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Put(i)
	}
	if q.Len() != 100 {
		t.Fatalf("Len = %d, want 100", q.Len())
	}
	for i := 0; i < 100; i++ {
		v, ok := q.TryGet()
		if !ok || v != i {
			t.Fatalf("TryGet #%d = (%d, %v)", i, v, ok)
		}
	}
	if _, ok := q.TryGet(); ok {
		t.Error("TryGet on empty queue returned ok")
	}
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New[string]()
	done := make(chan string, 1)
	go func() {
		v, err := q.Get(context.Background())
		if err != nil {
			t.Errorf("Get: %v", err)
		}
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put("hello")

	select {
	case v := <-done:
		if v != "hello" {
			t.Errorf("Get = %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Put")
	}
}

func TestGetReturnsOnCancel(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Get returned nil error after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not return after cancel")
	}
}

func TestConcurrentConsumersDrainEverything(t *testing.T) {
	q := New[int]()
	const n = 1000
	results := make(chan int, n)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for w := 0; w < 4; w++ {
		go func() {
			for {
				v, err := q.Get(ctx)
				if err != nil {
					return
				}
				results <- v
			}
		}()
	}

	for i := 0; i < n; i++ {
		q.Put(i)
	}

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-results:
			if seen[v] {
				t.Fatalf("item %d delivered twice", v)
			}
			seen[v] = true
		case <-ctx.Done():
			t.Fatalf("drained only %d of %d items", i, n)
		}
	}
}
