package callgroup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDoDeduplicatesConcurrentCalls(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32
	release := make(chan struct{})

	const waiters = 8
	results := make([]int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := g.Do("chunk-a", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v
		}()
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fn executed %d times, want 1", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("waiter %d got %d, want 42", i, v)
		}
	}
}

func TestDoForgetsKeyAfterCompletion(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32
	for j := 0; j < 3; j++ {
		if _, err := g.Do("k", func() (int, error) {
			calls.Add(1)
			return 0, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("sequential calls executed %d times, want 3", got)
	}
}

func TestDoPropagatesError(t *testing.T) {
	var g Group[int, string]
	want := errors.New("holder unreachable")
	_, err := g.Do(7, func() (string, error) { return "", want })
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}
