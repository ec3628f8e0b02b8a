// Package callgroup provides call deduplication by key.
//
// If multiple goroutines request the same key concurrently, only one
// executes the function; the others wait and receive the same result.
// Once the call returns the key is forgotten, so later calls trigger a
// fresh execution. Retrieval and healing use this to fetch a chunk's
// ciphertext from the fleet at most once at a time.
package callgroup

import "sync"

// Result carries the outcome of a deduplicated call.
type Result[V any] struct {
	Val V
	Err error
}

// Group deduplicates concurrent function calls by key.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	res  Result[V]
}

// DoChan executes fn if no call is in flight for key. If a call is
// already in flight, the returned channel receives the result of that
// existing call. The channel receives exactly one value and is never
// closed.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return waitOn(c)
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.res.Val, c.res.Err = fn()
		close(c.done)

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()

	return waitOn(c)
}

// Do is the blocking form of DoChan.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error) {
	res := <-g.DoChan(key, fn)
	return res.Val, res.Err
}

func waitOn[V any](c *call[V]) <-chan Result[V] {
	ch := make(chan Result[V], 1)
	go func() {
		<-c.done
		ch <- c.res
	}()
	return ch
}
