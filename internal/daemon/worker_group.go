package daemon

import (
	"context"
	"sync"
)

// WorkerGroup tracks the event consumer goroutines. Once StopAndWait has
// been called, Go refuses new workers so Add never races Wait.
type WorkerGroup struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopping bool
}

// Go starts fn unless the group is stopping.
func (g *WorkerGroup) Go(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping || fn == nil {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

// StopAndWait waits for running workers, bounded by ctx.
func (g *WorkerGroup) StopAndWait(ctx context.Context) error {
	g.mu.Lock()
	g.stopping = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
