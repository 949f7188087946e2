package parallel

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs submitted functions on at most limit goroutines. Submit never
// blocks, functions wait for a free slot in the background.
type Pool struct {
	g       errgroup.Group
	pending sync.WaitGroup
}

func NewPool(limit int) *Pool {
	p := &Pool{}
	p.g.SetLimit(max(1, limit))
	return p
}

// DefaultLimit is the number of CPUs minus one, keeping one for the
// caller, but at least 1.
func DefaultLimit() int {
	return max(1, runtime.NumCPU()-1)
}

func (p *Pool) Submit(f func()) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		p.g.Go(func() error {
			f()
			return nil
		})
	}()
}

// Wait blocks until all submitted functions returned
func (p *Pool) Wait() {
	p.pending.Wait()
	_ = p.g.Wait()
}
