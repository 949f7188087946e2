// Package parallel runs functions on a bounded number of goroutines.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies a function to the elements of a sequence on at most limit
// goroutines. Results are yielded in completion order. Errors of the input
// sequence are passed through. A cancelled context ends the processing.
//
//	for d, err := range parallel.NewMap(ctx, 4, f).Iter(input) {}
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	limit = max(1, limit)
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one extra slot for the goroutine feeding the workers
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan result[D], limit),
		mapFunc:      mapFunc,
	}
}

func (m *Map[E, D]) send(r result[D]) error {
	select {
	case <-m.gctx.Done():
		return m.gctx.Err()
	case m.mapped <- r:
		return nil
	}
}

func (m *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	m.g.Go(func() error {
		for entry, err := range seq {
			if m.gctx.Err() != nil {
				return m.gctx.Err()
			}
			if err != nil {
				var zero D
				if err := m.send(result[D]{d: zero, e: err}); err != nil {
					return err
				}
				continue
			}
			m.g.Go(func() error {
				d, err := m.mapFunc(m.gctx, entry)
				return m.send(result[D]{d: d, e: err})
			})
		}
		return nil
	})
}

func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer m.cancelParent()
		m.goWorkers(seq)

		go func() {
			_ = m.g.Wait()
			close(m.mapped)
		}()

		for r := range m.mapped {
			if m.parentCtx.Err() != nil {
				break
			}
			if !yield(r.d, r.e) {
				break
			}
		}
		// unblock and drain the workers
		m.cancelParent()
		for range m.mapped {
		}
	}
}
