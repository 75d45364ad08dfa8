package data

import (
	"context"
	"sync"
)

// Outcome counts the peers a request reached.
type Outcome struct {
	NumSuccess int
	NumFaults  int
}

// Future is the pending outcome of one broadcaster's send.
type Future struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future that is already resolved.
func CompletedFuture(outcome Outcome, err error) *Future {
	f := NewFuture()
	f.Complete(outcome, err)
	return f
}

// Complete resolves the future. Only the first call has an effect.
func (f *Future) Complete(outcome Outcome, err error) {
	f.once.Do(func() {
		f.outcome = outcome
		f.err = err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, f.err
	default:
	}
	select {
	case <-f.done:
		return f.outcome, f.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
