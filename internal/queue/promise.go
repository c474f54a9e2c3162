package queue

import (
	"context"
	"sync/atomic"
)

// Promise is a single-assignment completion cell. Every enqueued event
// gets exactly one Promise, and the queue settles it exactly once:
// fulfilled with the reply text (possibly empty, meaning "no reply") or
// rejected with the backend failure. Settling twice is a programming
// error and panics.
type Promise struct {
	settled atomic.Bool
	done    chan struct{}
	text    string
	err     error
}

func newPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

func (p *Promise) fulfill(text string) {
	if !p.settled.CompareAndSwap(false, true) {
		panic("queue: promise settled twice")
	}
	p.text = text
	close(p.done)
}

func (p *Promise) reject(err error) {
	if !p.settled.CompareAndSwap(false, true) {
		panic("queue: promise settled twice")
	}
	p.err = err
	close(p.done)
}

// Done returns a channel closed when the promise settles.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Wait blocks until the promise settles or ctx expires.
func (p *Promise) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.done:
		return p.text, p.err
	}
}
