package mux

import (
	"context"
	"sync"

	"github.com/AutoMQ/h2mux/pkg/transport"
)

// slot is a bounded delivery queue with one producer, the receive loop.
// ch is never closed so that a blocked producer cannot panic, done is closed instead.
type slot struct {
	ch        chan *transport.RawResponse
	done      chan struct{}
	closeOnce sync.Once
}

func newSlot(capacity int) *slot {
	return &slot{
		ch:   make(chan *transport.RawResponse, capacity),
		done: make(chan struct{}),
	}
}

// push blocks until resp is queued or the slot is closed. It reports whether resp was queued.
func (s *slot) push(resp *transport.RawResponse) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- resp:
		return true
	case <-s.done:
		return false
	}
}

// pop blocks until a response is queued, the slot is closed or ctx is done.
// Queued responses are returned before the closing is noticed.
func (s *slot) pop(ctx context.Context) (*transport.RawResponse, error) {
	select {
	case resp := <-s.ch:
		return resp, nil
	default:
	}
	select {
	case resp := <-s.ch:
		return resp, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slot) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *slot) len() int {
	return len(s.ch)
}
