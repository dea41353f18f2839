package mux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/AutoMQ/h2mux/pkg/transport"
)

type write struct {
	id   uint32
	data string
	end  bool
}

// fakeTransport hands out the responses given to deliver, in order.
type fakeTransport struct {
	origin transport.Origin

	mu      sync.Mutex
	nextID  uint32
	sendErr error
	bodyErr error // returned with the allocated id, as a stream reset while writing the body
	sent    []*transport.OutRequest
	writes  []write

	resps     chan *transport.RawResponse
	failCh    chan error
	closedCh  chan struct{}
	closeOnce sync.Once
	recvCalls atomic.Int32
}

func newFakeTransport(origin transport.Origin) *fakeTransport {
	return &fakeTransport{
		origin:   origin,
		nextID:   1,
		resps:    make(chan *transport.RawResponse, 64),
		failCh:   make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(req *transport.OutRequest, onStreamID func(id uint32)) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return 0, transport.ErrConnClosed
	}
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	id := f.nextID
	f.nextID += 2
	if onStreamID != nil {
		onStreamID(id)
	}
	f.sent = append(f.sent, req)
	return id, f.bodyErr
}

func (f *fakeTransport) Write(id uint32, data []byte, end bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return transport.ErrConnClosed
	}
	f.writes = append(f.writes, write{id: id, data: string(data), end: end})
	return nil
}

func (f *fakeTransport) Recv() (*transport.RawResponse, error) {
	f.recvCalls.Add(1)
	select {
	case resp := <-f.resps:
		return resp, nil
	case err := <-f.failCh:
		return nil, err
	case <-f.closedCh:
		return nil, transport.ErrConnClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		close(f.closedCh)
	})
	return nil
}

func (f *fakeTransport) Origin() transport.Origin {
	return f.origin
}

func (f *fakeTransport) CanTakeNewRequest() bool {
	return !f.isClosed()
}

func (f *fakeTransport) Ping(context.Context) error {
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closedCh:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) deliver(id uint32, body string) {
	f.resps <- &transport.RawResponse{StreamID: id, Status: 200, Body: []byte(body)}
}

func (f *fakeTransport) sentRequests() []*transport.OutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.OutRequest(nil), f.sent...)
}

func (f *fakeTransport) written() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

type fakeRegistry struct {
	mu     sync.Mutex
	tr     transport.Transport
	err    error
	gets   int
	closes int
}

func (r *fakeRegistry) GetConnection(context.Context, transport.Origin) (transport.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if r.err != nil {
		return nil, r.err
	}
	return r.tr, nil
}

func (r *fakeRegistry) CloseConnection(tr transport.Transport) {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	_ = tr.Close()
}

func (r *fakeRegistry) set(tr transport.Transport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tr, r.err = tr, err
}

func (r *fakeRegistry) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}
