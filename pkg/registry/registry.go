// Package registry hands out HTTP/2 connections by origin and keeps track of them until they are released.
package registry

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/h2mux/pkg/config"
	"github.com/AutoMQ/h2mux/pkg/transport"
)

// ErrClosed is returned by GetConnection after CloseAll.
var ErrClosed = errors.New("registry: closed")

// DialFunc opens a new connection to origin.
type DialFunc func(ctx context.Context, origin transport.Origin) (transport.Transport, error)

// Registry leases connections by origin. Every connection returned by GetConnection is owned by its caller
// alone until it is handed back with CloseConnection, since a transport has a single reader.
// It is safe for concurrent use by multiple goroutines.
type Registry struct {
	dial  DialFunc
	conns cmap.ConcurrentMap[string, mapset.Set[transport.Transport]] // leased connections by origin

	mu     sync.RWMutex // guards closed against leases being added
	closed bool

	lg *zap.Logger
}

// New returns a registry dialing with transport.Dial.
func New(cfg *config.Transport, lg *zap.Logger) *Registry {
	return NewWithDialer(func(ctx context.Context, origin transport.Origin) (transport.Transport, error) {
		return transport.Dial(ctx, origin, cfg, lg)
	}, lg)
}

// NewWithDialer returns a registry opening connections with dial.
func NewWithDialer(dial DialFunc, lg *zap.Logger) *Registry {
	return &Registry{
		dial:  dial,
		conns: cmap.New[mapset.Set[transport.Transport]](),
		lg:    lg,
	}
}

// GetConnection dials a new connection to origin and leases it to the caller.
// The dial is bounded by ctx only, so a cancelled caller never fails the dial of another one.
func (r *Registry) GetConnection(ctx context.Context, origin transport.Origin) (transport.Transport, error) {
	logger := r.lg
	key := origin.String()

	if r.isClosed() {
		return nil, ErrClosed
	}
	tr, err := r.dial(ctx, origin)
	if err != nil {
		logger.Warn("failed to dial", zap.String("origin", key), zap.Error(err))
		return nil, errors.WithMessagef(err, "get connection to %s", key)
	}
	if !r.lease(key, tr) {
		_ = tr.Close()
		return nil, ErrClosed
	}
	logger.Debug("connection leased", zap.String("origin", key))
	return tr, nil
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Registry) lease(key string, tr transport.Transport) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.conns.Upsert(key, nil, func(exist bool, held, _ mapset.Set[transport.Transport]) mapset.Set[transport.Transport] {
		if !exist {
			held = mapset.NewSet[transport.Transport]()
		}
		held.Add(tr)
		return held
	})
	return true
}

// CloseConnection releases tr and closes it. Other connections to the same origin are not affected.
// Releasing a connection twice, or one the registry never leased, only closes it.
func (r *Registry) CloseConnection(tr transport.Transport) {
	logger := r.lg
	key := tr.Origin().String()

	r.conns.RemoveCb(key, func(_ string, held mapset.Set[transport.Transport], exists bool) bool {
		if !exists {
			return false
		}
		held.Remove(tr)
		return held.Cardinality() == 0
	})
	if err := tr.Close(); err != nil {
		logger.Warn("failed to close connection", zap.String("origin", key), zap.Error(err))
		return
	}
	logger.Debug("connection released", zap.String("origin", key))
}

// CloseAll closes every leased connection. GetConnection fails with ErrClosed afterwards.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var err error
	for _, key := range r.conns.Keys() {
		held, ok := r.conns.Pop(key)
		if !ok {
			continue
		}
		for _, tr := range held.ToSlice() {
			err = multierr.Append(err, errors.WithMessagef(tr.Close(), "close connection to %s", key))
		}
	}
	return err
}

// Len returns the number of leased connections.
func (r *Registry) Len() int {
	n := 0
	for _, held := range r.conns.Items() {
		n += held.Cardinality()
	}
	return n
}

// Leased returns the number of leased connections to origin.
func (r *Registry) Leased(origin transport.Origin) int {
	held, ok := r.conns.Get(origin.String())
	if !ok {
		return 0
	}
	return held.Cardinality()
}
