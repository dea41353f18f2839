// Package mux multiplexes request/response exchanges over one HTTP/2 connection.
package mux

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/h2mux/pkg/config"
	"github.com/AutoMQ/h2mux/pkg/message"
	"github.com/AutoMQ/h2mux/pkg/transport"
	"github.com/AutoMQ/h2mux/pkg/util/logutil"
	"github.com/AutoMQ/h2mux/pkg/util/traceutil"
)

// StreamID identifies a stream on the connection. PushStream is the shared slot of server pushes.
type StreamID int64

const (
	// PushStream receives every server push whose stream nobody waits on explicitly.
	PushStream StreamID = -1

	// DefaultPushQueueLength is the push queue capacity used without configuration.
	DefaultPushQueueLength = 16
)

// Registry hands out connections by origin.
type Registry interface {
	// GetConnection returns a usable connection to origin. The caller is its only reader until it is released.
	GetConnection(ctx context.Context, origin transport.Origin) (transport.Transport, error)
	// CloseConnection releases tr. The registry decides whether the connection is torn down.
	CloseConnection(tr transport.Transport)
}

// Client owns one HTTP/2 connection to an origin and the streams on it.
// A single receive loop dispatches every response to the slot waiting for its stream.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	origin   transport.Origin
	registry Registry

	mu              sync.Mutex
	tr              transport.Transport // nil when not connected
	streams         map[StreamID]*slot
	push            *slot // nil when not connected
	pushQueueLength int

	lg *zap.Logger
}

// NewClient returns a disconnected client bound to origin.
func NewClient(origin transport.Origin, registry Registry, cfg *config.Mux, lg *zap.Logger) *Client {
	pushQueueLength := DefaultPushQueueLength
	if cfg != nil && cfg.PushQueueLength > 0 {
		pushQueueLength = cfg.PushQueueLength
	}
	return &Client{
		origin:          origin,
		registry:        registry,
		streams:         make(map[StreamID]*slot),
		pushQueueLength: pushQueueLength,
		lg:              lg.With(zap.String("origin", origin.String())),
	}
}

// Connect acquires a connection from the registry and starts the receive loop on it.
// If the registry returns the connection already held, nothing changes. If it returns another one,
// the old connection is released, its streams fail with ErrClosed and the new one is adopted.
func (c *Client) Connect(ctx context.Context) error {
	logger := c.lg

	tr, err := c.registry.GetConnection(ctx, c.origin)
	if err != nil {
		logger.Warn("failed to connect", zap.Error(err))
		return &ConnectError{Origin: c.origin, Err: err}
	}

	c.mu.Lock()
	old := c.tr
	if old == tr {
		c.mu.Unlock()
		return nil
	}
	c.tr = tr
	stale := c.streams
	c.streams = make(map[StreamID]*slot)
	if c.push == nil {
		c.push = newSlot(c.pushQueueLength)
	}
	c.mu.Unlock()

	if old != nil {
		logger.Info("replace connection", zap.Int("failed-streams", len(stale)))
		c.registry.CloseConnection(old)
		for _, s := range stale {
			s.close()
		}
	}

	go c.loop(tr)
	logger.Info("connected")
	return nil
}

// Send opens a stream for req and returns its id.
// req must target the origin the client is bound to, otherwise an *OriginMismatchError is returned.
// If the transport cannot open the stream, the connection is closed and a *SendError is returned.
// A stream the server resets while its body is written is not an error: the id is returned and Recv
// delivers the early response or the reset.
func (c *Client) Send(req *message.Request, opts ...SendOption) (StreamID, error) {
	logger := c.lg
	o := sendOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if origin := req.Origin(); !origin.Equal(c.origin) {
		return 0, &OriginMismatchError{Bound: c.origin, Request: origin}
	}
	req = req.WithProtocolVersion(message.ProtocolHTTP2).WithAttribute(message.AttrHTTP2Pipeline, o.pipeline)
	out, err := message.BuildRequest(req)
	if err != nil {
		return 0, errors.WithMessage(err, "build request")
	}

	tr := c.handle()
	if tr == nil {
		return 0, ErrClosed
	}
	id, err := tr.Send(out, func(id uint32) {
		if o.dropResponse {
			return
		}
		c.mu.Lock()
		if c.tr == tr {
			c.streams[StreamID(id)] = newSlot(1)
		}
		c.mu.Unlock()
	})
	if err != nil && id != 0 && errors.Is(err, transport.ErrStreamClosed) {
		logger.Info("request body cut short by the server", zap.Uint32("stream-id", id),
			zap.String("uri", req.URI().String()), zap.Error(err))
		return StreamID(id), nil
	}
	if err != nil {
		logger.Error("failed to send request, close connection", zap.String("method", req.Method()),
			zap.String("uri", req.URI().String()), zap.Error(err))
		c.closeOwned(tr)
		return 0, &SendError{Origin: c.origin, Err: err}
	}

	if logutil.DebugEnabled(logger) {
		logger.Debug("request sent", zap.String("trace-id", traceutil.New()), zap.Uint32("stream-id", id),
			zap.String("method", req.Method()), zap.String("path", req.URI().RequestURI()),
			zap.Bool("pipeline", o.pipeline), zap.Bool("drop-response", o.dropResponse))
	}
	return StreamID(id), nil
}

// Write sends data on an open stream. end marks the last frame of the request body.
func (c *Client) Write(id StreamID, data []byte, end bool) error {
	tr := c.handle()
	if tr == nil {
		return ErrClosed
	}
	if id <= 0 || id > math.MaxUint32 {
		return errors.Errorf("invalid stream id %d", id)
	}
	err := tr.Write(uint32(id), data, end)
	if errors.Is(err, transport.ErrConnClosed) {
		return ErrClosed
	}
	return errors.WithMessagef(err, "write stream %d", id)
}

// End finishes the request body of a pipelined stream.
func (c *Client) End(id StreamID) error {
	return c.Write(id, nil, true)
}

// Recv waits for the response of stream id, PushStream for the next server push.
// A timeout <= 0 waits forever. On timeout ErrTimeout is returned and the stream stays awaiting.
// ErrClosed is returned if the client is closed before a response arrives.
func (c *Client) Recv(id StreamID, timeout time.Duration) (*message.Response, error) {
	if timeout <= 0 {
		return c.recv(context.Background(), id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := c.recv(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return resp, err
}

// RecvContext is Recv bounded by ctx instead of a timeout. It returns ctx.Err() when ctx is done.
func (c *Client) RecvContext(ctx context.Context, id StreamID) (*message.Response, error) {
	return c.recv(ctx, id)
}

func (c *Client) recv(ctx context.Context, id StreamID) (*message.Response, error) {
	logger := c.lg

	c.mu.Lock()
	if c.tr == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s := c.slotLocked(id)
	c.mu.Unlock()

	raw, err := s.pop(ctx)
	if err != nil {
		return nil, err
	}
	if id != PushStream {
		c.mu.Lock()
		if c.streams[id] == s {
			delete(c.streams, id)
		}
		c.mu.Unlock()
	}

	if logutil.DebugEnabled(logger) {
		logger.Debug("response received", zap.String("trace-id", traceutil.TraceID(ctx)),
			zap.Int64("stream-id", int64(id)), zap.Uint32("response-stream-id", raw.StreamID),
			zap.Int("status", raw.Status), zap.Int("body-length", len(raw.Body)))
	}
	return message.BuildResponse(raw), nil
}

// slotLocked returns the slot of id, creating it if absent. c.mu must be held and the client connected.
func (c *Client) slotLocked(id StreamID) *slot {
	if id == PushStream {
		return c.push
	}
	s, ok := c.streams[id]
	if !ok {
		s = newSlot(1)
		c.streams[id] = s
	}
	return s
}

// Close releases the connection to the registry and fails every awaiting stream with ErrClosed.
// It is safe to call multiple times.
func (c *Client) Close() {
	c.closeOwned(nil)
}

// closeOwned closes the client if it holds owner, or unconditionally if owner is nil.
// It reports whether the client was closed by this call.
func (c *Client) closeOwned(owner transport.Transport) bool {
	logger := c.lg

	c.mu.Lock()
	tr := c.tr
	if tr == nil || (owner != nil && tr != owner) {
		c.mu.Unlock()
		return false
	}
	streams, push := c.streams, c.push
	c.tr = nil
	c.streams = make(map[StreamID]*slot)
	c.push = nil
	c.mu.Unlock()

	c.registry.CloseConnection(tr)
	for _, s := range streams {
		s.close()
	}
	unreadPushes := push.len()
	push.close()

	logger.Info("connection closed", zap.Int("awaiting-streams", len(streams)), zap.Int("unread-pushes", unreadPushes))
	return true
}

// loop is the receive loop of tr. It exits once the client no longer holds tr.
func (c *Client) loop(tr transport.Transport) {
	logger := c.lg
	defer logutil.LogPanic(logger)

	for {
		raw, err := tr.Recv()
		if err != nil {
			if c.closeOwned(tr) {
				logger.Warn("connection lost", zap.Error(err))
			}
			return
		}

		s, owned := c.dispatchSlot(tr, raw.StreamID)
		if !owned {
			return
		}
		if s == nil {
			if logutil.DebugEnabled(logger) {
				logger.Debug("drop response nobody waits for", zap.Uint32("stream-id", raw.StreamID))
			}
			continue
		}
		// blocks while the slot is full
		s.push(raw)
	}
}

// dispatchSlot returns the slot a response on id goes to, nil to drop it.
// owned is false once the client does not hold tr anymore.
func (c *Client) dispatchSlot(tr transport.Transport, id uint32) (s *slot, owned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != tr {
		return nil, false
	}
	if st, ok := c.streams[StreamID(id)]; ok {
		return st, true
	}
	if id%2 == 0 {
		return c.push, true
	}
	return nil, true
}

func (c *Client) handle() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr
}

// IsConnected reports whether the client holds a connection.
func (c *Client) IsConnected() bool {
	return c.handle() != nil
}

// Awaiting returns the number of streams with a registered slot, the push slot excluded.
func (c *Client) Awaiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// PushQueueLength returns the capacity used for the push slot on the next Connect.
func (c *Client) PushQueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushQueueLength
}

// SetPushQueueLength sets the capacity of push slots created afterwards, i.e. on the next Connect after a Close.
// Zero means a push is only handed to a receiver already waiting.
func (c *Client) SetPushQueueLength(n int) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushQueueLength = n
}

// Origin returns the origin the client is bound to.
func (c *Client) Origin() transport.Origin {
	return c.origin
}

// Host returns the host of the bound origin.
func (c *Client) Host() string {
	return c.origin.Host
}

// Port returns the port of the bound origin.
func (c *Client) Port() int {
	return c.origin.Port
}

// Secure reports whether the bound origin uses TLS.
func (c *Client) Secure() bool {
	return c.origin.Secure
}
