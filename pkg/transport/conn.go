package transport

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/AutoMQ/h2mux/pkg/config"
)

const (
	// defaults from RFC 7540 section 6.5.2, used until the server's SETTINGS arrive
	_initialWindowSize      = 65535
	_initialMaxFrameSize    = 16384
	_initialHeaderTableSize = 4096

	_maxStreamID   = 1<<31 - 1
	_maxWindowSize = 1<<31 - 1
)

var (
	_ Transport = (*Conn)(nil)

	errClientClosed = errors.New("transport: closed by client")
)

// Conn is a client HTTP/2 connection. It implements Transport.
type Conn struct {
	// Immutable:
	origin Origin
	cfg    *config.Transport
	conn   net.Conn
	bw     *bufio.Writer
	fr     *http2.Framer
	hdec   *hpack.Decoder
	// closed when the connection is closed
	closedCh  chan struct{}
	closeOnce sync.Once

	readIdleTimer *time.Timer // nil if health checks are disabled

	mu                       sync.Mutex // guards following
	cond                     *sync.Cond // signaled on flow-control updates, stream resets and close
	closed                   bool
	closeErr                 error
	goAway                   *goAway // if non-nil, the GOAWAY received
	streams                  map[uint32]*stream
	activeClientStreams      uint32 // client streams in streams plus the ones being opened
	nextStreamID             uint32
	pending                  []*RawResponse // ready for Recv without reading a frame
	flow                     int32          // connection-level bytes we may still send
	inflowUnacked            int32          // connection-level bytes received and not yet returned with a WINDOW_UPDATE
	peerMaxFrameSize         uint32
	peerInitialWindowSize    int32
	peerMaxConcurrentStreams uint32
	pings                    map[[8]byte]chan struct{} // in flight ping data to notification channel

	// wmu is held while writing.
	// Acquire BEFORE mu when holding both, to avoid blocking mu on network writes.
	// Only acquire both at the same time when changing peer settings.
	wmu  sync.Mutex
	henc *hpack.Encoder
	hbuf bytes.Buffer // HPACK encoder writes into this
	werr error        // first write error that has occurred

	lg *zap.Logger
}

type goAway struct {
	lastStreamID uint32
	code         http2.ErrCode
	debug        string
}

// NewConn starts an HTTP/2 connection with prior knowledge on rwc.
// It writes the client preface and the initial SETTINGS, then returns without waiting for the server.
func NewConn(rwc net.Conn, origin Origin, cfg *config.Transport, lg *zap.Logger) (*Conn, error) {
	logger := lg.With(zap.String("origin", origin.String()), zap.String("remote-addr", rwc.RemoteAddr().String()))

	c := &Conn{
		origin:                   origin,
		cfg:                      cfg,
		conn:                     rwc,
		bw:                       bufio.NewWriter(rwc),
		closedCh:                 make(chan struct{}),
		streams:                  make(map[uint32]*stream),
		nextStreamID:             1,
		flow:                     _initialWindowSize,
		peerMaxFrameSize:         _initialMaxFrameSize,
		peerInitialWindowSize:    _initialWindowSize,
		peerMaxConcurrentStreams: math.MaxUint32,
		pings:                    make(map[[8]byte]chan struct{}),
		lg:                       logger,
	}
	c.cond = sync.NewCond(&c.mu)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.hdec = hpack.NewDecoder(_initialHeaderTableSize, nil)
	c.fr = http2.NewFramer(c.bw, bufio.NewReader(rwc))
	c.fr.ReadMetaHeaders = c.hdec
	c.fr.MaxHeaderListSize = cfg.MaxHeaderListSize
	c.fr.SetMaxReadFrameSize(cfg.MaxFrameSize)

	if _, err := c.bw.Write([]byte(http2.ClientPreface)); err != nil {
		_ = rwc.Close()
		return nil, errors.Wrap(err, "write client preface")
	}
	err := c.fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 1},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: cfg.InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: cfg.MaxFrameSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: cfg.MaxHeaderListSize},
	)
	if err != nil {
		_ = rwc.Close()
		return nil, errors.Wrap(err, "write settings")
	}
	if cfg.InitialWindowSize > _initialWindowSize {
		// the connection window does not follow SETTINGS_INITIAL_WINDOW_SIZE
		err = c.fr.WriteWindowUpdate(0, cfg.InitialWindowSize-_initialWindowSize)
		if err != nil {
			_ = rwc.Close()
			return nil, errors.Wrap(err, "write window update")
		}
	}
	if err := c.bw.Flush(); err != nil {
		_ = rwc.Close()
		return nil, errors.Wrap(err, "flush connection preface")
	}

	if cfg.ReadIdleTimeout > 0 {
		c.readIdleTimer = time.AfterFunc(cfg.ReadIdleTimeout, c.healthCheck)
	}

	logger.Info("connection created")
	return c, nil
}

// Origin implements Transport.
func (c *Conn) Origin() Origin {
	return c.origin
}

// CanTakeNewRequest implements Transport.
func (c *Conn) CanTakeNewRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.goAway == nil && c.nextStreamID <= _maxStreamID
}

// Send implements Transport.
func (c *Conn) Send(req *OutRequest, onStreamID func(id uint32)) (uint32, error) {
	if err := c.reserveStream(); err != nil {
		return 0, err
	}

	c.wmu.Lock()
	c.mu.Lock()
	if err := c.checkNewStreamLocked(); err != nil {
		c.activeClientStreams--
		c.cond.Broadcast()
		c.mu.Unlock()
		c.wmu.Unlock()
		return 0, err
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	st := newStream(id, c.peerInitialWindowSize)
	endOnHeaders := req.EndStream && len(req.Body) == 0
	st.sentEnd = endOnHeaders
	c.streams[id] = st
	maxFrameSize := int(c.peerMaxFrameSize)
	c.mu.Unlock()

	if onStreamID != nil {
		onStreamID(id)
	}

	err := c.writeHeaders(id, req.Header, endOnHeaders, maxFrameSize)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil && c.werr == nil {
		c.werr = err
	}
	c.wmu.Unlock()
	if err != nil {
		_ = c.closeWithError(errors.Wrap(err, "write headers"))
		return id, errors.Wrapf(err, "write headers of stream %d", id)
	}

	if len(req.Body) > 0 {
		if err := c.writeData(st, req.Body, req.EndStream); err != nil {
			return id, errors.WithMessagef(err, "write body of stream %d", id)
		}
	}
	return id, nil
}

// reserveStream waits until the server's stream concurrency limit allows one more stream.
func (c *Conn) reserveStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := c.checkNewStreamLocked(); err != nil {
			return err
		}
		if c.activeClientStreams < c.peerMaxConcurrentStreams {
			c.activeClientStreams++
			return nil
		}
		c.cond.Wait()
	}
}

func (c *Conn) checkNewStreamLocked() error {
	if c.closed {
		return ErrConnClosed
	}
	if c.goAway != nil {
		return ErrGoAway
	}
	if c.nextStreamID > _maxStreamID {
		return ErrStreamIDExhausted
	}
	return nil
}

// writeHeaders encodes and writes one header block. c.wmu must be held.
func (c *Conn) writeHeaders(id uint32, fields []hpack.HeaderField, endStream bool, maxFrameSize int) error {
	c.hbuf.Reset()
	for _, hf := range fields {
		if err := c.henc.WriteField(hf); err != nil {
			return errors.Wrapf(err, "encode header %s", hf.Name)
		}
	}
	block := c.hbuf.Bytes()

	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxFrameSize {
			chunk = chunk[:maxFrameSize]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = c.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = c.fr.WriteContinuation(id, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Write implements Transport.
func (c *Conn) Write(id uint32, data []byte, end bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	st, ok := c.streams[id]
	if !ok || st.push || st.sentEnd || st.reset {
		c.mu.Unlock()
		return errors.WithMessagef(ErrStreamClosed, "write on stream %d", id)
	}
	c.mu.Unlock()

	return c.writeData(st, data, end)
}

// writeData writes data as DATA frames, waiting for flow-control window as needed.
// c.wmu is released between frames so that the reader can keep acknowledging.
func (c *Conn) writeData(st *stream, data []byte, end bool) error {
	for {
		n := 0
		if len(data) > 0 {
			var err error
			n, err = c.awaitFlow(st, len(data))
			if err != nil {
				return err
			}
		}
		chunk := data[:n]
		data = data[n:]
		last := end && len(data) == 0

		c.wmu.Lock()
		err := c.fr.WriteData(st.id, last, chunk)
		if err == nil && len(data) == 0 {
			err = c.bw.Flush()
		}
		if err != nil && c.werr == nil {
			c.werr = err
		}
		c.wmu.Unlock()
		if err != nil {
			_ = c.closeWithError(errors.Wrap(err, "write data"))
			return errors.Wrapf(err, "write data on stream %d", st.id)
		}

		if len(data) == 0 {
			break
		}
	}

	if end {
		c.mu.Lock()
		st.sentEnd = true
		c.forgetStreamIfDoneLocked(st)
		c.mu.Unlock()
	}
	return nil
}

// awaitFlow blocks until some of want bytes may be sent on st, and takes them from the windows.
func (c *Conn) awaitFlow(st *stream, want int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed {
			return 0, ErrConnClosed
		}
		if st.reset {
			return 0, errors.WithMessagef(ErrStreamClosed, "stream %d reset with %s", st.id, st.resetCode)
		}
		if st.flow > 0 && c.flow > 0 {
			n := want
			if int(st.flow) < n {
				n = int(st.flow)
			}
			if int(c.flow) < n {
				n = int(c.flow)
			}
			if int(c.peerMaxFrameSize) < n {
				n = int(c.peerMaxFrameSize)
			}
			st.flow -= int32(n)
			c.flow -= int32(n)
			return n, nil
		}
		c.cond.Wait()
	}
}

// forgetStreamIfDoneLocked removes st once both sides are finished. c.mu must be held.
func (c *Conn) forgetStreamIfDoneLocked(st *stream) {
	if !st.done() {
		return
	}
	if _, ok := c.streams[st.id]; !ok {
		return
	}
	delete(c.streams, st.id)
	st.freeBody()
	if !st.push {
		c.activeClientStreams--
		c.cond.Broadcast()
	}
}

// Ping implements Transport.
func (c *Conn) Ping(ctx context.Context) error {
	var p [8]byte
	u := uuid.New()
	copy(p[:], u[:8])

	ch := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.pings[p] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pings, p)
		c.mu.Unlock()
	}

	c.wmu.Lock()
	err := c.fr.WritePing(false, p)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil && c.werr == nil {
		c.werr = err
	}
	c.wmu.Unlock()
	if err != nil {
		forget()
		_ = c.closeWithError(errors.Wrap(err, "write ping"))
		return errors.Wrap(err, "write ping")
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		forget()
		return errors.Wrap(ctx.Err(), "wait for ping ack")
	case <-c.closedCh:
		return ErrConnClosed
	}
}

// healthCheck is called from a time.AfterFunc goroutine once no frame was read for ReadIdleTimeout.
func (c *Conn) healthCheck() {
	logger := c.lg
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PingTimeout)
	defer cancel()
	logger.Debug("connection is idle, start health check")
	err := c.Ping(ctx)
	if err != nil {
		if errors.Is(err, ErrConnClosed) {
			return
		}
		logger.Warn("health check failed, closing connection", zap.Error(err))
		_ = c.closeWithError(errors.WithMessage(err, "health check"))
		return
	}
	logger.Debug("health check passed")
}

// Close implements Transport. A GOAWAY is sent to the server if no write is in progress.
func (c *Conn) Close() error {
	return c.closeWithError(errClientClosed)
}

func (c *Conn) closeWithError(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		logger := c.lg

		c.mu.Lock()
		c.closed = true
		c.closeErr = cause
		for _, st := range c.streams {
			st.freeBody()
		}
		c.cond.Broadcast()
		c.mu.Unlock()
		close(c.closedCh)

		if c.readIdleTimer != nil {
			c.readIdleTimer.Stop()
		}

		code, sendGoAway := http2.ErrCodeNo, cause == errClientClosed
		var ce http2.ConnectionError
		if errors.As(cause, &ce) {
			code, sendGoAway = http2.ErrCode(ce), true
		}
		if sendGoAway && c.wmu.TryLock() {
			if c.werr == nil {
				_ = c.fr.WriteGoAway(0, code, nil)
				_ = c.bw.Flush()
			}
			c.wmu.Unlock()
		}

		err = c.conn.Close()
		if cause == errClientClosed {
			logger.Info("connection closed")
		} else {
			logger.Warn("connection closed on error", zap.Error(cause))
		}
	})
	return err
}
