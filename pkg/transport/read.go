package transport

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/AutoMQ/h2mux/pkg/util/logutil"
)

// Recv implements Transport.
func (c *Conn) Recv() (*RawResponse, error) {
	logger := c.lg
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			resp := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return resp, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConnClosed
		}
		c.mu.Unlock()

		f, err := c.fr.ReadFrame()
		if err == nil && c.readIdleTimer != nil {
			c.readIdleTimer.Reset(c.cfg.ReadIdleTimeout)
		}
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				logger.Warn("stream error", zap.Uint32("stream-id", se.StreamID), zap.Error(err))
				if resp := c.resetStream(se.StreamID, se.Code, se); resp != nil {
					return resp, nil
				}
				continue
			}
			_ = c.closeWithError(errors.Wrap(err, "read frame"))
			return nil, errors.Wrap(err, "read frame")
		}
		if logutil.DebugEnabled(logger) {
			logger.Debug("read frame", zap.Stringer("frame", f.Header()))
		}

		resp, err := c.processFrame(f)
		if err != nil {
			_ = c.closeWithError(err)
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
}

func (c *Conn) processFrame(f http2.Frame) (*RawResponse, error) {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return c.processHeaders(f), nil
	case *http2.DataFrame:
		return c.processData(f)
	case *http2.PushPromiseFrame:
		return nil, c.processPushPromise(f)
	case *http2.RSTStreamFrame:
		return c.processResetStream(f), nil
	case *http2.SettingsFrame:
		return nil, c.processSettings(f)
	case *http2.WindowUpdateFrame:
		return c.processWindowUpdate(f), nil
	case *http2.PingFrame:
		return nil, c.processPing(f)
	case *http2.GoAwayFrame:
		c.processGoAway(f)
		return nil, nil
	default:
		// PRIORITY and unknown frame types are ignored
		return nil, nil
	}
}

func (c *Conn) processHeaders(f *http2.MetaHeadersFrame) *RawResponse {
	id := f.StreamID
	c.mu.Lock()
	st, ok := c.streams[id]
	if !ok || st.reset || st.recvEnd {
		// finished or reset already
		c.mu.Unlock()
		return nil
	}
	if f.Truncated {
		c.mu.Unlock()
		return c.resetStream(id, http2.ErrCodeCancel, errors.New("response header list too large"))
	}
	final, err := st.onHeaders(f)
	if err != nil {
		c.mu.Unlock()
		return c.resetStream(id, http2.ErrCodeProtocol, errors.WithMessagef(err, "stream %d", id))
	}
	var resp *RawResponse
	if final && f.StreamEnded() {
		resp = c.endStreamLocked(st)
	}
	c.mu.Unlock()
	return resp
}

func (c *Conn) processData(f *http2.DataFrame) (*RawResponse, error) {
	id := f.StreamID
	size := int32(f.Length)

	var (
		resp       *RawResponse
		connIncr   uint32
		streamIncr uint32
		badStream  bool
	)
	c.mu.Lock()
	connIncr = c.consumeInflowLocked(&c.inflowUnacked, size)
	st, ok := c.streams[id]
	if ok && !st.reset && !st.recvEnd {
		switch {
		case !st.gotHeaders:
			badStream = true
		case f.StreamEnded():
			st.appendBody(f.Data())
			resp = c.endStreamLocked(st)
		default:
			st.appendBody(f.Data())
			streamIncr = c.consumeInflowLocked(&st.inflowUnacked, size)
		}
	}
	c.mu.Unlock()

	if connIncr > 0 || streamIncr > 0 {
		if err := c.writeWindowUpdates(id, connIncr, streamIncr); err != nil {
			return nil, err
		}
	}
	if badStream {
		return c.resetStream(id, http2.ErrCodeProtocol, errors.Errorf("DATA before HEADERS on stream %d", id)), nil
	}
	return resp, nil
}

// consumeInflowLocked records n received bytes and returns the increment to send once enough piled up.
func (c *Conn) consumeInflowLocked(unacked *int32, n int32) uint32 {
	*unacked += n
	threshold := int32(c.cfg.InitialWindowSize / 2)
	if *unacked < threshold || *unacked == 0 {
		return 0
	}
	incr := uint32(*unacked)
	*unacked = 0
	return incr
}

func (c *Conn) writeWindowUpdates(id uint32, connIncr, streamIncr uint32) error {
	c.wmu.Lock()
	var err error
	if connIncr > 0 {
		err = c.fr.WriteWindowUpdate(0, connIncr)
	}
	if err == nil && streamIncr > 0 {
		err = c.fr.WriteWindowUpdate(id, streamIncr)
	}
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil && c.werr == nil {
		c.werr = err
	}
	c.wmu.Unlock()
	if err != nil {
		return errors.Wrap(err, "write window update")
	}
	return nil
}

// endStreamLocked marks the response on st as complete. c.mu must be held.
func (c *Conn) endStreamLocked(st *stream) *RawResponse {
	st.recvEnd = true
	resp := st.response()
	c.forgetStreamIfDoneLocked(st)
	return resp
}

// processPushPromise registers the promised stream.
// The framer only tracks CONTINUATION frames that follow HEADERS, so the block of a PUSH_PROMISE must be complete.
func (c *Conn) processPushPromise(f *http2.PushPromiseFrame) error {
	if !f.HeadersEnded() {
		return errors.WithMessagef(http2.ConnectionError(http2.ErrCodeProtocol),
			"PUSH_PROMISE on stream %d without END_HEADERS", f.StreamID)
	}
	return c.onPushPromise(f.StreamID, f.PromiseID, f.HeaderBlockFragment())
}

func (c *Conn) onPushPromise(assoc, promised uint32, block []byte) error {
	logger := c.lg

	// the decoder is shared with the framer, so the block must be decoded even if the push is refused
	fields, err := c.hdec.DecodeFull(block)
	if err != nil {
		return errors.WithMessage(http2.ConnectionError(http2.ErrCodeCompression), err.Error())
	}
	if promised == 0 || promised%2 != 0 {
		return errors.WithMessagef(http2.ConnectionError(http2.ErrCodeProtocol), "invalid promised stream id %d", promised)
	}

	c.mu.Lock()
	st := newStream(promised, c.peerInitialWindowSize)
	st.push = true
	st.sentEnd = true
	st.promise = promiseHeader(fields)
	c.streams[promised] = st
	c.mu.Unlock()

	if logutil.DebugEnabled(logger) {
		logger.Debug("push promised", zap.Uint32("stream-id", assoc), zap.Uint32("promised-stream-id", promised),
			zap.Strings("path", st.promise[":path"]))
	}
	return nil
}

func (c *Conn) processResetStream(f *http2.RSTStreamFrame) *RawResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[f.StreamID]
	if !ok || st.reset {
		return nil
	}
	return c.markResetLocked(st, f.ErrCode, errors.Errorf("stream reset by server: %s", f.ErrCode))
}

// markResetLocked resets st and returns the failed response if it was not delivered yet. c.mu must be held.
func (c *Conn) markResetLocked(st *stream, code http2.ErrCode, cause error) *RawResponse {
	st.reset = true
	st.resetCode = code
	var resp *RawResponse
	if !st.recvEnd {
		st.recvEnd = true
		resp = st.failure(code, cause)
	}
	c.forgetStreamIfDoneLocked(st)
	c.cond.Broadcast()
	return resp
}

// resetStream sends RST_STREAM for id and fails its response.
func (c *Conn) resetStream(id uint32, code http2.ErrCode, cause error) *RawResponse {
	var resp *RawResponse
	c.mu.Lock()
	if st, ok := c.streams[id]; ok && !st.reset {
		resp = c.markResetLocked(st, code, cause)
	}
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.fr.WriteRSTStream(id, code)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil && c.werr == nil {
		c.werr = err
	}
	c.wmu.Unlock()
	if err != nil {
		_ = c.closeWithError(errors.Wrap(err, "write rst stream"))
	}
	return resp
}

func (c *Conn) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingMaxFrameSize:
			c.peerMaxFrameSize = s.Val
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxConcurrentStreams = s.Val
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - int64(c.peerInitialWindowSize)
			for _, st := range c.streams {
				if int64(st.flow)+delta > _maxWindowSize {
					return http2.ConnectionError(http2.ErrCodeFlowControl)
				}
				st.flow += int32(delta)
			}
			c.peerInitialWindowSize = int32(s.Val)
		case http2.SettingHeaderTableSize:
			c.henc.SetMaxDynamicTableSize(s.Val)
		}
		return nil
	})
	c.cond.Broadcast()
	c.mu.Unlock()
	if err != nil {
		return errors.WithMessage(err, "apply settings")
	}

	err = c.fr.WriteSettingsAck()
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		if c.werr == nil {
			c.werr = err
		}
		return errors.Wrap(err, "write settings ack")
	}
	return nil
}

func (c *Conn) processWindowUpdate(f *http2.WindowUpdateFrame) *RawResponse {
	incr := int64(f.Increment)
	c.mu.Lock()
	if f.StreamID == 0 {
		if int64(c.flow)+incr > _maxWindowSize {
			c.mu.Unlock()
			_ = c.closeWithError(errors.WithMessage(http2.ConnectionError(http2.ErrCodeFlowControl), "connection window overflow"))
			return nil
		}
		c.flow += int32(incr)
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil
	}

	st, ok := c.streams[f.StreamID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if int64(st.flow)+incr > _maxWindowSize {
		c.mu.Unlock()
		return c.resetStream(f.StreamID, http2.ErrCodeFlowControl, errors.Errorf("stream %d window overflow", f.StreamID))
	}
	st.flow += int32(incr)
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *Conn) processPing(f *http2.PingFrame) error {
	if f.IsAck() {
		c.mu.Lock()
		if ch, ok := c.pings[f.Data]; ok {
			close(ch)
			delete(c.pings, f.Data)
		}
		c.mu.Unlock()
		return nil
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	err := c.fr.WritePing(true, f.Data)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		if c.werr == nil {
			c.werr = err
		}
		return errors.Wrap(err, "write ping ack")
	}
	return nil
}

// processGoAway refuses the client streams the server will not process.
// They are handed out by Recv before any further frame is read.
func (c *Conn) processGoAway(f *http2.GoAwayFrame) {
	logger := c.lg
	debug := string(f.DebugData())
	logger.Info("received GOAWAY", zap.Uint32("last-stream-id", f.LastStreamID),
		zap.Stringer("code", f.ErrCode), zap.String("debug", debug))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.goAway = &goAway{
		lastStreamID: f.LastStreamID,
		code:         f.ErrCode,
		debug:        debug,
	}
	refused := make([]*RawResponse, 0)
	for id, st := range c.streams {
		if st.push || id <= f.LastStreamID || st.reset {
			continue
		}
		err := errors.WithMessagef(ErrGoAway, "stream %d not processed by server", id)
		if resp := c.markResetLocked(st, http2.ErrCodeRefusedStream, err); resp != nil {
			refused = append(refused, resp)
		}
	}
	sort.Slice(refused, func(i, j int) bool { return refused[i].StreamID < refused[j].StreamID })
	c.pending = append(c.pending, refused...)
	c.cond.Broadcast()
}
