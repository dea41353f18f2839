package transport

import (
	"net/http"
	"strconv"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const _minBodyBufferSize = 512

// stream is the state of one stream on a Conn. All fields are guarded by Conn.mu.
type stream struct {
	id   uint32
	push bool // server-initiated

	flow          int32 // bytes we may still send
	inflowUnacked int32 // bytes received and not yet returned with a WINDOW_UPDATE

	sentEnd   bool // we sent END_STREAM
	recvEnd   bool // the peer sent END_STREAM, the response has been handed out
	reset     bool // a RST_STREAM was sent or received
	resetCode http2.ErrCode

	gotHeaders bool
	status     int
	header     http.Header
	trailer    http.Header
	promise    http.Header
	body       []byte // from mcache, nil until the first DATA frame
}

func newStream(id uint32, flow int32) *stream {
	return &stream{
		id:   id,
		flow: flow,
	}
}

// done reports whether nothing more can happen on the stream.
func (s *stream) done() bool {
	return s.reset || (s.sentEnd && s.recvEnd)
}

// onHeaders handles a complete header block received on the stream.
// It returns false for informational (1xx) responses, which are skipped.
func (s *stream) onHeaders(f *http2.MetaHeadersFrame) (bool, error) {
	if s.gotHeaders {
		if !f.StreamEnded() {
			return false, errors.New("trailers without END_STREAM")
		}
		s.trailer = regularHeader(f.RegularFields())
		return true, nil
	}

	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil || status < 100 || status > 999 {
		return false, errors.Errorf("malformed :status %q", f.PseudoValue("status"))
	}
	if status < 200 && status != http.StatusSwitchingProtocols {
		if f.StreamEnded() {
			return false, errors.New("informational response with END_STREAM")
		}
		return false, nil
	}
	s.gotHeaders = true
	s.status = status
	s.header = regularHeader(f.RegularFields())
	return true, nil
}

// appendBody copies p into the pooled body buffer.
func (s *stream) appendBody(p []byte) {
	if len(p) == 0 {
		return
	}
	if cap(s.body)-len(s.body) < len(p) {
		size := 2 * cap(s.body)
		if size < len(s.body)+len(p) {
			size = len(s.body) + len(p)
		}
		if size < _minBodyBufferSize {
			size = _minBodyBufferSize
		}
		buf := mcache.Malloc(len(s.body), size)
		copy(buf, s.body)
		s.freeBody()
		s.body = buf
	}
	s.body = append(s.body, p...)
}

func (s *stream) freeBody() {
	if s.body != nil {
		mcache.Free(s.body)
		s.body = nil
	}
}

// response builds the response of a completed stream and releases the body buffer.
func (s *stream) response() *RawResponse {
	resp := &RawResponse{
		StreamID: s.id,
		Status:   s.status,
		Header:   s.header,
		Trailer:  s.trailer,
		Promise:  s.promise,
	}
	if s.header == nil {
		resp.Header = make(http.Header)
	}
	if len(s.body) > 0 {
		resp.Body = make([]byte, len(s.body))
		copy(resp.Body, s.body)
	}
	s.freeBody()
	return resp
}

// failure builds the response of a stream that ended with err.
func (s *stream) failure(code http2.ErrCode, err error) *RawResponse {
	resp := s.response()
	resp.ErrCode = code
	resp.Err = err
	return resp
}

func regularHeader(fields []hpack.HeaderField) http.Header {
	h := make(http.Header, len(fields))
	for _, hf := range fields {
		key := http.CanonicalHeaderKey(hf.Name)
		h[key] = append(h[key], hf.Value)
	}
	return h
}

// promiseHeader keeps pseudo headers under their literal names, e.g. ":path".
func promiseHeader(fields []hpack.HeaderField) http.Header {
	h := make(http.Header, len(fields))
	for _, hf := range fields {
		key := hf.Name
		if !hf.IsPseudo() {
			key = http.CanonicalHeaderKey(key)
		}
		h[key] = append(h[key], hf.Value)
	}
	return h
}
