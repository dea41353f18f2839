package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

var (
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("transport: connection closed")
	// ErrGoAway is returned by Send once the server announced it will not accept new streams.
	ErrGoAway = errors.New("transport: connection is going away")
	// ErrStreamClosed is returned by Write on a stream that is finished, reset or unknown.
	ErrStreamClosed = errors.New("transport: stream closed")
	// ErrStreamIDExhausted is returned by Send when no client stream id is left on the connection.
	ErrStreamIDExhausted = errors.New("transport: stream ids exhausted")
)

// Transport is one HTTP/2 connection as seen by a stream multiplexer.
// Recv must only be called from one goroutine. The other methods are safe for concurrent use.
type Transport interface {
	// Send opens a new client stream and writes req on it.
	// onStreamID, if not nil, is called with the new id before any frame of the stream is written,
	// so that no response on that stream can be received before it returns.
	// Once the stream is open its id is returned even with an error. ErrStreamClosed in that error means
	// only this stream was reset while its body was written.
	Send(req *OutRequest, onStreamID func(id uint32)) (uint32, error)
	// Write sends data on an open stream. end half-closes the stream.
	Write(id uint32, data []byte, end bool) error
	// Recv blocks until a stream completes, either because the server ended or reset it.
	// It returns an error once the connection is unusable.
	Recv() (*RawResponse, error)
	// Close closes the connection. Pending Recv calls return an error.
	Close() error
	// Origin returns the origin the connection was established to.
	Origin() Origin
	// CanTakeNewRequest reports whether Send may open another stream.
	CanTakeNewRequest() bool
	// Ping sends a PING frame and waits for its acknowledgement.
	Ping(ctx context.Context) error
}

// Origin is the (host, port, secure) triple a connection is established to.
type Origin struct {
	Host   string
	Port   int
	Secure bool
}

// Scheme returns "https" for secure origins and "http" otherwise.
func (o Origin) Scheme() string {
	if o.Secure {
		return "https"
	}
	return "http"
}

// Authority returns the value of the :authority pseudo header, omitting the default port of the scheme.
func (o Origin) Authority() string {
	if o.Port == o.DefaultPort() {
		return o.hostForAuthority()
	}
	return fmt.Sprintf("%s:%d", o.hostForAuthority(), o.Port)
}

// DefaultPort returns 443 for secure origins and 80 otherwise.
func (o Origin) DefaultPort() int {
	if o.Secure {
		return 443
	}
	return 80
}

// Equal reports whether o and other denote the same origin. Hosts compare case-insensitively.
func (o Origin) Equal(other Origin) bool {
	return o.Port == other.Port && o.Secure == other.Secure && strings.EqualFold(o.Host, other.Host)
}

func (o Origin) hostForAuthority() string {
	if strings.Contains(o.Host, ":") {
		// IPv6 literal
		return "[" + o.Host + "]"
	}
	return o.Host
}

func (o Origin) String() string {
	return fmt.Sprintf("%s://%s:%d", o.Scheme(), o.hostForAuthority(), o.Port)
}

// OutRequest is a request ready to be written as HEADERS and DATA frames.
type OutRequest struct {
	// Header holds the pseudo headers first, then the regular ones, all with lower case names.
	Header []hpack.HeaderField
	Body   []byte
	// EndStream half-closes the stream after Body. Leave it false to keep writing with Transport.Write.
	EndStream bool
}

// RawResponse is everything received on one stream.
type RawResponse struct {
	StreamID uint32
	Status   int
	Header   http.Header
	Trailer  http.Header
	// Promise holds the request headers of the PUSH_PROMISE for server-initiated streams.
	Promise http.Header
	Body    []byte

	// ErrCode is the code of the RST_STREAM that ended the stream, if any.
	ErrCode http2.ErrCode
	// Err is set when the stream failed instead of completing.
	Err error
}

// IsPush reports whether the stream was initiated by the server.
func (r *RawResponse) IsPush() bool {
	return r.StreamID%2 == 0
}
