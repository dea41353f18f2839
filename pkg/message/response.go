package message

import (
	"net/http"
)

// Response is a response received on one stream.
type Response struct {
	streamID uint32
	status   int
	header   http.Header
	trailer  http.Header
	promise  http.Header
	body     []byte
	err      error
}

// StreamID returns the id of the stream the response was received on.
func (r *Response) StreamID() uint32 {
	return r.streamID
}

// StatusCode returns the response status, 0 if the stream failed before the response headers.
func (r *Response) StatusCode() int {
	return r.status
}

func (r *Response) Header() http.Header {
	return r.header
}

// Trailer returns the trailers, nil if none were sent.
func (r *Response) Trailer() http.Header {
	return r.trailer
}

// Promise returns the request headers promised by the server for a pushed response, nil otherwise.
// Pseudo headers are kept under their literal names, e.g. ":path".
func (r *Response) Promise() http.Header {
	return r.promise
}

func (r *Response) Body() []byte {
	return r.body
}

// Err returns the transport error that ended the stream, if any.
func (r *Response) Err() error {
	return r.err
}

// ErrorMessage returns the transport error that ended the stream, or "" if the stream completed.
func (r *Response) ErrorMessage() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

// IsPush reports whether the response was pushed by the server.
func (r *Response) IsPush() bool {
	return r.streamID%2 == 0
}
