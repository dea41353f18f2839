package mux

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/AutoMQ/h2mux/pkg/transport"
)

var (
	// ErrClosed is returned when the client is not connected, or was closed while waiting.
	ErrClosed = errors.New("mux: connection closed")
	// ErrTimeout is returned by Recv when no response arrived in time. The stream is still awaiting.
	ErrTimeout = errors.New("mux: receive timeout")
)

// OriginMismatchError is returned by Send for a request to another origin than the one the client is bound to.
type OriginMismatchError struct {
	Bound   transport.Origin
	Request transport.Origin
}

func (e *OriginMismatchError) Error() string {
	return fmt.Sprintf("mux: request to %s on a connection bound to %s", e.Request, e.Bound)
}

// ConnectError is returned by Connect when no connection could be acquired.
type ConnectError struct {
	Origin transport.Origin
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mux: connect to %s: %v", e.Origin, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendError is returned by Send when the transport could not open the stream.
// The connection is closed when it is returned.
type SendError struct {
	Origin transport.Origin
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("mux: send to %s: %v", e.Origin, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
