package mux

type sendOptions struct {
	pipeline     bool
	dropResponse bool
}

// SendOption changes how Send opens a stream.
type SendOption func(*sendOptions)

// WithPipeline keeps the stream open after the request is sent.
// The caller finishes the request body with Write(id, data, true) or End.
func WithPipeline() SendOption {
	return func(o *sendOptions) {
		o.pipeline = true
	}
}

// WithDropResponse declares that the response will never be received.
// No slot is registered and the response is discarded when it arrives.
func WithDropResponse() SendOption {
	return func(o *sendOptions) {
		o.dropResponse = true
	}
}
