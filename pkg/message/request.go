// Package message holds the request and response value objects of h2mux and their wire adapters.
package message

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/AutoMQ/h2mux/pkg/transport"
)

const (
	// AttrHTTP2Pipeline is the request attribute that keeps the stream open after the request is sent.
	AttrHTTP2Pipeline = "http2_pipeline"

	// ProtocolHTTP2 is the protocol version of requests sent on a multiplexed connection.
	ProtocolHTTP2 = "2.0"

	_defaultProtocolVersion = "1.1"
)

// Request is an immutable HTTP request. The With* methods return modified copies.
type Request struct {
	method          string
	uri             *url.URL
	header          http.Header
	body            []byte
	protocolVersion string
	attributes      map[string]any
}

// NewRequest returns a request for an absolute http or https URL.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %q in url %q", u.Scheme, rawURL)
	}
	if u.Hostname() == "" {
		return nil, errors.Errorf("missing host in url %q", rawURL)
	}
	if p := u.Port(); p != "" {
		if _, err := strconv.ParseUint(p, 10, 16); err != nil {
			return nil, errors.Errorf("invalid port %q in url %q", p, rawURL)
		}
	}
	return &Request{
		method:          method,
		uri:             u,
		header:          make(http.Header),
		body:            body,
		protocolVersion: _defaultProtocolVersion,
		attributes:      make(map[string]any),
	}, nil
}

func (r *Request) clone() *Request {
	nr := *r
	u := *r.uri
	nr.uri = &u
	nr.header = r.header.Clone()
	nr.attributes = make(map[string]any, len(r.attributes))
	for k, v := range r.attributes {
		nr.attributes[k] = v
	}
	return &nr
}

// WithProtocolVersion returns a copy of the request with the protocol version set.
func (r *Request) WithProtocolVersion(version string) *Request {
	nr := r.clone()
	nr.protocolVersion = version
	return nr
}

// WithAttribute returns a copy of the request with the attribute set.
func (r *Request) WithAttribute(name string, value any) *Request {
	nr := r.clone()
	nr.attributes[name] = value
	return nr
}

// WithHeader returns a copy of the request with the header replaced.
func (r *Request) WithHeader(name string, values ...string) *Request {
	nr := r.clone()
	nr.header.Del(name)
	for _, v := range values {
		nr.header.Add(name, v)
	}
	return nr
}

// WithAddedHeader returns a copy of the request with values appended to the header.
func (r *Request) WithAddedHeader(name string, values ...string) *Request {
	nr := r.clone()
	for _, v := range values {
		nr.header.Add(name, v)
	}
	return nr
}

// WithBody returns a copy of the request with the body replaced.
func (r *Request) WithBody(body []byte) *Request {
	nr := r.clone()
	nr.body = body
	return nr
}

func (r *Request) Method() string {
	return r.method
}

// URI returns a copy of the request target.
func (r *Request) URI() *url.URL {
	u := *r.uri
	return &u
}

// Header returns a copy of the request headers.
func (r *Request) Header() http.Header {
	return r.header.Clone()
}

// Body returns the request body. It must not be modified.
func (r *Request) Body() []byte {
	return r.body
}

func (r *Request) ProtocolVersion() string {
	return r.protocolVersion
}

// Attribute returns the attribute, or nil if it is not set.
func (r *Request) Attribute(name string) any {
	return r.attributes[name]
}

// Pipelined reports whether the AttrHTTP2Pipeline attribute is true.
func (r *Request) Pipelined() bool {
	v, _ := r.attributes[AttrHTTP2Pipeline].(bool)
	return v
}

// Origin returns the (host, port, secure) triple of the request target.
// The port defaults to 443 for https and 80 for http.
func (r *Request) Origin() transport.Origin {
	o := transport.Origin{
		Host:   r.uri.Hostname(),
		Secure: r.uri.Scheme == "https",
	}
	if p, err := strconv.Atoi(r.uri.Port()); err == nil {
		o.Port = p
	} else {
		o.Port = o.DefaultPort()
	}
	return o
}
