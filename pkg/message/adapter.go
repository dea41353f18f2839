package message

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"

	"github.com/AutoMQ/h2mux/pkg/transport"
)

// connection-specific headers, forbidden in HTTP/2 (RFC 7540 section 8.1.2.2)
var _connectionHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// BuildRequest translates req into the header block and body written on a new stream.
// The request must use ProtocolHTTP2. The Host header, if set, replaces the authority of the URI.
func BuildRequest(req *Request) (*transport.OutRequest, error) {
	if req.protocolVersion != ProtocolHTTP2 {
		return nil, errors.Errorf("unsupported protocol version %q", req.protocolVersion)
	}
	if !validMethod(req.method) {
		return nil, errors.Errorf("invalid method %q", req.method)
	}

	authority := req.Origin().Authority()
	if host := req.header.Get("Host"); host != "" {
		if !httpguts.ValidHostHeader(host) {
			return nil, errors.Errorf("invalid host header %q", host)
		}
		authority = host
	}

	fields := make([]hpack.HeaderField, 0, 4+len(req.header)+1)
	fields = append(fields,
		hpack.HeaderField{Name: ":method", Value: req.method},
		hpack.HeaderField{Name: ":scheme", Value: req.uri.Scheme},
		hpack.HeaderField{Name: ":authority", Value: authority},
		hpack.HeaderField{Name: ":path", Value: req.uri.RequestURI()},
	)

	names := make([]string, 0, len(req.header))
	for name := range req.header {
		names = append(names, name)
	}
	sort.Strings(names)

	hasContentLength := false
	for _, name := range names {
		lower := strings.ToLower(name)
		if _, ok := _connectionHeaders[lower]; ok || lower == "host" {
			continue
		}
		if !httpguts.ValidHeaderFieldName(lower) {
			return nil, errors.Errorf("invalid header name %q", name)
		}
		for _, v := range req.header[name] {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, errors.Errorf("invalid value of header %q", name)
			}
			if lower == "te" && !strings.EqualFold(v, "trailers") {
				// only "trailers" is allowed in HTTP/2
				continue
			}
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
		if lower == "content-length" {
			hasContentLength = true
		}
	}
	if len(req.body) > 0 && !hasContentLength && !req.Pipelined() {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(req.body))})
	}

	return &transport.OutRequest{
		Header:    fields,
		Body:      req.body,
		EndStream: !req.Pipelined(),
	}, nil
}

func validMethod(method string) bool {
	if method == "" || method == http.MethodConnect {
		return false
	}
	return strings.IndexFunc(method, func(r rune) bool {
		return !httpguts.IsTokenRune(r)
	}) == -1
}

// BuildResponse translates a response received by the transport.
func BuildResponse(raw *transport.RawResponse) *Response {
	return &Response{
		streamID: raw.StreamID,
		status:   raw.Status,
		header:   raw.Header,
		trailer:  raw.Trailer,
		promise:  raw.Promise,
		body:     raw.Body,
		err:      raw.Err,
	}
}
