package message

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"github.com/AutoMQ/h2mux/pkg/transport"
)

func TestNewRequest(t *testing.T) {
	t.Parallel()

	host := gofakeit.DomainName()
	tests := []struct {
		name       string
		method     string
		url        string
		wantOrigin transport.Origin
		wantMethod string
		wantErr    string
	}{
		{
			name:       "http default port",
			url:        "http://" + host + "/index",
			wantOrigin: transport.Origin{Host: host, Port: 80},
			wantMethod: http.MethodGet,
		},
		{
			name:       "https default port",
			method:     http.MethodPost,
			url:        "https://" + host + "/",
			wantOrigin: transport.Origin{Host: host, Port: 443, Secure: true},
			wantMethod: http.MethodPost,
		},
		{
			name:       "explicit port",
			url:        "https://" + host + ":8443/a?b=c",
			wantOrigin: transport.Origin{Host: host, Port: 8443, Secure: true},
			wantMethod: http.MethodGet,
		},
		{
			name:       "ipv6",
			url:        "http://[::1]:8080/",
			wantOrigin: transport.Origin{Host: "::1", Port: 8080},
			wantMethod: http.MethodGet,
		},
		{
			name:    "relative",
			url:     "/index",
			wantErr: "unsupported scheme",
		},
		{
			name:    "unsupported scheme",
			url:     "ftp://" + host + "/",
			wantErr: "unsupported scheme",
		},
		{
			name:    "missing host",
			url:     "http:///index",
			wantErr: "missing host",
		},
		{
			name:    "invalid port",
			url:     "http://" + host + ":70000/",
			wantErr: "invalid port",
		},
		{
			name:    "parse error",
			url:     "http://" + host + "/%zz",
			wantErr: "parse url",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			req, err := NewRequest(tt.method, tt.url, nil)
			if tt.wantErr != "" {
				re.ErrorContains(err, tt.wantErr)
				return
			}
			re.NoError(err)
			re.Equal(tt.wantOrigin, req.Origin())
			re.Equal(tt.wantMethod, req.Method())
			re.Equal("1.1", req.ProtocolVersion())
			re.False(req.Pipelined())
		})
	}
}

func TestRequest_Immutable(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	body := []byte(gofakeit.Sentence(5))
	req, err := NewRequest(http.MethodPut, fmt.Sprintf("http://%s/items", gofakeit.DomainName()), body)
	re.NoError(err)

	modified := req.
		WithProtocolVersion(ProtocolHTTP2).
		WithAttribute(AttrHTTP2Pipeline, true).
		WithHeader("Accept", "text/plain", "text/html").
		WithAddedHeader("Accept", "application/json").
		WithBody(nil)

	re.Equal("1.1", req.ProtocolVersion())
	re.Nil(req.Attribute(AttrHTTP2Pipeline))
	re.False(req.Pipelined())
	re.Empty(req.Header())
	re.Equal(body, req.Body())

	re.Equal(ProtocolHTTP2, modified.ProtocolVersion())
	re.Equal(true, modified.Attribute(AttrHTTP2Pipeline))
	re.True(modified.Pipelined())
	re.Equal([]string{"text/plain", "text/html", "application/json"}, modified.Header().Values("Accept"))
	re.Nil(modified.Body())
	re.Equal(req.Origin(), modified.Origin())

	replaced := modified.WithHeader("Accept", "*/*")
	re.Equal([]string{"*/*"}, replaced.Header().Values("Accept"))
	re.Len(modified.Header().Values("Accept"), 3)

	// accessors return copies
	modified.Header().Set("Accept", "changed")
	modified.URI().Path = "/changed"
	re.Len(modified.Header().Values("Accept"), 3)
	re.Equal("/items", modified.URI().Path)
}
