package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/AutoMQ/h2mux/pkg/config"
)

// Dial connects to origin and starts an HTTP/2 connection on it.
// Secure origins negotiate "h2" with ALPN, others use h2c with prior knowledge.
func Dial(ctx context.Context, origin Origin, cfg *config.Transport, lg *zap.Logger) (*Conn, error) {
	addr := net.JoinHostPort(origin.Host, strconv.Itoa(origin.Port))
	d := &net.Dialer{Timeout: cfg.DialTimeout}

	if !origin.Secure {
		rwc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		return NewConn(rwc, origin, cfg, lg)
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName = origin.Host
	}
	td := &tls.Dialer{
		NetDialer: d,
		Config: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
			NextProtos:         []string{http2.NextProtoTLS},
			MinVersion:         tls.VersionTLS12,
		},
	}
	rwc, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s with tls", addr)
	}
	state := rwc.(*tls.Conn).ConnectionState()
	if state.NegotiatedProtocol != http2.NextProtoTLS {
		_ = rwc.Close()
		return nil, errors.Errorf("server %s did not negotiate %s, got %q", addr, http2.NextProtoTLS, state.NegotiatedProtocol)
	}
	return NewConn(rwc, origin, cfg, lg)
}
