package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// limits from RFC 7540 section 6.5.2
	_minMaxFrameSize      = 1 << 14
	_maxMaxFrameSize      = 1<<24 - 1
	_maxInitialWindowSize = 1<<31 - 1

	_defaultTransportDialTimeout       = 10 * time.Second
	_defaultTransportInitialWindowSize = 4 << 20
	_defaultTransportMaxFrameSize      = _minMaxFrameSize
	_defaultTransportMaxHeaderListSize = 10 << 20
	_defaultTransportReadIdleTimeout   = 30 * time.Second
	_defaultTransportPingTimeout       = 15 * time.Second
)

// Transport is the configuration for the HTTP/2 transport
type Transport struct {
	// DialTimeout bounds the TCP connect and the TLS handshake. Zero means no timeout.
	DialTimeout time.Duration
	// InsecureSkipVerify disables the verification of the server's certificate chain and host name.
	InsecureSkipVerify bool
	// ServerName overrides the name used for SNI and certificate verification.
	// If empty, the host of the origin is used.
	ServerName string

	// InitialWindowSize is the flow-control window advertised for every stream and the connection.
	InitialWindowSize uint32
	// MaxFrameSize is the largest frame payload this client is willing to receive.
	MaxFrameSize uint32
	// MaxHeaderListSize is the largest decoded header list this client is willing to receive.
	MaxHeaderListSize uint32

	// ReadIdleTimeout is the timeout after which a health check using a PING
	// frame will be carried out if no frame is received on the connection.
	// If zero, no health check is performed.
	ReadIdleTimeout time.Duration
	// PingTimeout is the timeout after which the connection will be closed
	// if a response to PING is not received.
	PingTimeout time.Duration
}

func NewTransport() *Transport {
	return &Transport{}
}

// Adjust fills zero sizes with defaults.
func (t *Transport) Adjust() {
	if t.InitialWindowSize == 0 {
		t.InitialWindowSize = _defaultTransportInitialWindowSize
	}
	if t.MaxFrameSize == 0 {
		t.MaxFrameSize = _defaultTransportMaxFrameSize
	}
	if t.MaxHeaderListSize == 0 {
		t.MaxHeaderListSize = _defaultTransportMaxHeaderListSize
	}
	if t.PingTimeout == 0 {
		t.PingTimeout = _defaultTransportPingTimeout
	}
}

func (t *Transport) Validate() error {
	if t.DialTimeout < 0 {
		return errors.Errorf("invalid dial timeout `%s`", t.DialTimeout)
	}
	if t.InitialWindowSize == 0 || t.InitialWindowSize > _maxInitialWindowSize {
		return errors.Errorf("invalid initial window size `%d`", t.InitialWindowSize)
	}
	if t.MaxFrameSize < _minMaxFrameSize || t.MaxFrameSize > _maxMaxFrameSize {
		return errors.Errorf("invalid max frame size `%d`", t.MaxFrameSize)
	}
	if t.MaxHeaderListSize == 0 {
		return errors.Errorf("invalid max header list size `%d`", t.MaxHeaderListSize)
	}
	if t.ReadIdleTimeout < 0 {
		return errors.Errorf("invalid read idle timeout `%s`", t.ReadIdleTimeout)
	}
	if t.PingTimeout <= 0 {
		return errors.Errorf("invalid ping timeout `%s`", t.PingTimeout)
	}
	return nil
}

func transportConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Duration("transport-dial-timeout", _defaultTransportDialTimeout, "timeout of establishing a connection, including the TLS handshake (zero for no timeout)")
	_ = v.BindPFlag("transport.dialTimeout", fs.Lookup("transport-dial-timeout"))
	fs.Bool("transport-insecure-skip-verify", false, "whether to skip the verification of the server's certificate")
	_ = v.BindPFlag("transport.insecureSkipVerify", fs.Lookup("transport-insecure-skip-verify"))
	fs.String("transport-server-name", "", "server name used for SNI and certificate verification (default the host of the URL)")
	_ = v.BindPFlag("transport.serverName", fs.Lookup("transport-server-name"))

	fs.Uint32("transport-initial-window-size", _defaultTransportInitialWindowSize, "flow-control window advertised for each stream and for the connection")
	_ = v.BindPFlag("transport.initialWindowSize", fs.Lookup("transport-initial-window-size"))
	fs.Uint32("transport-max-frame-size", _defaultTransportMaxFrameSize, "largest frame payload accepted from the server")
	_ = v.BindPFlag("transport.maxFrameSize", fs.Lookup("transport-max-frame-size"))
	fs.Uint32("transport-max-header-list-size", _defaultTransportMaxHeaderListSize, "largest decoded header list accepted from the server")
	_ = v.BindPFlag("transport.maxHeaderListSize", fs.Lookup("transport-max-header-list-size"))

	fs.Duration("transport-read-idle-timeout", _defaultTransportReadIdleTimeout, "time after which a health check will be carried out (zero for no health checks)")
	_ = v.BindPFlag("transport.readIdleTimeout", fs.Lookup("transport-read-idle-timeout"))
	fs.Duration("transport-ping-timeout", _defaultTransportPingTimeout, "time after which the connection is closed if the server doesn't respond to a ping")
	_ = v.BindPFlag("transport.pingTimeout", fs.Lookup("transport-ping-timeout"))
}
