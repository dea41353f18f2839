package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultMuxPushQueueLength = 16
	_defaultMuxRecvTimeout     = 0
)

// Mux is the configuration for the stream multiplexer
type Mux struct {
	// PushQueueLength is the capacity of the queue holding server pushes nobody has received yet.
	// Once it is full, the connection stops dispatching responses until one push is received.
	PushQueueLength int
	// RecvTimeout is the default time to wait for a response. Zero means wait forever.
	RecvTimeout time.Duration
}

func NewMux() *Mux {
	return &Mux{}
}

func (m *Mux) Adjust() {
	if m.PushQueueLength == 0 {
		m.PushQueueLength = _defaultMuxPushQueueLength
	}
}

func (m *Mux) Validate() error {
	if m.PushQueueLength <= 0 {
		return errors.Errorf("invalid push queue length `%d`", m.PushQueueLength)
	}
	if m.RecvTimeout < 0 {
		return errors.Errorf("invalid receive timeout `%s`", m.RecvTimeout)
	}
	return nil
}

func muxConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Int("mux-push-queue-length", _defaultMuxPushQueueLength, "number of server pushes buffered before the connection stops dispatching")
	_ = v.BindPFlag("mux.pushQueueLength", fs.Lookup("mux-push-queue-length"))
	fs.Duration("mux-recv-timeout", _defaultMuxRecvTimeout, "time to wait for each response (zero for no timeout)")
	_ = v.BindPFlag("mux.recvTimeout", fs.Lookup("mux-recv-timeout"))
}
