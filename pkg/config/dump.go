package config

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type dumpConfig struct {
	Log       dumpLog       `toml:"log"`
	Transport dumpTransport `toml:"transport"`
	Mux       dumpMux       `toml:"mux"`
	Fetch     dumpFetch     `toml:"fetch"`
}

type dumpLog struct {
	Level          string     `toml:"level"`
	EnableRotation bool       `toml:"enableRotation"`
	Zap            dumpLogZap `toml:"zap"`
	Rotate         Rotate     `toml:"rotate"`
}

type dumpLogZap struct {
	Encoding         string   `toml:"encoding"`
	OutputPaths      []string `toml:"outputPaths"`
	ErrorOutputPaths []string `toml:"errorOutputPaths"`

	DisableCaller     bool `toml:"disableCaller"`
	DisableStacktrace bool `toml:"disableStacktrace"`
}

type dumpTransport struct {
	DialTimeout        string `toml:"dialTimeout"`
	InsecureSkipVerify bool   `toml:"insecureSkipVerify"`
	ServerName         string `toml:"serverName"`
	InitialWindowSize  uint32 `toml:"initialWindowSize"`
	MaxFrameSize       uint32 `toml:"maxFrameSize"`
	MaxHeaderListSize  uint32 `toml:"maxHeaderListSize"`
	ReadIdleTimeout    string `toml:"readIdleTimeout"`
	PingTimeout        string `toml:"pingTimeout"`
}

type dumpMux struct {
	PushQueueLength int    `toml:"pushQueueLength"`
	RecvTimeout     string `toml:"recvTimeout"`
}

type dumpFetch struct {
	Method    string   `toml:"method"`
	Headers   []string `toml:"headers"`
	Data      string   `toml:"data"`
	Pipeline  bool     `toml:"pipeline"`
	ChunkSize int      `toml:"chunkSize"`
	PushWait  string   `toml:"pushWait"`
}

// Dump writes the configuration as TOML. The output can be fed back through --config.
func (c *Config) Dump(w io.Writer) error {
	d := dumpConfig{
		Log: dumpLog{
			Level:          c.Log.Level,
			EnableRotation: c.Log.EnableRotation,
			Zap: dumpLogZap{
				Encoding:         c.Log.Zap.Encoding,
				OutputPaths:      c.Log.Zap.OutputPaths,
				ErrorOutputPaths: c.Log.Zap.ErrorOutputPaths,

				DisableCaller:     c.Log.Zap.DisableCaller,
				DisableStacktrace: c.Log.Zap.DisableStacktrace,
			},
			Rotate: c.Log.Rotate,
		},
		Transport: dumpTransport{
			DialTimeout:        c.Transport.DialTimeout.String(),
			InsecureSkipVerify: c.Transport.InsecureSkipVerify,
			ServerName:         c.Transport.ServerName,
			InitialWindowSize:  c.Transport.InitialWindowSize,
			MaxFrameSize:       c.Transport.MaxFrameSize,
			MaxHeaderListSize:  c.Transport.MaxHeaderListSize,
			ReadIdleTimeout:    c.Transport.ReadIdleTimeout.String(),
			PingTimeout:        c.Transport.PingTimeout.String(),
		},
		Mux: dumpMux{
			PushQueueLength: c.Mux.PushQueueLength,
			RecvTimeout:     c.Mux.RecvTimeout.String(),
		},
		Fetch: dumpFetch{
			Method:    c.Fetch.Method,
			Headers:   c.Fetch.Headers,
			Data:      c.Fetch.Data,
			Pipeline:  c.Fetch.Pipeline,
			ChunkSize: c.Fetch.ChunkSize,
			PushWait:  c.Fetch.PushWait.String(),
		},
	}
	if err := toml.NewEncoder(w).Encode(d); err != nil {
		return errors.Wrap(err, "encode configuration")
	}
	return nil
}
