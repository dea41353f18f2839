package config

import (
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultFetchMethod    = http.MethodGet
	_defaultFetchChunkSize = 16 << 10
	_defaultFetchPushWait  = 0
)

// Fetch is the configuration for the requests sent by h2get
type Fetch struct {
	Method string
	// Headers are extra request headers in the form of "Name: value".
	Headers []string
	// Data is the request body.
	Data string
	// Pipeline keeps each stream open after HEADERS and streams Data in chunks of ChunkSize.
	Pipeline  bool
	ChunkSize int
	// PushWait is how long to keep receiving server pushes after all responses arrived.
	PushWait time.Duration
}

func NewFetch() *Fetch {
	return &Fetch{}
}

func (f *Fetch) Adjust() {
	if f.Method == "" {
		f.Method = _defaultFetchMethod
	}
	f.Method = strings.ToUpper(f.Method)
	if f.ChunkSize == 0 {
		f.ChunkSize = _defaultFetchChunkSize
	}
}

func (f *Fetch) Validate() error {
	if f.Method == "" {
		return errors.New("empty method")
	}
	if f.ChunkSize <= 0 {
		return errors.Errorf("invalid chunk size `%d`", f.ChunkSize)
	}
	if f.PushWait < 0 {
		return errors.Errorf("invalid push wait `%s`", f.PushWait)
	}
	if _, err := f.Header(); err != nil {
		return err
	}
	return nil
}

// Header parses Headers.
func (f *Fetch) Header() (http.Header, error) {
	header := make(http.Header, len(f.Headers))
	for _, h := range f.Headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Errorf("invalid header `%s`", h)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}

func fetchConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("fetch-method", _defaultFetchMethod, "request method")
	_ = v.BindPFlag("fetch.method", fs.Lookup("fetch-method"))
	fs.StringArray("fetch-header", []string{}, "extra request header in the form of \"Name: value\", can be repeated")
	_ = v.BindPFlag("fetch.headers", fs.Lookup("fetch-header"))
	fs.String("fetch-data", "", "request body")
	_ = v.BindPFlag("fetch.data", fs.Lookup("fetch-data"))
	fs.Bool("fetch-pipeline", false, "keep streams open after the headers and send the body in separate DATA frames")
	_ = v.BindPFlag("fetch.pipeline", fs.Lookup("fetch-pipeline"))
	fs.Int("fetch-chunk-size", _defaultFetchChunkSize, "size of each body chunk written in pipeline mode")
	_ = v.BindPFlag("fetch.chunkSize", fs.Lookup("fetch-chunk-size"))
	fs.Duration("fetch-push-wait", _defaultFetchPushWait, "how long to keep receiving server pushes after all responses arrived")
	_ = v.BindPFlag("fetch.pushWait", fs.Lookup("fetch-push-wait"))
}
