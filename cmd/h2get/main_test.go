package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/AutoMQ/h2mux/pkg/config"
	"github.com/AutoMQ/h2mux/pkg/util/testutil/h2test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestConfig(tb testing.TB, args ...string) *config.Config {
	re := require.New(tb)
	cfg, err := config.NewConfig(args, io.Discard)
	re.NoError(err)
	re.NoError(cfg.Adjust())
	re.NoError(cfg.Validate())
	return cfg
}

func TestRun(t *testing.T) {
	t.Parallel()

	addr, shutdown := h2test.Start(t, h2test.Handler())
	t.Cleanup(shutdown)
	base := "http://" + addr
	manyPushes := base + "/index?push=/p0&push=/p1&push=/p2&push=/p3&push=/p4&push=/p5&push=/p6&push=/p7&push=/p8&push=/p9"

	tests := []struct {
		name     string
		args     []string
		contains []string
		absent   []string
	}{
		{
			name: "get",
			args: []string{base + "/a", "", base + "/b?status=201"},
			contains: []string{
				"< " + base + "/a stream=1 status=200\n",
				"< X-Path: /a\n",
				"< " + base + "/b?status=201 stream=3 status=201\n",
			},
		},
		{
			name: "pipeline",
			args: []string{"--fetch-method=post", "--fetch-pipeline", "--fetch-chunk-size=3", "--fetch-data=hello world",
				"--fetch-header=X-Test: yes", base + "/upload?trailer=ok"},
			contains: []string{
				"< " + base + "/upload?trailer=ok stream=1 status=200\n",
				"< X-Method: POST\n",
				"\nhello world\n",
				"< X-Checksum: ok\n",
			},
		},
		{
			name: "pushes",
			args: []string{"--fetch-push-wait=500ms", base + "/index?push=/style.css"},
			contains: []string{
				"< " + base + "/index?push=/style.css stream=1 status=200\n",
				"< push /style.css stream=2 status=200\n",
			},
		},
		{
			name: "more pushes than the push queue holds",
			args: []string{"--mux-push-queue-length=2", "--fetch-push-wait=500ms", manyPushes},
			contains: []string{
				"< " + manyPushes + " stream=1 status=200\n",
				"< push /p0 stream=",
				"< push /p9 stream=",
			},
		},
		{
			name:     "more pushes than the push queue holds, not waited for",
			args:     []string{"--mux-push-queue-length=2", manyPushes},
			contains: []string{"< " + manyPushes + " stream=1 status=200\n"},
			absent:   []string{"< push"},
		},
		{
			name:   "pushes not waited for",
			args:   []string{base + "/index?push=/style.css"},
			absent: []string{"< push"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			cfg := newTestConfig(t, tt.args...)
			var out bytes.Buffer
			err := run(context.Background(), cfg, cfg.Args(), &out, zap.NewNop())
			re.NoError(err)
			for _, s := range tt.contains {
				re.Contains(out.String(), s)
			}
			for _, s := range tt.absent {
				re.NotContains(out.String(), s)
			}
		})
	}
}

func TestRun_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "no url",
			wantErr: "no url to fetch",
		},
		{
			name:    "mixed origins",
			args:    []string{"http://a.example.com/", "https://a.example.com/"},
			wantErr: "is not on origin http://a.example.com:80",
		},
		{
			name:    "invalid url",
			args:    []string{"ftp://a.example.com/"},
			wantErr: "unsupported scheme",
		},
		{
			name:    "connect failure",
			args:    []string{"--transport-dial-timeout=1s", "http://127.0.0.1:1/"},
			wantErr: "mux: connect to http://127.0.0.1:1",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			cfg := newTestConfig(t, tt.args...)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := run(ctx, cfg, cfg.Args(), io.Discard, zap.NewNop())
			re.ErrorContains(err, tt.wantErr)
		})
	}
}

func TestNewRequests_HostCase(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	f := config.NewFetch()
	f.Adjust()
	reqs, err := newRequests(f, []string{"http://Example.com/a", "http://example.COM/b"})
	re.NoError(err)
	re.Len(reqs, 2)

	_, err = newRequests(f, []string{"http://example.com/a", "http://example.org/b"})
	re.ErrorContains(err, "is not on origin http://example.com:80")
}
