// Package main is the entrypoint for h2get, which fetches URLs of one origin over one multiplexed HTTP/2 connection.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AutoMQ/h2mux/pkg/config"
	"github.com/AutoMQ/h2mux/pkg/message"
	"github.com/AutoMQ/h2mux/pkg/mux"
	"github.com/AutoMQ/h2mux/pkg/registry"
	"github.com/AutoMQ/h2mux/pkg/util/logutil"
	"github.com/AutoMQ/h2mux/pkg/util/traceutil"
	"github.com/AutoMQ/h2mux/pkg/util/typeutil"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:], os.Stderr)
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}

	// create a logger first
	logger := cfg.Logger()
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	defer logutil.LogPanicAndExit(logger)
	logger.Debug("running", zap.Strings("args", os.Args))
	if err != nil {
		logger.Error("failed to parse config", zap.Error(err))
		os.Exit(1)
	}

	syncLogger := func() { _ = logger.Sync() }

	// check config
	err = cfg.Adjust()
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		exit(1, syncLogger)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}
	if cfg.PrintConfig {
		if err := cfg.Dump(os.Stdout); err != nil {
			logger.Error("failed to print config", zap.Error(err))
			exit(1, syncLogger)
		}
		exit(0, syncLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		logger.Info("got signal to exit", zap.String("signal", sig.String()))
		cancel()
	}()

	err = run(ctx, cfg, cfg.Args(), os.Stdout, logger)
	cancel()
	if err != nil {
		logger.Error("failed to fetch", zap.Error(err))
		exit(1, syncLogger)
	}
	exit(0, syncLogger)
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}

// run sends a request for every URL on one connection and prints the responses in order.
// Server pushes are received while the responses are awaited so that a full push queue never
// holds them back. They are printed afterwards if cfg.Fetch.PushWait is set, discarded otherwise.
func run(ctx context.Context, cfg *config.Config, urls []string, out io.Writer, logger *zap.Logger) error {
	reqs, err := newRequests(cfg.Fetch, typeutil.FilterZero(urls))
	if err != nil {
		return err
	}
	origin := reqs[0].Origin()

	reg := registry.New(cfg.Transport, logger)
	defer func() { _ = reg.CloseAll() }()
	client := mux.NewClient(origin, reg, cfg.Mux, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	pushCtx, stopPushes := context.WithCancel(ctx)
	defer stopPushes()
	pushesCh := make(chan pushResult, 1)
	go func() {
		pushes, err := drainPushes(pushCtx, client, cfg.Fetch.PushWait > 0, logger)
		pushesCh <- pushResult{pushes: pushes, err: err}
	}()
	stopAndCollect := func() pushResult {
		stopPushes()
		return <-pushesCh
	}

	ids := make([]mux.StreamID, len(reqs))
	for i, req := range reqs {
		ids[i], err = send(client, req, cfg.Fetch)
		if err != nil {
			stopAndCollect()
			return errors.WithMessagef(err, "send %s", req.URI())
		}
	}

	resps := make([]*message.Response, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i := range ids {
		i := i
		g.Go(func() error {
			rctx := traceutil.SetTraceID(gctx, traceutil.New())
			if cfg.Mux.RecvTimeout > 0 {
				var cancel context.CancelFunc
				rctx, cancel = context.WithTimeout(rctx, cfg.Mux.RecvTimeout)
				defer cancel()
			}
			resp, err := client.RecvContext(rctx, ids[i])
			if err != nil {
				return errors.WithMessagef(err, "receive %s", reqs[i].URI())
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		stopAndCollect()
		return err
	}
	for i, resp := range resps {
		printResponse(out, reqs[i].URI().String(), resp)
	}

	if wait := cfg.Fetch.PushWait; wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	res := stopAndCollect()
	for _, push := range res.pushes {
		printResponse(out, "push "+push.Promise().Get(":path"), push)
	}
	return res.err
}

type pushResult struct {
	pushes []*message.Response
	err    error
}

func newRequests(f *config.Fetch, urls []string) ([]*message.Request, error) {
	if len(urls) == 0 {
		return nil, errors.New("no url to fetch")
	}
	header, err := f.Header()
	if err != nil {
		return nil, err
	}

	reqs := make([]*message.Request, 0, len(urls))
	for _, u := range urls {
		req, err := message.NewRequest(f.Method, u, []byte(f.Data))
		if err != nil {
			return nil, err
		}
		for name, values := range header {
			req = req.WithHeader(name, values...)
		}
		if len(reqs) > 0 && !req.Origin().Equal(reqs[0].Origin()) {
			return nil, errors.Errorf("url %s is not on origin %s", u, reqs[0].Origin())
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// send opens a stream for req. In pipeline mode the body is written in chunks after the headers.
func send(c *mux.Client, req *message.Request, f *config.Fetch) (mux.StreamID, error) {
	if !f.Pipeline {
		return c.Send(req)
	}
	body := req.Body()
	id, err := c.Send(req.WithBody(nil), mux.WithPipeline())
	if err != nil {
		return 0, err
	}
	for _, chunk := range typeutil.Chunks(body, f.ChunkSize) {
		if err := c.Write(id, chunk, false); err != nil {
			return id, err
		}
	}
	return id, c.End(id)
}

// drainPushes receives server pushes until ctx is done. Pushes are returned if keep is set.
func drainPushes(ctx context.Context, c *mux.Client, keep bool, logger *zap.Logger) ([]*message.Response, error) {
	var pushes []*message.Response
	for {
		resp, err := c.RecvContext(ctx, mux.PushStream)
		if ctx.Err() != nil {
			return pushes, nil
		}
		if err != nil {
			return pushes, errors.WithMessage(err, "receive push")
		}
		if !keep {
			logger.Debug("discard server push", zap.String("path", resp.Promise().Get(":path")))
			continue
		}
		pushes = append(pushes, resp)
	}
}

func printResponse(out io.Writer, target string, resp *message.Response) {
	_, _ = fmt.Fprintf(out, "< %s stream=%d status=%d\n", target, resp.StreamID(), resp.StatusCode())
	if msg := resp.ErrorMessage(); msg != "" {
		_, _ = fmt.Fprintf(out, "! %s\n", msg)
	}
	printHeader(out, "<", resp.Header())
	_, _ = fmt.Fprintf(out, "\n%s\n", resp.Body())
	printHeader(out, "<", resp.Trailer())
}

func printHeader(out io.Writer, prefix string, h map[string][]string) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range h[name] {
			_, _ = fmt.Fprintf(out, "%s %s: %s\n", prefix, name, v)
		}
	}
}
