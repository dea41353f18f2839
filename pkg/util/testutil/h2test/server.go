// Package h2test runs in-process HTTP/2 servers for tests.
package h2test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	tempurl "github.com/AutoMQ/h2mux/pkg/util/testutil/url"
)

type server struct {
	l       net.Listener
	h2      *http2.Server
	handler http.Handler

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Start serves handler over h2c with prior knowledge on a local address.
// shutdown closes the listener and every accepted connection, then waits for them to be released.
func Start(tb testing.TB, handler http.Handler) (addr string, shutdown func()) {
	re := require.New(tb)

	addr = tempurl.AllocAddr(tb)
	l, err := net.Listen("tcp", addr)
	re.NoError(err)

	s := &server{
		l:       l,
		h2:      &http2.Server{},
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()

	var once sync.Once
	shutdown = func() {
		once.Do(s.shutdown)
	}
	return addr, shutdown
}

func (s *server) serve() {
	defer s.wg.Done()
	for {
		rwc, err := s.l.Accept()
		if err != nil {
			return
		}
		if !s.track(rwc) {
			_ = rwc.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(rwc)
			s.h2.ServeConn(rwc, &http2.ServeConnOpts{Handler: s.handler})
			_ = rwc.Close()
		}()
	}
}

func (s *server) track(rwc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[rwc] = struct{}{}
	return true
}

func (s *server) untrack(rwc net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, rwc)
}

func (s *server) shutdown() {
	_ = s.l.Close()
	s.mu.Lock()
	s.closed = true
	for rwc := range s.conns {
		_ = rwc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// StartTLS serves handler over TLS with ALPN "h2", using a self-signed certificate.
func StartTLS(tb testing.TB, handler http.Handler) (addr string, shutdown func()) {
	s := httptest.NewUnstartedServer(handler)
	s.EnableHTTP2 = true
	s.StartTLS()
	return s.Listener.Addr().String(), s.Close
}

// ConnCount returns a handler wrapper counting the distinct client addresses seen.
func ConnCount(handler http.Handler) (http.Handler, func() int) {
	var mu sync.Mutex
	seen := make(map[string]struct{})
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.RemoteAddr] = struct{}{}
		mu.Unlock()
		handler.ServeHTTP(w, r)
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}
	return wrapped, count
}
