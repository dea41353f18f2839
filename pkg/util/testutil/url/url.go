// Package url allocates local addresses for test servers.
package url

import (
	"net"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

const (
	_allocAttempts = 10
	_allocBackoff  = 100 * time.Millisecond
)

var _allocated = struct {
	sync.Mutex
	addrs mapset.Set[string]
}{addrs: mapset.NewThreadUnsafeSet[string]()}

// Alloc returns an h2c origin URL on a free local address, e.g. "http://127.0.0.1:12345".
func Alloc(tb testing.TB) string {
	tb.Helper()
	return "http://" + AllocAddr(tb)
}

// AllocAddr returns a free local "host:port". The same address is never returned twice in one process.
func AllocAddr(tb testing.TB) string {
	tb.Helper()
	for attempt := 0; attempt < _allocAttempts; attempt++ {
		addr, err := candidate()
		if err != nil {
			tb.Fatalf("pick local address: %v", err)
		}
		if reserve(tb, addr) {
			return addr
		}
		time.Sleep(_allocBackoff)
	}
	tb.Fatalf("no free local address after %d attempts", _allocAttempts)
	return ""
}

// candidate lets the kernel pick a port, then releases it.
func candidate() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", errors.Wrap(err, "listen")
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return "", errors.Wrap(err, "close listener")
	}
	return addr, nil
}

func reserve(tb testing.TB, addr string) bool {
	_allocated.Lock()
	defer _allocated.Unlock()
	if _allocated.addrs.Contains(addr) || inUse(tb, addr) {
		return false
	}
	_allocated.addrs.Add(addr)
	return true
}
