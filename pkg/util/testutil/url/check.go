//go:build linux

package url

import (
	"testing"

	"github.com/cakturk/go-netstat/netstat"
)

// inUse reports whether a TCP socket, TIME_WAIT ones included, is bound or connected to addr.
// An unreadable socket table counts as in use.
func inUse(tb testing.TB, addr string) bool {
	socks, err := netstat.TCPSocks(func(e *netstat.SockTabEntry) bool {
		return e.LocalAddr.String() == addr || e.RemoteAddr.String() == addr
	})
	if err != nil {
		tb.Logf("read tcp socket table: %v", err)
		return true
	}
	return len(socks) > 0
}
