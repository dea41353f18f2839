package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/AutoMQ/h2mux/pkg/config"
)

const _peerTimeout = 5 * time.Second

func testConfig() *config.Transport {
	cfg := config.NewTransport()
	cfg.DialTimeout = _peerTimeout
	cfg.Adjust()
	return cfg
}

// peer is a hand-driven HTTP/2 server side of a connection.
type peer struct {
	re   *require.Assertions
	conn net.Conn
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer
}

// startPeer dials a Conn to a local listener and returns both ends after the client preface was read.
func startPeer(tb testing.TB, cfg *config.Transport, lg *zap.Logger) (*Conn, *peer) {
	re := require.New(tb)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	re.NoError(err)
	defer func() { _ = l.Close() }()

	accepted := make(chan net.Conn, 1)
	go func() {
		rwc, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- rwc
	}()

	port := l.Addr().(*net.TCPAddr).Port
	c, err := Dial(context.Background(), Origin{Host: "127.0.0.1", Port: port}, cfg, lg)
	re.NoError(err)
	rwc, ok := <-accepted
	re.True(ok)

	p := &peer{re: re, conn: rwc}
	p.fr = http2.NewFramer(rwc, rwc)
	p.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	p.henc = hpack.NewEncoder(&p.hbuf)

	preface := make([]byte, len(http2.ClientPreface))
	p.deadline()
	_, err = io.ReadFull(rwc, preface)
	re.NoError(err)
	re.Equal(http2.ClientPreface, string(preface))

	sf := p.readFrame().(*http2.SettingsFrame)
	v, ok := sf.Value(http2.SettingEnablePush)
	re.True(ok)
	re.Equal(uint32(1), v)

	tb.Cleanup(func() {
		_ = c.Close()
		_ = rwc.Close()
	})
	return c, p
}

func (p *peer) deadline() {
	_ = p.conn.SetReadDeadline(time.Now().Add(_peerTimeout))
}

func (p *peer) readFrame() http2.Frame {
	p.deadline()
	f, err := p.fr.ReadFrame()
	p.re.NoError(err)
	return f
}

// readUntil skips frames until match returns true.
func (p *peer) readUntil(match func(http2.Frame) bool) http2.Frame {
	for {
		f := p.readFrame()
		if match(f) {
			return f
		}
	}
}

func (p *peer) readHeaders(id uint32) *http2.MetaHeadersFrame {
	return p.readUntil(func(f http2.Frame) bool {
		_, ok := f.(*http2.MetaHeadersFrame)
		return ok && f.Header().StreamID == id
	}).(*http2.MetaHeadersFrame)
}

func (p *peer) readSettingsAck() {
	p.readUntil(func(f http2.Frame) bool {
		sf, ok := f.(*http2.SettingsFrame)
		return ok && sf.IsAck()
	})
}

func (p *peer) encode(fields ...string) []byte {
	p.hbuf.Reset()
	for i := 0; i+1 < len(fields); i += 2 {
		p.re.NoError(p.henc.WriteField(hpack.HeaderField{Name: fields[i], Value: fields[i+1]}))
	}
	return append([]byte(nil), p.hbuf.Bytes()...)
}

func (p *peer) writeSettings(settings ...http2.Setting) {
	p.re.NoError(p.fr.WriteSettings(settings...))
}

func (p *peer) writeHeaders(id uint32, endStream bool, fields ...string) {
	p.re.NoError(p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: p.encode(fields...),
		EndStream:     endStream,
		EndHeaders:    true,
	}))
}

func (p *peer) writeResponse(id uint32, status int, body string) {
	p.writeHeaders(id, body == "", ":status", strconv.Itoa(status))
	if body != "" {
		p.re.NoError(p.fr.WriteData(id, true, []byte(body)))
	}
}

func get(path string) *OutRequest {
	return &OutRequest{
		Header: []hpack.HeaderField{
			{Name: ":method", Value: "GET"},
			{Name: ":scheme", Value: "http"},
			{Name: ":authority", Value: "127.0.0.1"},
			{Name: ":path", Value: path},
		},
		EndStream: true,
	}
}

func post(path string, body []byte, end bool) *OutRequest {
	return &OutRequest{
		Header: []hpack.HeaderField{
			{Name: ":method", Value: "POST"},
			{Name: ":scheme", Value: "http"},
			{Name: ":authority", Value: "127.0.0.1"},
			{Name: ":path", Value: path},
		},
		Body:      body,
		EndStream: end,
	}
}

// recvLoop calls Recv until it fails and forwards every response.
func recvLoop(c *Conn) (<-chan *RawResponse, <-chan error) {
	resps := make(chan *RawResponse, 16)
	errCh := make(chan error, 1)
	go func() {
		for {
			resp, err := c.Recv()
			if err != nil {
				errCh <- err
				return
			}
			resps <- resp
		}
	}()
	return resps, errCh
}
