// Package upstreamtest provides a SOCKS5 server for tests.
package upstreamtest

import (
	"context"
	"io"
	stdlog "log"
	"net"
	"sync"
	"testing"

	"github.com/armon/go-socks5"
	"github.com/stretchr/testify/require"
)

// SOCKS5Server is a SOCKS5 server listening on the loopback interface.  It
// records the destination of every CONNECT request.
type SOCKS5Server struct {
	listener net.Listener

	mu    sync.Mutex
	dials []string
}

// NewSOCKS5Server starts a new *SOCKS5Server.  If creds is not empty, the
// server requires username/password authentication.  dial may be nil, in
// which case destinations are dialed directly.  The server is stopped when
// the test finishes.
func NewSOCKS5Server(
	tb testing.TB,
	creds map[string]string,
	dial func(ctx context.Context, network, addr string) (net.Conn, error),
) (s *SOCKS5Server) {
	tb.Helper()

	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	s = &SOCKS5Server{}
	conf := &socks5.Config{
		Logger: stdlog.New(io.Discard, "", 0),
		Dial: func(ctx context.Context, network, addr string) (conn net.Conn, err error) {
			s.mu.Lock()
			s.dials = append(s.dials, addr)
			s.mu.Unlock()

			return dial(ctx, network, addr)
		},
	}
	if len(creds) > 0 {
		conf.Credentials = socks5.StaticCredentials(creds)
	}

	srv, err := socks5.New(conf)
	require.NoError(tb, err)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)

	go func() {
		_ = srv.Serve(s.listener)
	}()

	tb.Cleanup(func() {
		_ = s.listener.Close()
	})

	return s
}

// Addr returns the address the server listens on.
func (s *SOCKS5Server) Addr() (addr *net.TCPAddr) {
	return s.listener.Addr().(*net.TCPAddr)
}

// Dials returns the destinations of all CONNECT requests so far.
func (s *SOCKS5Server) Dials() (dials []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.dials...)
}
