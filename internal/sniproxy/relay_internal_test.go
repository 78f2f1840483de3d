package sniproxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyConn is a [net.Conn] whose Read returns no data and no error.
type emptyConn struct {
	net.Conn
}

// Read implements the [net.Conn] interface for emptyConn.
func (emptyConn) Read(_ []byte) (n int, err error) { return 0, nil }

// SetReadDeadline implements the [net.Conn] interface for emptyConn.
func (emptyConn) SetReadDeadline(_ time.Time) (err error) { return nil }

// Close implements the [net.Conn] interface for emptyConn.
func (emptyConn) Close() (err error) { return nil }

func TestRelay_awaitHello_noData(t *testing.T) {
	r := &relay{
		conn:   NewConnContext(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}),
		client: newOnceCloser(emptyConn{}),
	}

	hello, err := r.awaitHello()
	require.Error(t, err)
	assert.Nil(t, hello)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotContains(t, err.Error(), "%!")
}

func TestNoDataErr(t *testing.T) {
	assert.Same(t, io.ErrUnexpectedEOF, noDataErr(nil))
	assert.Same(t, io.EOF, noDataErr(io.EOF))
}
