// Package snitest contains helpers for tests that need real TLS ClientHello
// messages.
package snitest

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/ameshkov/snisocks/internal/sni"
	"github.com/stretchr/testify/require"
)

// ClientHello returns the first record a crypto/tls client writes when it
// connects with the specified server name.  An empty serverName produces a
// ClientHello without the server_name extension.
func ClientHello(tb testing.TB, serverName string) (b []byte) {
	tb.Helper()

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)

		conn := tls.Client(clientConn, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		})
		_ = conn.Handshake()
		_ = clientConn.Close()
	}()

	buf := make([]byte, sni.MaxRecordSize)
	n, err := serverConn.Read(buf)
	require.NoError(tb, err)

	// Interrupt the handshake, the client is waiting for ServerHello.
	require.NoError(tb, serverConn.Close())
	<-done

	return buf[:n]
}
