package sniproxy

import (
	"net"
	"time"

	"github.com/ameshkov/snisocks/internal/filter"
	"github.com/ameshkov/snisocks/internal/routing"
	"golang.org/x/net/proxy"
)

// Config is the SNI relay configuration.  It is a read-only snapshot, the
// relay never modifies it.
type Config struct {
	// ListenAddr is the address the relay will be listening to for TLS
	// connections.
	ListenAddr *net.TCPAddr

	// Routes is the table of hostnames and their backends.  Connections to
	// hostnames that are not in the table are closed.
	Routes *routing.Table

	// Dialer establishes tunnels to backends through the upstream proxy.  See
	// [upstream.New].
	Dialer proxy.ContextDialer

	// BlockRules define hostnames connections to which are closed even if
	// they are in Routes.  It may be nil.
	BlockRules *filter.Rules

	// HelloTimeout limits the time the relay waits for the first chunk of
	// data from the client.  Zero means no limit.
	HelloTimeout time.Duration

	// FirstResponseTimeout limits the time the relay waits for the first
	// chunk of data from the backend.  Zero means no limit.
	FirstResponseTimeout time.Duration
}
