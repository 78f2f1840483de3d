package dnsproxy

import (
	"net"
	"net/netip"
)

// Config is the DNS redirector configuration.
type Config struct {
	// ListenAddr is the address the DNS server is supposed to listen to.
	ListenAddr netip.AddrPort

	// Upstream is the upstream that the queries which are not redirected will
	// be forwarded to.  The format of an upstream is the one that can be
	// consumed by [proxy.ParseUpstreamsConfig].
	Upstream string

	// RedirectIPv4To is the IP address of the relay A queries will be
	// answered with.
	RedirectIPv4To net.IP

	// RedirectIPv6To is the IP address of the relay AAAA queries will be
	// answered with.
	RedirectIPv6To net.IP

	// Hostnames is the list of hostnames that are redirected to the relay,
	// usually the hostnames of the routing table.  Matching is exact and
	// case-insensitive.
	Hostnames []string

	// DropRules is a list of wildcards that define DNS queries to which
	// domains will be dropped.  "Dropped" means that the DNS server will not
	// respond to these queries.
	DropRules []string
}
