// Package routing contains the hostname to backend routing table of the relay.
package routing

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Endpoint is a backend TLS service the relay tunnels connections to.
type Endpoint struct {
	// Host is the hostname or IP address of the backend.
	Host string

	// Port is the backend's TCP port.
	Port uint16
}

// String implements the [fmt.Stringer] interface for Endpoint.  The result is
// suitable for dialing.
func (e Endpoint) String() (s string) {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Table maps hostnames to backend endpoints.  Hostnames are matched exactly
// and case-insensitively.  Table is never modified after New so it is safe for
// concurrent use.
type Table struct {
	routes map[string]Endpoint
}

// New creates a new *Table from the specified routes.  It returns an error if
// a route is invalid or if two hostnames only differ in case.
func New(routes map[string]Endpoint) (t *Table, err error) {
	t = &Table{
		routes: make(map[string]Endpoint, len(routes)),
	}

	for host, ep := range routes {
		key := normalize(host)
		if key == "" {
			return nil, fmt.Errorf("routing: empty hostname")
		}

		if ep.Host == "" {
			return nil, fmt.Errorf("routing: %s: empty backend host", host)
		}

		if ep.Port == 0 {
			return nil, fmt.Errorf("routing: %s: backend port must not be zero", host)
		}

		if _, ok := t.routes[key]; ok {
			return nil, fmt.Errorf("routing: duplicate hostname %s", key)
		}

		t.routes[key] = ep
	}

	return t, nil
}

// Lookup returns the endpoint configured for host.
func (t *Table) Lookup(host string) (ep Endpoint, ok bool) {
	ep, ok = t.routes[normalize(host)]

	return ep, ok
}

// Len returns the number of routes.
func (t *Table) Len() (n int) {
	return len(t.routes)
}

// Hostnames returns the sorted list of routed hostnames.
func (t *Table) Hostnames() (hosts []string) {
	hosts = make([]string, 0, len(t.routes))
	for h := range t.routes {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	return hosts
}

// String implements the [fmt.Stringer] interface for *Table.
func (t *Table) String() (s string) {
	sb := &strings.Builder{}
	for i, h := range t.Hostnames() {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(sb, "%s -> %s", h, t.routes[h])
	}

	return sb.String()
}

func normalize(host string) (key string) {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
}
