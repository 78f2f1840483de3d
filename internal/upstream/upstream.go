// Package upstream implements the client side of the upstream proxy the relay
// sends all backend connections through.  SOCKS5 is the primary protocol,
// HTTP and HTTPS CONNECT proxies are supported as well.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/net/proxy"
)

// Protocol is the upstream proxy protocol.
type Protocol string

// Supported upstream protocols.
const (
	ProtocolSOCKS5 Protocol = "socks5"
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
)

// ParseProtocol parses the proxy type as it is written in the configuration
// file.  SOCKS version numbers are accepted too, but only version 5 is
// supported.
func ParseProtocol(s string) (p Protocol, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "5", "socks5", "socks5h":
		return ProtocolSOCKS5, nil
	case "http":
		return ProtocolHTTP, nil
	case "https":
		return ProtocolHTTPS, nil
	case "4", "socks4", "socks4a":
		return "", fmt.Errorf("upstream: socks4 proxies are not supported")
	default:
		return "", fmt.Errorf("upstream: unknown proxy type %q", s)
	}
}

// Config is the upstream proxy configuration.
type Config struct {
	// Protocol is the proxy protocol.  If empty, SOCKS5 is used.
	Protocol Protocol

	// Host is the hostname or IP address of the proxy.
	Host string

	// Port is the port of the proxy.
	Port uint16

	// Username is the optional username for the proxy authentication.
	Username string

	// Password is the password for the proxy authentication.  It is only used
	// when Username is set.
	Password string

	// Timeout limits the time spent on connecting to the proxy and on the
	// proxy handshake.  Zero means no limit.
	Timeout time.Duration
}

// Addr returns the proxy address suitable for dialing.
func (c *Config) Addr() (addr string) {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Dialer establishes connections to backend endpoints through the upstream
// proxy.  It is safe for concurrent use.
type Dialer struct {
	next    proxy.ContextDialer
	url     *url.URL
	timeout time.Duration
}

// type check
var _ proxy.ContextDialer = (*Dialer)(nil)

// New creates a new instance of *Dialer.
func New(cfg *Config) (d *Dialer, err error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("upstream: proxy host is required")
	}

	if cfg.Port == 0 {
		return nil, fmt.Errorf("upstream: proxy port is required")
	}

	protocol := cfg.Protocol
	if protocol == "" {
		protocol = ProtocolSOCKS5
	}

	u := &url.URL{
		Scheme: string(protocol),
		Host:   cfg.Addr(),
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	// The timeout is applied to the whole DialContext call, so the direct
	// dialer itself is not limited.
	pd, err := proxy.FromURL(u, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("upstream: failed to init proxy %s: %w", redacted(u), err)
	}

	return &Dialer{
		next:    maybeWrapWithContextDialer(pd),
		url:     u,
		timeout: cfg.Timeout,
	}, nil
}

// Dial implements the [proxy.Dialer] interface for *Dialer.
func (d *Dialer) Dial(network, addr string) (conn net.Conn, err error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext implements the [proxy.ContextDialer] interface for *Dialer.  It
// returns an *Error if the tunnel cannot be established.
func (d *Dialer) DialContext(
	ctx context.Context,
	network string,
	addr string,
) (conn net.Conn, err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	conn, err = d.next.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &Error{
			Code:  classify(err),
			Proxy: d.String(),
			Addr:  addr,
			Err:   err,
		}
	}

	return conn, nil
}

// String implements the [fmt.Stringer] interface for *Dialer.  The password
// is never included.
func (d *Dialer) String() (s string) {
	return redacted(d.url)
}

// redacted returns the proxy URL without the password.
func redacted(u *url.URL) (s string) {
	if u.User == nil {
		return u.String()
	}

	c := *u
	c.User = url.User(u.User.Username())

	return c.String()
}

// wrappedDialer adds DialContext to a [proxy.Dialer] that does not have it.
type wrappedDialer struct {
	d proxy.Dialer
}

// type check
var _ proxy.ContextDialer = wrappedDialer{}

// Dial implements the [proxy.Dialer] interface for wrappedDialer.
func (wd wrappedDialer) Dial(network, addr string) (conn net.Conn, err error) {
	return wd.d.Dial(network, addr)
}

// DialContext implements the [proxy.ContextDialer] interface for
// wrappedDialer.  The underlying dial is not interrupted when ctx is done, the
// resulting connection is closed instead.
func (wd wrappedDialer) DialContext(
	ctx context.Context,
	network string,
	addr string,
) (conn net.Conn, err error) {
	type result struct {
		conn net.Conn
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		c, dErr := wd.d.Dial(network, addr)
		ch <- result{conn: c, err: dErr}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				log.OnCloserError(r.conn, log.DEBUG)
			}
		}()

		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// maybeWrapWithContextDialer wraps d and adds [proxy.ContextDialer]
// capabilities if they're missing.
func maybeWrapWithContextDialer(d proxy.Dialer) (cd proxy.ContextDialer) {
	if xd, ok := d.(proxy.ContextDialer); ok {
		return xd
	}

	return wrappedDialer{d: d}
}
