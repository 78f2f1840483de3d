package upstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/snisocks/internal/version"
	"golang.org/x/net/proxy"
)

// httpDialer implements [proxy.ContextDialer] for HTTP and HTTPS proxies that
// support the CONNECT method.
type httpDialer struct {
	next     proxy.ContextDialer
	userinfo *url.Userinfo
	address  string
	host     string
	tls      bool
}

// type check
var _ proxy.ContextDialer = (*httpDialer)(nil)

// init registers http and https schemes so that [proxy.FromURL] understands
// them.
func init() {
	proxy.RegisterDialerType("http", httpDialerFromURL)
	proxy.RegisterDialerType("https", httpDialerFromURL)
}

// httpDialerFromURL creates a [proxy.Dialer] from an http:// or https:// URL.
func httpDialerFromURL(u *url.URL, next proxy.Dialer) (d proxy.Dialer, err error) {
	host := u.Hostname()
	port := u.Port()

	var useTLS bool
	switch strings.ToLower(u.Scheme) {
	case "http":
		if port == "" {
			port = "80"
		}
	case "https":
		useTLS = true
		if port == "" {
			port = "443"
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %s", u.Scheme)
	}

	return &httpDialer{
		next:     maybeWrapWithContextDialer(next),
		userinfo: u.User,
		address:  net.JoinHostPort(host, port),
		host:     host,
		tls:      useTLS,
	}, nil
}

// Dial implements the [proxy.Dialer] interface for *httpDialer.
func (d *httpDialer) Dial(network, addr string) (conn net.Conn, err error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext implements the [proxy.ContextDialer] interface for *httpDialer.
func (d *httpDialer) DialContext(
	ctx context.Context,
	network string,
	addr string,
) (conn net.Conn, err error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("unsupported network %s", network)
	}

	conn, err = d.next.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to proxy: %w", err)
	}

	if d.tls {
		conn = tls.Client(conn, &tls.Config{
			ServerName: d.host,
		})
	}

	// Interrupt the blocking I/O below as soon as ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	err = d.connect(conn, addr)
	if !stop() {
		err = ctx.Err()
	}

	if err != nil {
		log.OnCloserError(conn, log.DEBUG)

		return nil, err
	}

	return conn, nil
}

// connect sends the CONNECT request and checks the proxy response.
func (d *httpDialer) connect(conn net.Conn, addr string) (err error) {
	req := &bytes.Buffer{}
	_, _ = fmt.Fprintf(req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.userinfo != nil {
		_, _ = fmt.Fprintf(req, "Proxy-Authorization: %s\r\n", basicAuth(d.userinfo))
	}
	_, _ = fmt.Fprintf(req, "User-Agent: snisocks/%s\r\n\r\n", version.VersionString)

	if _, err = io.Copy(conn, req); err != nil {
		return fmt.Errorf("writing connect request: %w", err)
	}

	resp, err := readResponse(conn)
	if err != nil {
		return fmt.Errorf("reading proxy response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	return nil
}

var responseTerminator = []byte("\r\n\r\n")

// maxResponseHeadSize is the maximum size of the CONNECT response head.
const maxResponseHeadSize = 8 * 1024

// readResponse reads the response head of the CONNECT request.  It reads one
// byte at a time so that no bytes sent by the destination after the response
// are consumed.
func readResponse(r io.Reader) (resp *http.Response, err error) {
	head := &bytes.Buffer{}
	b := make([]byte, 1)

	for !bytes.HasSuffix(head.Bytes(), responseTerminator) {
		if head.Len() >= maxResponseHeadSize {
			return nil, ErrResponseTooLarge
		}

		var n int
		n, err = r.Read(b)
		if err != nil {
			return nil, err
		}

		head.Write(b[:n])
	}

	return http.ReadResponse(bufio.NewReader(head), nil)
}

// basicAuth returns the value of the Proxy-Authorization header.
func basicAuth(userinfo *url.Userinfo) (v string) {
	password, _ := userinfo.Password()
	creds := userinfo.Username() + ":" + password

	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}
