package sniproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/snisocks/internal/filter"
	"github.com/ameshkov/snisocks/internal/routing"
	"github.com/ameshkov/snisocks/internal/sni"
	"github.com/ameshkov/snisocks/internal/upstream"
	"golang.org/x/net/proxy"
)

const (
	// errNoRoute is returned when there is no route for the server name.
	errNoRoute errors.Error = "no route"

	// errBlocked is returned when the server name matches a block rule.
	errBlocked errors.Error = "blocked"

	// errRelayClosed is returned when the relay is closed while the tunnel is
	// being established.
	errRelayClosed errors.Error = "relay closed"
)

// maxHelloSize is the size of the buffer for the first chunk of client data.
// It fits the largest TLS record.
const maxHelloSize = sni.MaxRecordSize

// copyBufferSize is the size of the buffers used for piping data.
const copyBufferSize = 32 * 1024

// relay moves a single client connection through the relay states.  See
// [State].
type relay struct {
	conn   *ConnContext
	client *onceCloser

	// mu protects tunnel and closed.
	mu     sync.Mutex
	tunnel *onceCloser
	closed bool

	routes               *routing.Table
	blockRules           *filter.Rules
	dialer               proxy.ContextDialer
	helloTimeout         time.Duration
	firstResponseTimeout time.Duration
}

// handleConnection handles a new incoming client connection.  It returns when
// both the client connection and the tunnel are closed.
func (p *SNIProxy) handleConnection(ctx context.Context, clientConn net.Conn) {
	r := &relay{
		conn:                 NewConnContext(clientConn.RemoteAddr()),
		client:               newOnceCloser(clientConn),
		routes:               p.routes,
		blockRules:           p.blockRules,
		dialer:               p.dialer,
		helloTimeout:         p.helloTimeout,
		firstResponseTimeout: p.firstResponseTimeout,
	}

	log.Info("sniproxy: [%d] accepted connection from %s", r.conn.ID, r.conn.ClientAddr)

	// Closing both sides unblocks any I/O the relay is waiting for.
	stop := context.AfterFunc(ctx, r.close)
	defer stop()
	defer r.close()

	err := r.run(ctx)
	r.close()
	r.conn.setState(StateClosed)

	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("relay is shutting down: %w", err)
		}

		log.Info("sniproxy: [%d] closed connection from %s: %v", r.conn.ID, r.conn.ClientAddr, err)

		return
	}

	log.Debug("sniproxy: [%d] closed connection from %s", r.conn.ID, r.conn.ClientAddr)
}

// run passes the relay states one by one.  Each state has a single suspension
// point.  It returns the error that caused the connection to close early, or
// nil if the connection was relayed.
func (r *relay) run(ctx context.Context) (err error) {
	hello, err := r.awaitHello()
	if err != nil {
		return err
	}

	ep, err := r.resolve()
	if err != nil {
		return err
	}

	err = r.dialTunnel(ctx, ep)
	if err != nil {
		return err
	}

	return r.handoff(hello)
}

// awaitHello reads the first chunk of client data and extracts the server name
// from it.  This is the only read from the client until the backend responds.
func (r *relay) awaitHello() (hello []byte, err error) {
	err = setReadTimeout(r.client, r.helloTimeout)
	if err != nil {
		return nil, fmt.Errorf("setting client read deadline: %w", err)
	}

	buf := make([]byte, maxHelloSize)
	n, err := r.client.Read(buf)
	if n == 0 {
		return nil, fmt.Errorf("reading client hello: %w", noDataErr(err))
	}
	hello = buf[:n]

	err = r.client.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("removing client read deadline: %w", err)
	}

	host, err := sni.Extract(hello)
	if err != nil {
		return nil, fmt.Errorf("extracting server name from %d bytes: %w", n, err)
	}

	r.conn.Host = host
	r.conn.setState(StateSNIResolved)

	log.Info("sniproxy: [%d] server name %s", r.conn.ID, host)

	return hello, nil
}

// resolve finds the backend for the server name.
func (r *relay) resolve() (ep routing.Endpoint, err error) {
	if r.blockRules.Match(r.conn.Host) {
		log.Info("sniproxy: [%d] blocked connection to %s", r.conn.ID, r.conn.Host)

		return ep, fmt.Errorf("%s: %w", r.conn.Host, errBlocked)
	}

	ep, ok := r.routes.Lookup(r.conn.Host)
	if !ok {
		log.Info("sniproxy: [%d] no route for %s", r.conn.ID, r.conn.Host)

		return ep, fmt.Errorf("%s: %w", r.conn.Host, errNoRoute)
	}

	r.conn.Backend = ep
	r.conn.setState(StateTunneling)

	log.Info("sniproxy: [%d] routing %s to %s", r.conn.ID, r.conn.Host, ep)

	return ep, nil
}

// dialTunnel establishes the tunnel to the backend.  The client connection is
// not read while the tunnel is being established.
func (r *relay) dialTunnel(ctx context.Context, ep routing.Endpoint) (err error) {
	log.Debug("sniproxy: [%d] connecting to %s via %s", r.conn.ID, ep, r.dialer)

	conn, err := r.dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		log.Error(
			"sniproxy: [%d] tunnel to %s for %s failed (code %q): %v",
			r.conn.ID,
			ep,
			r.conn.Host,
			upstream.CodeOf(err),
			err,
		)

		return fmt.Errorf("connecting to %s: %w", ep, err)
	}

	if !r.setTunnel(conn) {
		return errRelayClosed
	}

	r.conn.setState(StateRelaying)

	log.Info("sniproxy: [%d] tunnel to %s established", r.conn.ID, ep)

	return nil
}

// handoff forwards the client hello, waits for the backend's first response,
// forwards it to the client and only then starts piping data in both
// directions.
func (r *relay) handoff(hello []byte) (err error) {
	_, err = r.tunnel.Write(hello)
	if err != nil {
		return fmt.Errorf("writing client hello to tunnel: %w", err)
	}

	log.Debug("sniproxy: [%d] sent %d bytes of client hello", r.conn.ID, len(hello))

	err = setReadTimeout(r.tunnel, r.firstResponseTimeout)
	if err != nil {
		return fmt.Errorf("setting tunnel read deadline: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	n, err := r.tunnel.Read(buf)
	if n == 0 {
		return fmt.Errorf("reading first backend response: %w", noDataErr(err))
	}

	err = r.tunnel.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("removing tunnel read deadline: %w", err)
	}

	if r.client.isClosed() {
		log.Debug("sniproxy: [%d] client is gone before the backend responded", r.conn.ID)

		return nil
	}

	_, err = r.client.Write(buf[:n])
	if err != nil {
		log.Debug("sniproxy: [%d] client is gone before the backend responded: %v", r.conn.ID, err)

		return nil
	}

	log.Debug("sniproxy: [%d] sent %d bytes of first backend response", r.conn.ID, n)

	r.pipe()

	return nil
}

// pipe copies data between the client and the tunnel until either of them is
// closed, then closes both.
func (r *relay) pipe() {
	log.Info(
		"sniproxy: [%d] relaying %s <-> %s (%s)",
		r.conn.ID,
		r.conn.ClientAddr,
		r.conn.Backend,
		r.conn.Host,
	)

	var causeOnce sync.Once
	var cause string
	finish := func(c string) {
		causeOnce.Do(func() { cause = c })
		r.close()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var sent, received int64
	go func() {
		defer wg.Done()

		sent = r.copy(r.tunnel, r.client, "backend", "client", finish)
	}()
	go func() {
		defer wg.Done()

		received = r.copy(r.client, r.tunnel, "client", "backend", finish)
	}()

	wg.Wait()

	log.Info(
		"sniproxy: [%d] finished relaying %s to %s: %s, sent %d, received %d",
		r.conn.ID,
		r.conn.Host,
		r.conn.Backend,
		cause,
		sent,
		received,
	)
}

// copy copies data from src to dst and reports which side stopped the copying
// and why.
func (r *relay) copy(
	dst io.Writer,
	src io.Reader,
	dstName string,
	srcName string,
	finish func(cause string),
) (written int64) {
	w := &errWriter{w: dst}
	written, err := io.CopyBuffer(w, src, make([]byte, copyBufferSize))

	switch {
	case w.err != nil:
		finish(fmt.Sprintf("%s error: %v", dstName, w.err))
	case err != nil:
		finish(fmt.Sprintf("%s error: %v", srcName, err))
	default:
		finish(srcName + " closed the connection")
	}

	return written
}

// setTunnel stores the established tunnel.  If the relay is already closed,
// it closes conn and returns false.
func (r *relay) setTunnel(conn net.Conn) (ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		log.OnCloserError(conn, log.DEBUG)

		return false
	}

	r.tunnel = newOnceCloser(conn)

	return true
}

// close closes both the client connection and the tunnel.  It is safe for
// concurrent use and may be called many times.
func (r *relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	log.OnCloserError(r.client, log.DEBUG)
	if r.tunnel != nil {
		log.OnCloserError(r.tunnel, log.DEBUG)
	}
}

// setReadTimeout sets the read deadline of conn if timeout is positive.
func setReadTimeout(conn net.Conn, timeout time.Duration) (err error) {
	if timeout <= 0 {
		return nil
	}

	return conn.SetReadDeadline(time.Now().Add(timeout))
}

// noDataErr returns the error of a read that returned no data.  A reader may
// return zero bytes and a nil error, which is reported as
// [io.ErrUnexpectedEOF].
func noDataErr(err error) (res error) {
	if err == nil {
		return io.ErrUnexpectedEOF
	}

	return err
}

// onceCloser is a net.Conn that is only closed once.  It is marked closed
// before the underlying connection is released, and subsequent calls to Close
// are no-ops.
type onceCloser struct {
	net.Conn

	closed atomic.Bool
}

// newOnceCloser wraps conn.
func newOnceCloser(conn net.Conn) (c *onceCloser) {
	return &onceCloser{Conn: conn}
}

// Close implements the [io.Closer] interface for *onceCloser.
func (c *onceCloser) Close() (err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	return c.Conn.Close()
}

// isClosed returns true if Close has been called.
func (c *onceCloser) isClosed() (ok bool) {
	return c.closed.Load()
}

// errWriter remembers the first error returned by the underlying writer so
// that write failures can be told apart from read failures.
type errWriter struct {
	w   io.Writer
	err error
}

// Write implements the [io.Writer] interface for *errWriter.
func (w *errWriter) Write(p []byte) (n int, err error) {
	n, err = w.w.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}

	return n, err
}
