// Package sniproxy is responsible for the SNI relay that listens for incoming
// TLS connections, reads the server name from the SNI field of ClientHello,
// and tunnels the untouched traffic to the backend configured for that name
// through the upstream proxy.
package sniproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/snisocks/internal/filter"
	"github.com/ameshkov/snisocks/internal/routing"
	"golang.org/x/net/proxy"
)

// acceptBackoff is the pause after a failed Accept so that a persistent error,
// e.g. running out of file descriptors, does not turn into a busy loop.
const acceptBackoff = 50 * time.Millisecond

// SNIProxy is a struct that manages the SNI relay server.  It accepts TLS
// connections and handles every one of them in its own goroutine.
type SNIProxy struct {
	listenAddr *net.TCPAddr
	listener   *net.TCPListener

	routes     *routing.Table
	dialer     proxy.ContextDialer
	blockRules *filter.Rules

	helloTimeout         time.Duration
	firstResponseTimeout time.Duration

	// cancel stops all running relays.
	cancel context.CancelFunc

	// wg tracks the accept loop and the relay goroutines.
	wg sync.WaitGroup

	closeOnce sync.Once
}

// type check
var _ io.Closer = (*SNIProxy)(nil)

// New creates a new instance of *SNIProxy.
func New(cfg *Config) (p *SNIProxy, err error) {
	if cfg.ListenAddr == nil {
		return nil, fmt.Errorf("sniproxy: listen address is required")
	}

	if cfg.Routes == nil || cfg.Routes.Len() == 0 {
		return nil, fmt.Errorf("sniproxy: routing table is empty")
	}

	if cfg.Dialer == nil {
		return nil, fmt.Errorf("sniproxy: upstream dialer is required")
	}

	return &SNIProxy{
		listenAddr:           cfg.ListenAddr,
		routes:               cfg.Routes,
		dialer:               cfg.Dialer,
		blockRules:           cfg.BlockRules,
		helloTimeout:         cfg.HelloTimeout,
		firstResponseTimeout: cfg.FirstResponseTimeout,
	}, nil
}

// Start starts the SNIProxy server.  If the address cannot be bound, the error
// is a *BindError.
func (p *SNIProxy) Start() (err error) {
	log.Info("sniproxy: starting")

	p.listener, err = net.ListenTCP("tcp", p.listenAddr)
	if err != nil {
		return newBindError(p.listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.acceptLoop(ctx)

	log.Info("sniproxy: listening for TLS connections on %s", p.listener.Addr())
	log.Info("sniproxy: upstream proxy is %s", p.dialer)
	log.Info("sniproxy: %d routes: %s", p.routes.Len(), p.routes)
	if n := p.blockRules.Len(); n > 0 {
		log.Info("sniproxy: %d block rules", n)
	}

	log.Info("sniproxy: started successfully")

	return nil
}

// Addr returns the address the relay listens on.  It must only be called
// after a successful Start.
func (p *SNIProxy) Addr() (addr net.Addr) {
	return p.listener.Addr()
}

// Close implements the [io.Closer] interface for *SNIProxy.  It stops
// accepting new connections, closes the running ones and waits until all
// relay goroutines are finished.  Calling Close more than once is a no-op.
func (p *SNIProxy) Close() (err error) {
	if p.listener == nil {
		return nil
	}

	p.closeOnce.Do(func() {
		log.Info("sniproxy: stopping")

		err = p.listener.Close()
		p.cancel()
		p.wg.Wait()

		log.Info("sniproxy: stopped")
	})

	return err
}

// acceptLoop accepts incoming TCP connections and starts goroutines processing
// them.
func (p *SNIProxy) acceptLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info("sniproxy: exiting listener loop as it has been closed")

				return
			}

			log.Error("sniproxy: accepting connection: %v", err)
			time.Sleep(acceptBackoff)

			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer log.OnPanic("sniproxy: handling connection")

			p.handleConnection(ctx, conn)
		}()
	}
}
