// Package dnsproxy is responsible for the DNS server that points the routed
// hostnames to the SNI relay so that clients connect to the relay instead of
// the real backends.
package dnsproxy

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/AdguardTeam/dnsproxy/proxy"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/snisocks/internal/filter"
	"github.com/miekg/dns"
)

// defaultTTL is the default TTL for the rewritten records.
const defaultTTL = 60

// DNSProxy is a struct that manages the DNS server.  It answers A and AAAA
// queries for the routed hostnames with the relay addresses and forwards
// everything else upstream.
type DNSProxy struct {
	proxy          *proxy.Proxy
	hostnames      map[string]struct{}
	dropRules      *filter.Rules
	redirectIPv4To net.IP
	redirectIPv6To net.IP
}

// type check
var _ io.Closer = (*DNSProxy)(nil)

// New creates a new instance of *DNSProxy.
func New(cfg *Config) (d *DNSProxy, err error) {
	if cfg.RedirectIPv4To == nil && cfg.RedirectIPv6To == nil {
		return nil, fmt.Errorf("dnsproxy: either ipv4 or ipv6 redirect address is required")
	}

	proxyConfig, err := createProxyConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dnsproxy: invalid configuration: %w", err)
	}

	d = &DNSProxy{
		hostnames:      make(map[string]struct{}, len(cfg.Hostnames)),
		dropRules:      filter.NewRules(cfg.DropRules),
		redirectIPv4To: cfg.RedirectIPv4To,
		redirectIPv6To: cfg.RedirectIPv6To,
	}
	for _, h := range cfg.Hostnames {
		d.hostnames[strings.ToLower(h)] = struct{}{}
	}

	d.proxy = &proxy.Proxy{
		Config: proxyConfig,
	}
	d.proxy.RequestHandler = d.requestHandler

	return d, nil
}

// Start starts the DNSProxy server.
func (d *DNSProxy) Start() (err error) {
	log.Info("dnsproxy: starting")

	err = d.proxy.Start()
	if err != nil {
		return fmt.Errorf("dnsproxy: starting: %w", err)
	}

	log.Info("dnsproxy: redirecting %d hostnames to the relay", len(d.hostnames))
	log.Info("dnsproxy: started successfully")

	return nil
}

// Close implements the [io.Closer] interface for *DNSProxy.
func (d *DNSProxy) Close() (err error) {
	log.Info("dnsproxy: stopping")

	err = d.proxy.Stop()

	log.Info("dnsproxy: stopped")

	return err
}

// requestHandler is a [proxy.RequestHandler] implementation which purpose is
// to implement the actual redirection logic.
func (d *DNSProxy) requestHandler(p *proxy.Proxy, ctx *proxy.DNSContext) (err error) {
	if len(ctx.Req.Question) == 0 {
		return p.Resolve(ctx)
	}

	qName := strings.ToLower(ctx.Req.Question[0].Name)
	qType := ctx.Req.Question[0].Qtype
	host := strings.TrimSuffix(qName, ".")

	log.Debug("dnsproxy: received DNS query %s %s", dns.Type(qType), qName)

	if d.dropRules.Match(host) {
		// Return empty response, effectively "dropping" the query.
		ctx.Res = nil

		return nil
	}

	if _, ok := d.hostnames[host]; ok && (qType == dns.TypeA || qType == dns.TypeAAAA) {
		d.rewrite(qName, qType, ctx)

		return nil
	}

	return p.Resolve(ctx)
}

// rewrite answers the query with the relay address of the matching family.
// If there is no address of that family, the response has no answers so that
// the client falls back to the other family.
func (d *DNSProxy) rewrite(qName string, qType uint16, ctx *proxy.DNSContext) {
	resp := &dns.Msg{}
	resp.SetReply(ctx.Req)

	log.Debug("dnsproxy: rewriting DNS for %s %s", dns.Type(qType), qName)

	hdr := dns.RR_Header{
		Name:   qName,
		Rrtype: qType,
		Class:  dns.ClassINET,
		Ttl:    defaultTTL,
	}

	switch {
	case qType == dns.TypeA && d.redirectIPv4To != nil:
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: hdr,
			A:   d.redirectIPv4To,
		})
	case qType == dns.TypeAAAA && d.redirectIPv6To != nil:
		resp.Answer = append(resp.Answer, &dns.AAAA{
			Hdr:  hdr,
			AAAA: d.redirectIPv6To,
		})
	}

	ctx.Res = resp
}

// createProxyConfig creates DNS proxy configuration.
func createProxyConfig(cfg *Config) (proxyConfig proxy.Config, err error) {
	upstreamCfg, err := proxy.ParseUpstreamsConfig([]string{cfg.Upstream}, nil)
	if err != nil {
		return proxyConfig, fmt.Errorf("failed to parse upstream %s: %w", cfg.Upstream, err)
	}

	ip := net.IP(cfg.ListenAddr.Addr().AsSlice())
	port := int(cfg.ListenAddr.Port())

	proxyConfig.UDPListenAddr = []*net.UDPAddr{{IP: ip, Port: port}}
	proxyConfig.TCPListenAddr = []*net.TCPAddr{{IP: ip, Port: port}}
	proxyConfig.UpstreamConfig = upstreamCfg

	return proxyConfig, nil
}
