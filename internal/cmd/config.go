package cmd

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/ameshkov/snisocks/internal/dnsproxy"
	"github.com/ameshkov/snisocks/internal/filter"
	"github.com/ameshkov/snisocks/internal/routing"
	"github.com/ameshkov/snisocks/internal/sniproxy"
	"github.com/ameshkov/snisocks/internal/upstream"
	"gopkg.in/yaml.v3"
)

// defaultListenAddress is the address the relay listens to if the
// configuration does not specify one.
const defaultListenAddress = "0.0.0.0"

// configuration is the structure of the YAML configuration file.
type configuration struct {
	// SOCKSProxy is the upstream proxy all backend connections go through.
	SOCKSProxy *proxyConfig `yaml:"socks_proxy"`

	// Routing maps hostnames to backends.
	Routing map[string]backendConfig `yaml:"routing"`

	// Logging is the optional logging configuration.
	Logging *loggingConfig `yaml:"logging"`

	// DNS is the optional DNS redirector configuration.
	DNS *dnsConfig `yaml:"dns"`

	// ListenAddress is the IP address the relay listens to.
	ListenAddress string `yaml:"listen_address"`

	// BlockRules is a list of wildcards, connections to matching hostnames are
	// closed.
	BlockRules []string `yaml:"block_rules"`

	// Timeouts limits the waits of the relay, all of them are unlimited by
	// default.
	Timeouts timeoutsConfig `yaml:"timeouts"`

	// ProxyPort is the port the relay listens to.
	ProxyPort int `yaml:"proxy_port"`
}

// proxyConfig is the upstream proxy section.
type proxyConfig struct {
	Host string `yaml:"host"`

	// Type is the proxy protocol, see [upstream.ParseProtocol].
	Type     string `yaml:"type"`
	UserID   string `yaml:"userId"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
}

// backendConfig is a single route of the routing section.
type backendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// timeoutsConfig is the timeouts section.
type timeoutsConfig struct {
	Hello         time.Duration `yaml:"hello"`
	Connect       time.Duration `yaml:"connect"`
	FirstResponse time.Duration `yaml:"first_response"`
}

// loggingConfig is the logging section.
type loggingConfig struct {
	// LogToConsole duplicates the log file to stdout.  It is true by default.
	LogToConsole *bool `yaml:"log_to_console"`

	// ZippedArchive compresses the rotated log files.  It is true by default.
	ZippedArchive *bool `yaml:"zipped_archive"`

	// Level is either "debug" or "info".
	Level string `yaml:"level"`

	// File is the path to the log file.  It takes precedence over LogDir and
	// Filename.  If all of them are empty, the log is written to stdout.
	File string `yaml:"file"`

	// LogDir is the directory of the log file, "logs" by default.
	LogDir string `yaml:"log_dir"`

	// Filename is the name of the log file inside LogDir.  The %DATE%
	// placeholder is removed.
	Filename string `yaml:"filename"`

	// DatePattern defines how often the log file is rotated, e.g.
	// "YYYY-MM-DD" rotates it daily and "YYYY-MM-DD-HH" hourly.
	DatePattern string `yaml:"date_pattern"`

	// MaxSize is the size after which the log file is rotated, e.g. "20m".
	MaxSize string `yaml:"max_size"`

	// MaxFiles is how long rotated files are kept, e.g. "14d" for fourteen
	// days or "10" for ten files.
	MaxFiles string `yaml:"max_files"`
}

// dnsConfig is the DNS redirector section.
type dnsConfig struct {
	ListenAddress  string   `yaml:"listen_address"`
	Upstream       string   `yaml:"upstream"`
	RedirectIPv4To string   `yaml:"redirect_ipv4_to"`
	RedirectIPv6To string   `yaml:"redirect_ipv6_to"`
	DropRules      []string `yaml:"drop_rules"`

	// Port is the port of the DNS server, zero disables it.
	Port int `yaml:"port"`
}

// readConfiguration reads the configuration file.  The result is not
// validated.
func readConfiguration(path string) (conf *configuration, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cmd: reading configuration: %w", err)
	}

	return decodeConfiguration(data)
}

// loadConfiguration reads the configuration file and overrides it with the
// command-line arguments.  The result is validated after the overrides.
func loadConfiguration(options *Options) (conf *configuration, err error) {
	conf, err = readConfiguration(options.ConfigPath)
	if err != nil {
		return nil, err
	}

	conf.applyOptions(options)

	err = conf.validate()
	if err != nil {
		return nil, fmt.Errorf("cmd: invalid configuration: %w", err)
	}

	return conf, nil
}

// parseConfiguration parses and validates the configuration file contents.
func parseConfiguration(data []byte) (conf *configuration, err error) {
	conf, err = decodeConfiguration(data)
	if err != nil {
		return nil, err
	}

	err = conf.validate()
	if err != nil {
		return nil, fmt.Errorf("cmd: invalid configuration: %w", err)
	}

	return conf, nil
}

// decodeConfiguration decodes the configuration file contents.
func decodeConfiguration(data []byte) (conf *configuration, err error) {
	conf = &configuration{}
	err = yaml.NewDecoder(bytes.NewReader(data)).Decode(conf)
	if err != nil {
		return nil, fmt.Errorf("cmd: parsing configuration: %w", err)
	}

	return conf, nil
}

// validate checks that the required sections are present and the values are
// in range.  The routes themselves are validated by [routing.New].
func (c *configuration) validate() (err error) {
	switch {
	case c.SOCKSProxy == nil:
		return fmt.Errorf("socks_proxy is required")
	case c.SOCKSProxy.Host == "":
		return fmt.Errorf("socks_proxy.host is required")
	case !validPort(c.SOCKSProxy.Port):
		return fmt.Errorf("socks_proxy.port %d is out of range", c.SOCKSProxy.Port)
	case len(c.Routing) == 0:
		return fmt.Errorf("routing must contain at least one route")
	case !validPort(c.ProxyPort):
		return fmt.Errorf("proxy_port %d is out of range", c.ProxyPort)
	}

	if _, err = upstream.ParseProtocol(c.SOCKSProxy.Type); err != nil {
		return fmt.Errorf("socks_proxy.type: %w", err)
	}

	for host, b := range c.Routing {
		if !validPort(b.Port) {
			return fmt.Errorf("routing: %s: port %d is out of range", host, b.Port)
		}
	}

	if c.Timeouts.Hello < 0 || c.Timeouts.Connect < 0 || c.Timeouts.FirstResponse < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.DNS != nil && c.DNS.Port != 0 && !validPort(c.DNS.Port) {
		return fmt.Errorf("dns.port %d is out of range", c.DNS.Port)
	}

	if c.Logging != nil {
		return c.Logging.validate()
	}

	return nil
}

// applyOptions overrides the configuration with the command-line arguments.
func (c *configuration) applyOptions(options *Options) {
	if options.ListenAddress != "" {
		c.ListenAddress = options.ListenAddress
	}

	if options.Port != 0 {
		c.ProxyPort = options.Port
	}

	if c.Logging == nil {
		c.Logging = &loggingConfig{}
	}

	if options.Verbose {
		c.Logging.Level = "debug"
	}

	if options.LogOutput != "" {
		c.Logging.File = options.LogOutput
	}
}

// toRoutingTable converts the routing section to [*routing.Table].
func toRoutingTable(conf *configuration) (t *routing.Table, err error) {
	routes := make(map[string]routing.Endpoint, len(conf.Routing))
	for host, b := range conf.Routing {
		routes[host] = routing.Endpoint{
			Host: b.Host,
			Port: uint16(b.Port),
		}
	}

	return routing.New(routes)
}

// toUpstreamConfig converts the socks_proxy section to [*upstream.Config].
func toUpstreamConfig(conf *configuration) (cfg *upstream.Config, err error) {
	protocol, err := upstream.ParseProtocol(conf.SOCKSProxy.Type)
	if err != nil {
		return nil, err
	}

	return &upstream.Config{
		Protocol: protocol,
		Host:     conf.SOCKSProxy.Host,
		Port:     uint16(conf.SOCKSProxy.Port),
		Username: conf.SOCKSProxy.UserID,
		Password: conf.SOCKSProxy.Password,
		Timeout:  conf.Timeouts.Connect,
	}, nil
}

// toSNIProxyConfig converts the configuration to [*sniproxy.Config].
func toSNIProxyConfig(
	conf *configuration,
	table *routing.Table,
	dialer *upstream.Dialer,
) (cfg *sniproxy.Config, err error) {
	listenAddr := conf.ListenAddress
	if listenAddr == "" {
		listenAddr = defaultListenAddress
	}

	ip := net.ParseIP(listenAddr)
	if ip == nil {
		return nil, fmt.Errorf("cmd: failed to parse listen_address %s", listenAddr)
	}

	return &sniproxy.Config{
		ListenAddr: &net.TCPAddr{
			IP:   ip,
			Port: conf.ProxyPort,
		},
		Routes:               table,
		Dialer:               dialer,
		BlockRules:           filter.NewRules(conf.BlockRules),
		HelloTimeout:         conf.Timeouts.Hello,
		FirstResponseTimeout: conf.Timeouts.FirstResponse,
	}, nil
}

// toDNSProxyConfig converts the dns section to [*dnsproxy.Config].  It returns
// nil if the DNS redirector is disabled.
func toDNSProxyConfig(conf *configuration, table *routing.Table) (cfg *dnsproxy.Config, err error) {
	dc := conf.DNS
	if dc == nil || dc.Port == 0 {
		return nil, nil
	}

	listenAddr := dc.ListenAddress
	if listenAddr == "" {
		listenAddr = defaultListenAddress
	}

	addr, err := netip.ParseAddr(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("cmd: failed to parse dns.listen_address: %w", err)
	}

	cfg = &dnsproxy.Config{
		ListenAddr: netip.AddrPortFrom(addr, uint16(dc.Port)),
		Upstream:   dc.Upstream,
		Hostnames:  table.Hostnames(),
		DropRules:  dc.DropRules,
	}

	if cfg.Upstream == "" {
		cfg.Upstream = "8.8.8.8"
	}

	if dc.RedirectIPv4To != "" {
		ip := net.ParseIP(dc.RedirectIPv4To)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("cmd: dns.redirect_ipv4_to must be an IPv4 address: %q", dc.RedirectIPv4To)
		}

		cfg.RedirectIPv4To = ip.To4()
	}

	if dc.RedirectIPv6To != "" {
		ip := net.ParseIP(dc.RedirectIPv6To)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("cmd: dns.redirect_ipv6_to must be an IPv6 address: %q", dc.RedirectIPv6To)
		}

		cfg.RedirectIPv6To = ip
	}

	if cfg.RedirectIPv4To == nil && cfg.RedirectIPv6To == nil {
		return nil, fmt.Errorf("cmd: either dns.redirect_ipv4_to or dns.redirect_ipv6_to must be specified")
	}

	return cfg, nil
}

// validPort returns true if port is a valid non-zero TCP or UDP port.
func validPort(port int) (ok bool) {
	return port > 0 && port <= 0xffff
}

// String implements the [fmt.Stringer] interface for *configuration.  The
// upstream password is not included.
func (c *configuration) String() (s string) {
	cp := *c
	if c.SOCKSProxy != nil {
		p := *c.SOCKSProxy
		if p.Password != "" {
			p.Password = strings.Repeat("*", 8)
		}
		cp.SOCKSProxy = &p
	}

	b, _ := yaml.Marshal(&cp)

	return string(b)
}
