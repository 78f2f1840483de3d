// Package cmd is responsible for the program's command-line interface.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/snisocks/internal/dnsproxy"
	"github.com/ameshkov/snisocks/internal/sniproxy"
	"github.com/ameshkov/snisocks/internal/upstream"
	"github.com/ameshkov/snisocks/internal/version"
	goFlags "github.com/jessevdk/go-flags"
)

// Main is the entry point of the program.
func Main() {
	for _, arg := range os.Args {
		if arg == "--version" {
			fmt.Printf("snisocks version: %s\n", version.VersionString)
			os.Exit(0)
		}
	}

	options := &Options{}
	parser := goFlags.NewParser(options, goFlags.Default)
	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*goFlags.Error); ok && flagsErr.Type == goFlags.ErrHelp {
			os.Exit(0)
		} else {
			os.Exit(1)
		}
	}

	conf, err := loadConfiguration(options)
	if err != nil {
		log.Fatalf("cmd: %s", err)
	}

	if strings.EqualFold(conf.Logging.Level, "debug") {
		log.SetLevel(log.DEBUG)
	}

	output, logFile, err := newLogOutput(conf.Logging)
	if err != nil {
		log.Fatalf("cannot create a log file: %s", err)
	}
	if logFile != nil {
		defer log.OnCloserError(logFile, log.INFO)
		go rotateLog(logFile, conf.Logging.rotationPeriod())
	}
	log.SetOutput(output)

	run(conf)
}

// run starts the relay and the optional DNS redirector and blocks until the
// process is signaled to stop.
func run(conf *configuration) {
	log.Info("cmd: run snisocks %s with the following configuration:\n%s", version.VersionString, conf)

	sniProxy, dnsProxy, err := newProxies(conf)
	check(err)

	err = sniProxy.Start()
	checkStart(err)

	if dnsProxy != nil {
		err = dnsProxy.Start()
		check(err)
	}

	// Subscribe to the OS events.
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChannel

	log.Info("cmd: received %s, stopping snisocks", sig)
	if dnsProxy != nil {
		log.OnCloserError(dnsProxy, log.INFO)
	}
	log.OnCloserError(sniProxy, log.INFO)
}

// newProxies creates the relay and, if it is enabled, the DNS redirector from
// the configuration.  d is nil if the DNS redirector is disabled.
func newProxies(conf *configuration) (p *sniproxy.SNIProxy, d *dnsproxy.DNSProxy, err error) {
	table, err := toRoutingTable(conf)
	if err != nil {
		return nil, nil, err
	}

	upstreamCfg, err := toUpstreamConfig(conf)
	if err != nil {
		return nil, nil, err
	}

	dialer, err := upstream.New(upstreamCfg)
	if err != nil {
		return nil, nil, err
	}

	sniCfg, err := toSNIProxyConfig(conf, table, dialer)
	if err != nil {
		return nil, nil, err
	}

	p, err = sniproxy.New(sniCfg)
	if err != nil {
		return nil, nil, err
	}

	dnsCfg, err := toDNSProxyConfig(conf, table)
	if err != nil || dnsCfg == nil {
		return p, nil, err
	}

	d, err = dnsproxy.New(dnsCfg)
	if err != nil {
		return nil, nil, err
	}

	return p, d, nil
}

// checkStart exits with a diagnostic that tells the reasons of a failed bind
// apart, panics on other errors.
func checkStart(err error) {
	var bindErr *sniproxy.BindError
	if !errors.As(err, &bindErr) {
		check(err)

		return
	}

	log.Fatalf("cmd: %s", bindErrorMessage(bindErr))
}

// bindErrorMessage returns the diagnostic for the failed bind.
func bindErrorMessage(bindErr *sniproxy.BindError) (msg string) {
	switch bindErr.Kind {
	case sniproxy.BindAddrInUse:
		return fmt.Sprintf("address %s is already in use, is another instance running?", bindErr.Addr)
	case sniproxy.BindPermissionDenied:
		return fmt.Sprintf(
			"no permission to listen on %s, use a port above 1023 or run with the required privileges",
			bindErr.Addr,
		)
	default:
		return bindErr.Error()
	}
}

// check panics if err is not nil.
func check(err error) {
	if err != nil {
		panic(err)
	}
}
