// Copyright (C) 2015 Audrius Butkevicius and Contributors (see the CONTRIBUTORS file).

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/dispatcher"
	_ "github.com/ag-projects/mediaproxy-dispatcher/internal/procs"
)

func main() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	var cfg dispatcher.Config
	var accountingBackends string

	flag.StringVar(&cfg.ListenAddr, "listen", ":8443", "TLS listen address for relay connections")
	flag.StringVar(&cfg.ControlSocketPath, "control-socket", "/var/run/mediaproxy/dispatcher.sock", "UNIX domain socket for the proxy control connection")
	flag.DurationVar(&cfg.RelayTimeout, "relay-timeout", 10*time.Second, "How long to wait for a relay to reply to a command")
	flag.DurationVar(&cfg.CleanupTimeout, "cleanup-timeout", 2*time.Minute, "How long to keep a disconnected relay's sessions before dropping them")
	flag.StringVar(&cfg.TLSCert, "tls-cert", "", "Path to the relay-listener TLS certificate")
	flag.StringVar(&cfg.TLSKey, "tls-key", "", "Path to the relay-listener TLS key")
	flag.StringVar(&cfg.TLSCA, "tls-ca", "", "Path to the CA bundle used to verify relay client certificates")
	flag.StringVar(&accountingBackends, "accounting", "log", "Comma separated list of accounting backends to enable (log, amqp, journal)")
	flag.StringVar(&cfg.AccountingOptions.AMQPURL, "accounting-amqp-url", "", "AMQP broker URL, required by the amqp accounting backend")
	flag.StringVar(&cfg.AccountingOptions.AMQPExchange, "accounting-amqp-exchange", "", "AMQP fanout exchange name (defaults to mediaproxy.accounting)")
	flag.StringVar(&cfg.AccountingOptions.JournalPath, "accounting-journal-path", "", "LevelDB directory, required by the journal accounting backend")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug output")
	flag.StringVar(&cfg.StatusAddr, "status-addr", "", "Listen address for the /status JSON endpoint (blank disables)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Listen address for the /metrics Prometheus endpoint (blank disables)")
	flag.Float64Var(&cfg.ControlRateLimit, "control-rate-limit", 0, "Per control connection requests/sec cap (0 disables)")
	flag.Parse()

	for _, name := range strings.Split(accountingBackends, ",") {
		if name = strings.TrimSpace(name); name != "" {
			cfg.AccountingBackends = append(cfg.AccountingBackends, name)
		}
	}

	d, err := dispatcher.New(cfg)
	if err != nil {
		log.Fatalln(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		log.Fatalln(err)
	}
}
