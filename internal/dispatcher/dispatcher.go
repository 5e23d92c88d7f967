// Package dispatcher wires the relay pool, control connection, and
// accounting sinks into a running process, and drives the sequential
// shutdown sequence (spec §4.5).
package dispatcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/accounting"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/control"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/pool"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relaywire"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/statusapi"
)

// Config holds every operational parameter, populated from command-line
// flags by cmd/dispatcher (config-*file* parsing is a Non-goal, spec §1).
type Config struct {
	ListenAddr        string // relay TLS listener, e.g. ":8443"
	ControlSocketPath string // e.g. "/var/run/mediaproxy/dispatcher.sock"
	RelayTimeout      time.Duration
	CleanupTimeout    time.Duration

	TLSCert string
	TLSKey  string
	TLSCA   string

	AccountingBackends []string
	AccountingOptions  accounting.Options

	Debug            bool
	StatusAddr       string // blank disables
	MetricsAddr      string // blank disables
	ControlRateLimit float64
}

// Dispatcher owns the listeners, the relay pool, and the accounting
// manager for one running process (spec §4.5).
type Dispatcher struct {
	cfg Config
	log *logging.Logger

	pool *pool.Pool
	acct *accounting.Manager

	relayListener   net.Listener
	controlListener *control.Listener

	acctCancel context.CancelFunc
}

// New validates cfg, loads TLS material, builds the configured
// accounting backends, and opens both listeners. It does not start
// serving — call Run for that.
func New(cfg Config) (*Dispatcher, error) {
	log := logging.New("dispatcher ", cfg.Debug)

	tlsConfig, err := loadRelayTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	acct := accounting.NewManager(log)
	for _, name := range cfg.AccountingBackends {
		sink, err := accounting.Build(name, cfg.AccountingOptions)
		if err != nil {
			return nil, relaywire.NewConfigError("%s", errors.Wrapf(err, "build accounting backend %q", name))
		}
		acct.Add(name, sink)
	}

	p := pool.New(cfg.RelayTimeout, cfg.CleanupTimeout, log, acct)

	os.RemoveAll(cfg.ControlSocketPath)
	controlRaw, err := net.Listen("unix", cfg.ControlSocketPath)
	if err != nil {
		return nil, relaywire.NewConfigError("%s", errors.Wrapf(err, "listen on control socket %s", cfg.ControlSocketPath))
	}
	controlListener := control.NewListener(controlRaw, p, log)
	if cfg.ControlRateLimit > 0 {
		controlListener = controlListener.WithRateLimit(cfg.ControlRateLimit)
	}

	relayRaw, err := tls.Listen("tcp", cfg.ListenAddr, tlsConfig)
	if err != nil {
		controlRaw.Close()
		return nil, relaywire.NewConfigError("%s", errors.Wrapf(err, "listen on relay address %s", cfg.ListenAddr))
	}

	return &Dispatcher{
		cfg:             cfg,
		log:             log,
		pool:            p,
		acct:            acct,
		relayListener:   relayRaw,
		controlListener: controlListener,
	}, nil
}

// loadRelayTLSConfig builds the mutually-authenticated TLS config for
// the relay listener (spec §4.5 "mutually authenticated, peer
// verification required"), generalized from the teacher's
// cmd/relaysrv protocol listener TLS setup (tls.RequestClientCert)
// into a hard requirement via RequireAndVerifyClientCert.
func loadRelayTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, relaywire.NewConfigError("%s", errors.Wrapf(err, "load relay TLS keypair (cert=%s key=%s)", cfg.TLSCert, cfg.TLSKey))
	}

	caPEM, err := os.ReadFile(cfg.TLSCA)
	if err != nil {
		return nil, relaywire.NewConfigError("%s", errors.Wrapf(err, "read relay CA file %s", cfg.TLSCA))
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, relaywire.NewConfigError("no certificates found in relay CA file %s", cfg.TLSCA)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Run serves both listeners until ctx is cancelled, then runs the
// shutdown sequence (spec §4.5) with a background context and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	acctCtx, cancel := context.WithCancel(context.Background())
	d.acctCancel = cancel
	go d.acct.Serve(acctCtx)

	go d.controlListener.Serve()
	go d.serveRelays()

	if d.cfg.StatusAddr != "" {
		go d.serveHTTP(d.cfg.StatusAddr, statusapi.NewStatusHandler(d.pool))
	}
	if d.cfg.MetricsAddr != "" {
		go d.serveHTTP(d.cfg.MetricsAddr, statusapi.NewMetricsHandler(d.pool))
	}

	<-ctx.Done()
	d.log.Infof("shutting down")
	return d.Shutdown(context.Background())
}

func (d *Dispatcher) serveHTTP(addr string, handler http.Handler) {
	if err := http.ListenAndServe(addr, handler); err != nil {
		d.log.Warnf("http listener on %s: %v", addr, err)
	}
}

func (d *Dispatcher) serveRelays() {
	for {
		netConn, err := d.relayListener.Accept()
		if err != nil {
			return
		}
		ip := netConn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if _, err := d.pool.RelayConnected(ip, netConn); err != nil {
			d.log.Warnf("relay %s: %v", ip, err)
			netConn.Close()
		}
	}
}

// Shutdown implements spec §4.5's five-step sequence exactly, steps 2
// and 3 running sequentially so each waits for its predecessor.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	// Step 1: stop both listeners, no new connections.
	var g errgroup.Group
	g.Go(func() error { return d.relayListener.Close() })
	g.Go(func() error { return d.controlListener.StopAccepting() })
	if err := g.Wait(); err != nil {
		d.log.Warnf("closing listeners: %v", err)
	}

	// Step 2: drain the control factory.
	if err := d.controlListener.Drain(ctx); err != nil {
		return errors.Wrap(err, "drain control connections")
	}

	// Step 3: drain the relay pool.
	if err := d.pool.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "drain relay pool")
	}

	// Step 4: stop each accounting sink.
	d.acctCancel()

	// Step 5: exit (returning to the caller).
	return nil
}
