// Package node wires a configuration file to a running tunnel
// multiplexer: it establishes the control channel (listening for or
// dialing a WebSocket peer), starts a Manager on top of it, brings up
// the configured tunnels, and optionally serves Prometheus metrics.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinstash/tunnelmux/internal/config"
	"github.com/coinstash/tunnelmux/internal/logging"
	"github.com/coinstash/tunnelmux/internal/metrics"
	"github.com/coinstash/tunnelmux/internal/transport"
	"github.com/coinstash/tunnelmux/internal/tunnelmgr"
	"github.com/coinstash/tunnelmux/internal/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

func tunnelFamily(family string) wire.Family {
	if family == "ipv6" {
		return wire.FamilyIPv6
	}
	return wire.FamilyIPv4
}

// Node owns the control channel, the Manager riding it, and the
// tunnels configured to run over it.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger
	trans  transport.Transport
	mgr    *tunnelmgr.Manager

	metricsSrv *http.Server
	metricsLn  net.Listener

	tunnelsMu sync.Mutex
	tunnels   []*tunnelmgr.Tunnel

	running atomic.Bool
}

// New establishes the control channel described by cfg and starts a
// Manager riding it. The channel is up and the manager's dispatch loop
// is running by the time New returns; tunnels are brought up by Start.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

	t, err := establishTransport(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("establish control channel: %w", err)
	}

	m := metrics.NewMetrics()

	var limiter *rate.Limiter
	if cfg.Limits.AcceptRate > 0 {
		burst := cfg.Limits.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Limits.AcceptRate), burst)
	}

	mgr := tunnelmgr.NewManager(t, tunnelmgr.Config{
		CreateTimeout: cfg.Limits.CreateTimeout,
		AcceptLimiter: limiter,
		Logger:        logger,
		Metrics:       m,
	})

	return &Node{
		cfg:    cfg,
		logger: logger,
		trans:  t,
		mgr:    mgr,
	}, nil
}

// establishTransport either dials the configured peer or listens for
// one incoming connection, depending on which of Listen/Dial is set.
// Validate guarantees exactly one is non-nil.
func establishTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	if cfg.Dial != nil {
		return transport.DialWebSocket(ctx, cfg.Dial.URL, nil)
	}
	return acceptOnce(ctx, cfg.Listen)
}

// acceptOnce runs a one-shot HTTP server that upgrades the first
// incoming request on cfg.Path to a WebSocket, then stops accepting
// further connections; a tunnelmux node serves exactly one peer at a
// time over a given control endpoint.
func acceptOnce(ctx context.Context, cfg *config.ListenConfig) (transport.Transport, error) {
	path := cfg.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Address, err)
	}

	type result struct {
		t   transport.Transport
		err error
	}
	resCh := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		t, err := transport.AcceptWebSocket(w, r)
		select {
		case resCh <- result{t: t, err: err}:
		default:
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)

	select {
	case res := <-resCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		go srv.Shutdown(shutdownCtx)
		return res.t, res.err
	case <-ctx.Done():
		_ = srv.Close()
		return nil, ctx.Err()
	}
}

// Start establishes every tunnel named in the configuration. It
// returns as soon as all of them have been created or one has failed;
// on failure, any tunnels already created are closed before returning.
func (n *Node) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return fmt.Errorf("node already started")
	}

	for _, tc := range n.cfg.Tunnels {
		tun, err := n.createConfiguredTunnel(ctx, tc)
		if err != nil {
			n.closeTunnels()
			n.running.Store(false)
			return fmt.Errorf("create tunnel %s %d->%d: %w", tc.Direction, tc.LocalPort, tc.RemotePort, err)
		}
		n.logger.Info("tunnel established",
			logging.KeyDirection, tc.Direction,
			logging.KeyLocalPort, tc.LocalPort,
			logging.KeyRemotePort, tc.RemotePort,
			logging.KeyTunnelID, tun.ID().ShortString())
		n.tunnelsMu.Lock()
		n.tunnels = append(n.tunnels, tun)
		n.tunnelsMu.Unlock()
	}

	if n.cfg.Metrics.Enabled {
		if err := n.startMetricsServer(); err != nil {
			n.closeTunnels()
			n.running.Store(false)
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	return nil
}

func (n *Node) createConfiguredTunnel(ctx context.Context, tc config.TunnelConfig) (*tunnelmgr.Tunnel, error) {
	req := tunnelmgr.TunnelRequest{
		LocalPort:  tc.LocalPort,
		RemotePort: tc.RemotePort,
		Family:     tunnelFamily(tc.Family),
	}
	if tc.Direction == "reverse" {
		return n.mgr.CreateReverseTunnel(ctx, req)
	}
	return n.mgr.CreateTunnel(ctx, req)
}

func (n *Node) startMetricsServer() error {
	ln, err := net.Listen("tcp", n.cfg.Metrics.Address)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", n.handleHealthz)

	n.metricsLn = ln
	n.metricsSrv = &http.Server{Handler: mux}
	go n.metricsSrv.Serve(ln)

	n.logger.Info("metrics server started", logging.KeyAddress, ln.Addr().String())
	return nil
}

func (n *Node) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

func (n *Node) closeTunnels() {
	n.tunnelsMu.Lock()
	tunnels := n.tunnels
	n.tunnels = nil
	n.tunnelsMu.Unlock()

	for _, tun := range tunnels {
		_ = tun.Close()
	}
}

// Stop tears down every tunnel, the metrics server if running, and
// finally the control channel itself.
func (n *Node) Stop(ctx context.Context) error {
	if !n.running.Swap(false) {
		return n.mgr.Close()
	}

	n.closeTunnels()

	if n.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = n.metricsSrv.Shutdown(shutdownCtx)
	}

	return n.mgr.Close()
}

// Manager exposes the underlying tunnel manager, e.g. for callers that
// want to establish additional tunnels beyond the configured set.
func (n *Node) Manager() *tunnelmgr.Manager { return n.mgr }
