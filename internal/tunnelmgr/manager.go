// Package tunnelmgr implements the bidirectional TCP port-forwarding
// multiplexer that rides on top of a single pre-established,
// message-oriented control channel between two peers.
package tunnelmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/coinstash/tunnelmux/internal/logging"
	"github.com/coinstash/tunnelmux/internal/metrics"
	"github.com/coinstash/tunnelmux/internal/recovery"
	"github.com/coinstash/tunnelmux/internal/transport"
	"github.com/coinstash/tunnelmux/internal/tunnelid"
	"github.com/coinstash/tunnelmux/internal/wire"
	"golang.org/x/time/rate"
)

const defaultCreateTimeout = 30 * time.Second

// Config configures a Manager. The zero value is usable; every field
// has a sensible default.
type Config struct {
	// CreateTimeout bounds how long CreateTunnel/CreateReverseTunnel
	// wait for the peer's proxyCreated/proxyError even when the
	// caller's context has no deadline. Default 30s, grounded on the
	// stream manager's own open-request timeout.
	CreateTimeout time.Duration

	// AcceptLimiter, if set, throttles the accept loop of every listener
	// this manager binds: its own forward tunnels' listeners and those
	// it binds for a peer's reverse tunnels. Nil means unlimited.
	AcceptLimiter *rate.Limiter

	// Logger receives structured diagnostics. Defaults to a no-op
	// logger.
	Logger *slog.Logger

	// Metrics receives Prometheus instrumentation. Defaults to a
	// private, unregistered instance so a Manager never fails to
	// construct because of collector name clashes.
	Metrics *metrics.Metrics
}

// tunnelEntry is one manager's local half of an active tunnel: either
// the listener side (proxy) or the dial side (connector), plus the set
// of connection ids currently open under it. tunnel is non-nil only on
// the side that called CreateTunnel/CreateReverseTunnel.
type tunnelEntry struct {
	id         tunnelid.ID
	descriptor TunnelDescriptor
	proxy      *proxyComponent
	connector  *connectorComponent
	tunnel     *Tunnel

	mu      sync.Mutex
	connIDs map[tunnelid.ID]struct{}
}

func (e *tunnelEntry) addConn(id tunnelid.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connIDs == nil {
		e.connIDs = make(map[tunnelid.ID]struct{})
	}
	e.connIDs[id] = struct{}{}
}

func (e *tunnelEntry) removeConn(id tunnelid.ID) {
	e.mu.Lock()
	delete(e.connIDs, id)
	e.mu.Unlock()
}

func (e *tunnelEntry) connList() []tunnelid.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]tunnelid.ID, 0, len(e.connIDs))
	for id := range e.connIDs {
		ids = append(ids, id)
	}
	return ids
}

// createWait is resolved once by the dispatch loop when the matching
// proxyCreated/proxyError arrives.
type createWait struct {
	resultCh chan error
}

// descriptorWait lets concurrent CreateTunnel/CreateReverseTunnel calls
// for the same descriptor coalesce onto the first caller's outcome.
type descriptorWait struct {
	done   chan struct{}
	tunnel *Tunnel
	err    error
}

// Manager is one end of a tunnel multiplexer. Two Managers, each riding
// its own transport.Transport half of the same channel, cooperate to
// forward TCP connections in either direction.
type Manager struct {
	cfg       Config
	transport transport.Transport
	logger    *slog.Logger
	metricsC  *metrics.Metrics

	mu          sync.Mutex
	closed      bool
	dedup       map[TunnelDescriptor]*Tunnel
	pendingDesc map[TunnelDescriptor]*descriptorWait
	entries     map[tunnelid.ID]*tunnelEntry
	createWaits map[tunnelid.ID]*createWait
	connections map[tunnelid.ID]*connection

	closedCh chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager riding t. The dispatch loop starts immediately;
// callers should not use t after handing it to New.
func NewManager(t transport.Transport, cfg Config) *Manager {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = defaultCreateTimeout
	}

	m := &Manager{
		cfg:         cfg,
		transport:   t,
		logger:      logging.Or(cfg.Logger),
		metricsC:    cfg.Metrics,
		dedup:       make(map[TunnelDescriptor]*Tunnel),
		pendingDesc: make(map[TunnelDescriptor]*descriptorWait),
		entries:     make(map[tunnelid.ID]*tunnelEntry),
		createWaits: make(map[tunnelid.ID]*createWait),
		connections: make(map[tunnelid.ID]*connection),
		closedCh:    make(chan struct{}),
	}
	if m.metricsC == nil {
		m.metricsC = metrics.NewMetricsWithRegistry(newIsolatedRegistry())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "tunnelmgr.Manager.dispatchLoop")
		m.dispatchLoop()
	}()

	return m
}

func (m *Manager) metrics() *metrics.Metrics { return m.metricsC }

// CreateTunnel binds a local listener on req.LocalPort and asks the
// peer to relay accepted connections to req.RemotePort. ctx bounds the
// wait for the peer's acknowledgement in addition to Config.CreateTimeout.
func (m *Manager) CreateTunnel(ctx context.Context, req TunnelRequest) (*Tunnel, error) {
	return m.create(ctx, DirectionForward, TunnelDescriptor{
		Direction:  DirectionForward,
		LocalPort:  req.LocalPort,
		RemotePort: req.RemotePort,
		Family:     req.family(),
	})
}

// CreateReverseTunnel asks the peer to bind a listener on req.RemotePort
// and relays its accepted connections to req.LocalPort on this side.
func (m *Manager) CreateReverseTunnel(ctx context.Context, req TunnelRequest) (*Tunnel, error) {
	return m.create(ctx, DirectionReverse, TunnelDescriptor{
		Direction:  DirectionReverse,
		LocalPort:  req.LocalPort,
		RemotePort: req.RemotePort,
		Family:     req.family(),
	})
}

func (m *Manager) create(ctx context.Context, direction Direction, desc TunnelDescriptor) (*Tunnel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if t, ok := m.dedup[desc]; ok {
		t.incref()
		m.mu.Unlock()
		return t, nil
	}
	if w, ok := m.pendingDesc[desc]; ok {
		m.mu.Unlock()
		return m.awaitDescriptor(ctx, w)
	}

	w := &descriptorWait{done: make(chan struct{})}
	m.pendingDesc[desc] = w
	m.mu.Unlock()

	started := time.Now()
	tunnel, err := m.establish(ctx, direction, desc)

	m.mu.Lock()
	delete(m.pendingDesc, desc)
	if err == nil {
		// establish may have resolved desc.LocalPort (e.g. an ephemeral
		// 0 became whatever port net.Listen actually bound), so key the
		// dedup cache on the tunnel's own descriptor rather than the
		// possibly-unresolved one the caller passed in. A later request
		// naming the resolved port explicitly must land on this entry.
		m.dedup[tunnel.Descriptor()] = tunnel
	}
	m.mu.Unlock()

	w.tunnel, w.err = tunnel, err
	close(w.done)

	if err != nil {
		m.metrics().RecordTunnelCreateError(createErrorReason(err))
	} else {
		m.metrics().RecordTunnelCreated(string(direction), time.Since(started).Seconds())
	}

	return tunnel, err
}

func (m *Manager) awaitDescriptor(ctx context.Context, w *descriptorWait) (*Tunnel, error) {
	select {
	case <-w.done:
		if w.err != nil {
			return nil, w.err
		}
		w.tunnel.incref()
		return w.tunnel, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closedCh:
		return nil, ErrManagerClosed
	}
}

func (m *Manager) establish(ctx context.Context, direction Direction, desc TunnelDescriptor) (*Tunnel, error) {
	id := tunnelid.MustNew()

	if direction == DirectionForward {
		addr := bindAddr(desc.Family, desc.LocalPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, asBindError("listen", addr, err)
		}

		// An ephemeral LocalPort (0) only becomes a concrete port once
		// net.Listen picks one; resolve it into desc now so the dedup
		// cache and the descriptor a caller reads back off the Tunnel
		// agree with what a subsequent explicit-port request will ask
		// for.
		if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
			desc.LocalPort = tcpAddr.Port
		}

		tunnel := &Tunnel{mgr: m, id: id, descriptor: desc, refcount: 1}
		entry := &tunnelEntry{
			id:         id,
			descriptor: desc,
			tunnel:     tunnel,
			proxy:      &proxyComponent{mgr: m, tunnelID: id, direction: direction, listener: ln, limiter: m.cfg.AcceptLimiter},
		}

		createMsg := wire.CreateProxy{TunnelID: id, RemotePort: desc.RemotePort, UseIPv4: desc.Family == wire.FamilyIPv4}
		if err := m.awaitPeerAck(ctx, id, entry, createMsg); err != nil {
			_ = ln.Close()
			return nil, err
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			entry.proxy.acceptLoop()
		}()
		return tunnel, nil
	}

	dialAddr := loopbackAddr(desc.Family, desc.LocalPort)
	tunnel := &Tunnel{mgr: m, id: id, descriptor: desc, refcount: 1}
	entry := &tunnelEntry{
		id:         id,
		descriptor: desc,
		tunnel:     tunnel,
		connector:  &connectorComponent{mgr: m, tunnelID: id, direction: direction, dialAddr: dialAddr},
	}

	createMsg := wire.CreateReverseProxy{TunnelID: id, RemotePort: desc.RemotePort, UseIPv4: desc.Family == wire.FamilyIPv4}
	if err := m.awaitPeerAck(ctx, id, entry, createMsg); err != nil {
		return nil, err
	}
	return tunnel, nil
}

func (m *Manager) awaitPeerAck(ctx context.Context, id tunnelid.ID, entry *tunnelEntry, createMsg any) error {
	wait := &createWait{resultCh: make(chan error, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.entries[id] = entry
	m.createWaits[id] = wait
	m.mu.Unlock()

	if err := m.sendMessage(createMsg); err != nil {
		m.cancelCreate(id)
		return err
	}

	timer := time.NewTimer(m.cfg.CreateTimeout)
	defer timer.Stop()

	select {
	case err := <-wait.resultCh:
		return err
	case <-ctx.Done():
		m.cancelCreate(id)
		return ctx.Err()
	case <-timer.C:
		m.cancelCreate(id)
		return fmt.Errorf("tunnelmgr: timed out waiting for peer to create tunnel %s", id.ShortString())
	case <-m.closedCh:
		m.cancelCreate(id)
		return ErrManagerClosed
	}
}

func (m *Manager) cancelCreate(id tunnelid.ID) {
	m.mu.Lock()
	delete(m.entries, id)
	delete(m.createWaits, id)
	m.mu.Unlock()
}

// teardownTunnel is invoked by Tunnel.Close once refcount reaches zero.
func (m *Manager) teardownTunnel(t *Tunnel) error {
	m.mu.Lock()
	if m.dedup[t.descriptor] == t {
		delete(m.dedup, t.descriptor)
	}
	entry := m.entries[t.id]
	delete(m.entries, t.id)
	m.mu.Unlock()

	m.metrics().RecordTunnelClosed()

	if err := m.sendMessage(wire.CloseProxy{TunnelID: t.id}); err != nil {
		m.logger.Debug("send closeProxy failed", logging.KeyTunnelID, t.id, logging.KeyError, err)
	}

	if entry != nil {
		m.closeEntry(entry)
	}
	return nil
}

// closeEntry closes every connection still open under entry and, for
// the listener side, the listener itself.
func (m *Manager) closeEntry(entry *tunnelEntry) {
	for _, id := range entry.connList() {
		if c := m.lookupConnection(id); c != nil {
			c.fullClose(false)
		}
	}
	if entry.proxy != nil {
		_ = entry.proxy.Close()
	}
}

func (m *Manager) lookupConnection(id tunnelid.ID) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections[id]
}

// registerConnection adds c to the global connection table and its
// tunnel entry. Returns false if the tunnel entry no longer exists
// (torn down concurrently), in which case the caller must close c
// itself and must not call c.start().
func (m *Manager) registerConnection(tunnelID tunnelid.ID, c *connection) bool {
	m.mu.Lock()
	entry, ok := m.entries[tunnelID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.connections[c.id] = c
	m.mu.Unlock()

	entry.addConn(c.id)
	return true
}

func (m *Manager) unregisterConnection(tunnelID, connID tunnelid.ID) {
	m.mu.Lock()
	delete(m.connections, connID)
	entry := m.entries[tunnelID]
	m.mu.Unlock()

	if entry != nil {
		entry.removeConn(connID)
	}
}

// sendMessage encodes and transmits a wire message.
func (m *Manager) sendMessage(v any) error {
	raw, err := wire.Encode(v)
	if err != nil {
		return fmt.Errorf("tunnelmgr: %w", err)
	}
	if err := m.transport.Send(raw); err != nil {
		return fmt.Errorf("tunnelmgr: send: %w", err)
	}
	return nil
}

// Close tears every proxy, connector, and connection down, rejects any
// in-flight create with ErrManagerClosed, and stops the dispatch loop.
// Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closedCh)

	entries := make([]*tunnelEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[tunnelid.ID]*tunnelEntry)
	m.dedup = make(map[TunnelDescriptor]*Tunnel)

	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[tunnelid.ID]*connection)

	waits := make([]*createWait, 0, len(m.createWaits))
	for _, w := range m.createWaits {
		waits = append(waits, w)
	}
	m.createWaits = make(map[tunnelid.ID]*createWait)
	m.mu.Unlock()

	for _, w := range waits {
		select {
		case w.resultCh <- ErrManagerClosed:
		default:
		}
	}
	for _, c := range conns {
		c.fullClose(false)
	}
	for _, e := range entries {
		if e.proxy != nil {
			_ = e.proxy.Close()
		}
		if e.tunnel != nil {
			e.tunnel.mu.Lock()
			e.tunnel.closed = true
			e.tunnel.mu.Unlock()
		}
	}

	_ = m.transport.Close()
	m.wg.Wait()
	return nil
}

func bindAddr(f wire.Family, port int) string {
	host := "0.0.0.0"
	if f == wire.FamilyIPv6 {
		host = "::"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func loopbackAddr(f wire.Family, port int) string {
	host := "127.0.0.1"
	if f == wire.FamilyIPv6 {
		host = "::1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func createErrorReason(err error) string {
	if err == ErrManagerClosed {
		return "manager_closed"
	}
	if bindErr, ok := err.(*BindError); ok {
		if bindErr.Code != "" {
			return "bind_" + bindErr.Code
		}
		return "bind_failed"
	}
	if _, ok := err.(*PeerError); ok {
		return "peer_rejected"
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return "context_canceled"
	}
	return "timeout"
}
