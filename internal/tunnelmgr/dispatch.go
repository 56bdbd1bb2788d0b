package tunnelmgr

import (
	"net"

	"github.com/coinstash/tunnelmux/internal/logging"
	"github.com/coinstash/tunnelmux/internal/recovery"
	"github.com/coinstash/tunnelmux/internal/tunnelid"
	"github.com/coinstash/tunnelmux/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

func newIsolatedRegistry() prometheus.Registerer {
	return prometheus.NewRegistry()
}

// dispatchLoop reads decoded wire messages off the transport until it
// signals closure, handing each to dispatch.
func (m *Manager) dispatchLoop() {
	messages := m.transport.Messages()
	closed := m.transport.Closed()

	for {
		select {
		case raw, ok := <-messages:
			if !ok {
				m.handleTransportClosed()
				return
			}
			m.dispatch(raw)
		case <-closed:
			m.handleTransportClosed()
			return
		}
	}
}

// handleTransportClosed is called from the dispatch loop's own
// goroutine just before it returns, so Close (which waits for that
// goroutine to finish) must run on a separate one.
func (m *Manager) handleTransportClosed() {
	m.logger.Debug("transport closed, shutting down manager")
	go func() {
		defer recovery.RecoverWithLog(m.logger, "tunnelmgr.Manager.handleTransportClosed")
		_ = m.Close()
	}()
}

func (m *Manager) dispatch(raw string) {
	msg, err := wire.Decode(raw)
	if err != nil {
		m.logger.Debug("dropping malformed message", logging.KeyError, err)
		m.metrics().RecordProtocolViolation()
		return
	}

	switch v := msg.(type) {
	case wire.CreateProxy:
		m.handleCreateProxy(v)
	case wire.CreateReverseProxy:
		m.handleCreateReverseProxy(v)
	case wire.ProxyCreated:
		m.handleProxyCreated(v)
	case wire.ProxyError:
		m.handleProxyError(v)
	case wire.NewConnection:
		m.handleNewConnection(v)
	case wire.Data:
		m.handleData(v)
	case wire.End:
		m.handleEnd(v)
	case wire.Close:
		m.handleClose(v)
	case wire.CloseProxy:
		m.handleCloseProxy(v)
	default:
		m.logger.Debug("dropping message of unhandled type", logging.KeyMessageType, raw)
		m.metrics().RecordProtocolViolation()
	}
}

// handleCreateProxy is the peer-reacting side of a forward tunnel
// request: the requester already bound its own listener, so this side
// only needs to remember that connections it dials on demand belong to
// tunnelID, then ack.
func (m *Manager) handleCreateProxy(msg wire.CreateProxy) {
	desc := TunnelDescriptor{Direction: DirectionForward, RemotePort: msg.RemotePort, Family: msg.Family()}
	entry := &tunnelEntry{
		id:         msg.TunnelID,
		descriptor: desc,
		connector: &connectorComponent{
			mgr:       m,
			tunnelID:  msg.TunnelID,
			direction: DirectionForward,
			dialAddr:  loopbackAddr(msg.Family(), msg.RemotePort),
		},
	}
	m.acceptPeerTunnel(msg.TunnelID, entry)
}

// handleCreateReverseProxy is the peer-reacting side of a reverse tunnel
// request: this side must bind the listener the requester asked for.
func (m *Manager) handleCreateReverseProxy(msg wire.CreateReverseProxy) {
	addr := bindAddr(msg.Family(), msg.RemotePort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		bindErr := asBindError("listen", addr, err)
		m.logger.Debug("reverse proxy bind failed", logging.KeyTunnelID, msg.TunnelID, logging.KeyError, err)
		if sendErr := m.sendMessage(wire.ProxyError{TunnelID: msg.TunnelID, Error: causeJSON(bindErr)}); sendErr != nil {
			m.logger.Debug("send proxyError failed", logging.KeyTunnelID, msg.TunnelID, logging.KeyError, sendErr)
		}
		return
	}

	desc := TunnelDescriptor{Direction: DirectionReverse, RemotePort: msg.RemotePort, Family: msg.Family()}
	entry := &tunnelEntry{
		id:         msg.TunnelID,
		descriptor: desc,
		proxy:      &proxyComponent{mgr: m, tunnelID: msg.TunnelID, direction: DirectionReverse, listener: ln, limiter: m.cfg.AcceptLimiter},
	}

	if !m.acceptPeerTunnel(msg.TunnelID, entry) {
		_ = ln.Close()
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		entry.proxy.acceptLoop()
	}()
}

// acceptPeerTunnel registers entry and replies proxyCreated, unless the
// manager is already closed, in which case it replies proxyError.
// Returns whether the entry was registered.
func (m *Manager) acceptPeerTunnel(tunnelID tunnelid.ID, entry *tunnelEntry) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err := m.sendMessage(wire.ProxyError{TunnelID: tunnelID, Error: causeJSON(ErrManagerClosed)}); err != nil {
			m.logger.Debug("send proxyError failed", logging.KeyTunnelID, tunnelID, logging.KeyError, err)
		}
		return false
	}
	m.entries[tunnelID] = entry
	m.mu.Unlock()

	if err := m.sendMessage(wire.ProxyCreated{TunnelID: tunnelID}); err != nil {
		m.logger.Debug("send proxyCreated failed", logging.KeyTunnelID, tunnelID, logging.KeyError, err)
	}
	return true
}

func (m *Manager) handleProxyCreated(msg wire.ProxyCreated) {
	m.resolveCreateWait(msg.TunnelID, nil)
}

func (m *Manager) handleProxyError(msg wire.ProxyError) {
	m.resolveCreateWait(msg.TunnelID, &PeerError{TunnelID: msg.TunnelID, Cause: msg.Error})
}

func (m *Manager) resolveCreateWait(tunnelID tunnelid.ID, err error) {
	m.mu.Lock()
	wait, ok := m.createWaits[tunnelID]
	if ok {
		delete(m.createWaits, tunnelID)
	}
	if err != nil {
		delete(m.entries, tunnelID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("create ack for unknown tunnel", logging.KeyTunnelID, tunnelID)
		return
	}
	wait.resultCh <- err
}

func (m *Manager) handleNewConnection(msg wire.NewConnection) {
	entry := m.entryFor(msg.TunnelID)
	if entry == nil || entry.connector == nil {
		m.logger.Debug("newConnection for unknown or non-connector tunnel", logging.KeyTunnelID, msg.TunnelID)
		return
	}
	entry.connector.handleNewConnection(msg.ConnectionID)
}

func (m *Manager) handleData(msg wire.Data) {
	if c := m.lookupConnection(msg.ConnectionID); c != nil {
		c.handleInboundData(msg.Payload)
	}
}

func (m *Manager) handleEnd(msg wire.End) {
	if c := m.lookupConnection(msg.ConnectionID); c != nil {
		c.handleInboundEnd()
	}
}

func (m *Manager) handleClose(msg wire.Close) {
	if c := m.lookupConnection(msg.ConnectionID); c != nil {
		c.handleInboundClose()
	}
}

// handleCloseProxy is the peer tearing its end of a tunnel down: drop
// our entry and every connection still open on it without notifying it
// back.
func (m *Manager) handleCloseProxy(msg wire.CloseProxy) {
	m.mu.Lock()
	entry := m.entries[msg.TunnelID]
	delete(m.entries, msg.TunnelID)
	if entry != nil {
		for desc, t := range m.dedup {
			if t.id == msg.TunnelID {
				delete(m.dedup, desc)
			}
		}
	}
	m.mu.Unlock()

	if entry == nil {
		return
	}
	m.closeEntry(entry)
}

func (m *Manager) entryFor(tunnelID tunnelid.ID) *tunnelEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[tunnelID]
}
