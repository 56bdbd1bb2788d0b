package tunnelmgr

import (
	"context"
	"errors"
	"net"

	"github.com/coinstash/tunnelmux/internal/logging"
	"github.com/coinstash/tunnelmux/internal/recovery"
	"github.com/coinstash/tunnelmux/internal/tunnelid"
	"github.com/coinstash/tunnelmux/internal/wire"
	"golang.org/x/time/rate"
)

// proxyComponent is the listener-owning side of a tunnel: for a forward
// tunnel this runs on the requester (bound to localPort); for a reverse
// tunnel it runs on the peer that received createReverseProxy (bound to
// the port the requester named as remotePort).
type proxyComponent struct {
	mgr       *Manager
	tunnelID  tunnelid.ID
	direction Direction
	listener  net.Listener
	limiter   *rate.Limiter
}

func (p *proxyComponent) acceptLoop() {
	defer recovery.RecoverWithLog(p.mgr.logger, "tunnelmgr.proxyComponent.acceptLoop")

	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(context.Background()); err != nil {
				return
			}
		}

		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.mgr.logger.Debug("accept error", logging.KeyTunnelID, p.tunnelID, logging.KeyError, err)
			continue
		}

		id := tunnelid.MustNew()
		c := newConnection(p.mgr, p.tunnelID, id, p.direction, conn)
		if !p.mgr.registerConnection(p.tunnelID, c) {
			// Tunnel was torn down between accept and registration.
			_ = conn.Close()
			continue
		}
		p.mgr.metrics().RecordConnectionOpened(string(p.direction))

		if err := p.mgr.sendMessage(wire.NewConnection{TunnelID: p.tunnelID, ConnectionID: id}); err != nil {
			p.mgr.logger.Debug("send newConnection failed", logging.KeyTunnelID, p.tunnelID, logging.KeyError, err)
			c.fullClose(false)
			continue
		}

		c.start()
	}
}

func (p *proxyComponent) Close() error {
	return p.listener.Close()
}
