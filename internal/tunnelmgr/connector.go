package tunnelmgr

import (
	"net"
	"time"

	"github.com/coinstash/tunnelmux/internal/logging"
	"github.com/coinstash/tunnelmux/internal/recovery"
	"github.com/coinstash/tunnelmux/internal/tunnelid"
)

const dialTimeout = 10 * time.Second

// connectorComponent is the connect-on-demand side of a tunnel: for a
// forward tunnel this runs on the peer that received createProxy
// (dialing the loopback address named in remotePort); for a reverse
// tunnel it runs on the requester (dialing its own localPort).
type connectorComponent struct {
	mgr       *Manager
	tunnelID  tunnelid.ID
	direction Direction
	dialAddr  string
}

// handleNewConnection registers a connection under connID immediately,
// before dialAddr is dialed, so a data message that arrives while the
// dial is still in flight has somewhere to land instead of being
// dropped for an unknown connection id. The dial itself runs on a
// separate goroutine; on success it hands the socket to the connection
// via attachConn, which replays anything buffered in the meantime. On
// failure the connection tears itself down and tells the peer to give
// up on a connection id that never got past dialing.
func (c *connectorComponent) handleNewConnection(connID tunnelid.ID) {
	conn := newConnection(c.mgr, c.tunnelID, connID, c.direction, nil)
	if !c.mgr.registerConnection(c.tunnelID, conn) {
		return
	}
	c.mgr.metrics().RecordConnectionOpened(string(c.direction))

	c.mgr.wg.Add(1)
	go func() {
		defer c.mgr.wg.Done()
		defer recovery.RecoverWithLog(c.mgr.logger, "tunnelmgr.connectorComponent.handleNewConnection")

		dialed, err := net.DialTimeout("tcp", c.dialAddr, dialTimeout)
		if err != nil {
			c.mgr.logger.Debug("dial failed", logging.KeyTunnelID, c.tunnelID, logging.KeyAddress, c.dialAddr, logging.KeyError, err)
			conn.fullClose(true)
			return
		}

		if !conn.attachConn(dialed) {
			_ = dialed.Close()
		}
	}()
}
