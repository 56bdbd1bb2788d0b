package tunnelmgr

import (
	"io"
	"net"
	"sync"

	"github.com/coinstash/tunnelmux/internal/logging"
	"github.com/coinstash/tunnelmux/internal/recovery"
	"github.com/coinstash/tunnelmux/internal/tunnelid"
	"github.com/coinstash/tunnelmux/internal/wire"
	"github.com/dustin/go-humanize"
)

const connectionReadBufferSize = 32 * 1024

// inboundEvent is a data or end message that arrived for a connector-side
// connection before its dial resolved, held until there is a local
// socket to apply it to.
type inboundEvent struct {
	isEnd   bool
	payload []byte
}

// connection bridges one local TCP socket to its peer-side counterpart,
// tracking half-close in each direction independently the way
// net.TCPConn itself does. A connector-side connection is registered
// before its local socket exists (conn is nil until attachConn runs),
// so data racing the dial is buffered instead of dropped.
type connection struct {
	mgr       *Manager
	tunnelID  tunnelid.ID
	id        tunnelid.ID
	direction Direction

	mu             sync.Mutex
	conn           net.Conn
	pending        []inboundEvent
	outboundClosed bool // we read local EOF and sent wire.End
	inboundClosed  bool // we received wire.End and half-closed our write side
	torndown       bool // fullClose already ran
	bytesOut       uint64
	bytesIn        uint64
}

func newConnection(mgr *Manager, tunnelID tunnelid.ID, id tunnelid.ID, direction Direction, conn net.Conn) *connection {
	return &connection{mgr: mgr, tunnelID: tunnelID, id: id, direction: direction, conn: conn}
}

// start registers the connection's byte pump on the manager's
// goroutine group and begins reading from the local socket.
func (c *connection) start() {
	c.mgr.wg.Add(1)
	go func() {
		defer c.mgr.wg.Done()
		defer recovery.RecoverWithLog(c.mgr.logger, "tunnelmgr.connection.pumpRead")
		c.pumpRead()
	}()
}

// attachConn supplies the connector side's freshly dialed socket,
// replays in order any data/end that arrived while the dial was still
// in flight, and starts the local read pump. Returns false if the
// connection was already torn down - an inbound close raced the dial -
// in which case the caller owns conn and must close it itself.
func (c *connection) attachConn(conn net.Conn) bool {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ev := range pending {
		if ev.isEnd {
			c.finishInboundEnd()
		} else {
			c.writeInbound(ev.payload)
		}

		c.mu.Lock()
		torndown := c.torndown
		c.mu.Unlock()
		if torndown {
			return true
		}
	}

	c.start()
	return true
}

func (c *connection) pumpRead() {
	buf := make([]byte, connectionReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := c.mgr.sendMessage(wire.Data{TunnelID: c.tunnelID, ConnectionID: c.id, Payload: chunk}); sendErr != nil {
				c.mgr.logger.Debug("send data failed", logging.KeyConnID, c.id, logging.KeyError, sendErr)
				c.abort()
				return
			}
			c.mgr.metrics().RecordBytesSent(string(c.direction), n)
			c.mu.Lock()
			c.bytesOut += uint64(n)
			c.mu.Unlock()
		}
		if err != nil {
			if err == io.EOF {
				c.localEOF()
			} else {
				c.abort()
			}
			return
		}
	}
}

// localEOF handles our local socket reaching EOF on read: the remote
// end of this connection's owner is done sending. We tell the peer and
// leave the socket open for further writes of inbound data.
func (c *connection) localEOF() {
	c.mu.Lock()
	if c.outboundClosed || c.torndown {
		c.mu.Unlock()
		return
	}
	c.outboundClosed = true
	bothClosed := c.inboundClosed
	c.mu.Unlock()

	if err := c.mgr.sendMessage(wire.End{TunnelID: c.tunnelID, ConnectionID: c.id}); err != nil {
		c.mgr.logger.Debug("send end failed", logging.KeyConnID, c.id, logging.KeyError, err)
	}

	if bothClosed {
		c.fullClose(true)
	}
}

// abort handles a hard local read error: tear the connection down and
// tell the peer.
func (c *connection) abort() {
	c.fullClose(true)
}

// handleInboundData writes a peer-forwarded chunk to the local socket,
// or buffers it if the local socket (connector side only) hasn't been
// dialed yet.
func (c *connection) handleInboundData(payload []byte) {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	if c.conn == nil {
		c.pending = append(c.pending, inboundEvent{payload: payload})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.writeInbound(payload)
}

func (c *connection) writeInbound(payload []byte) {
	if _, err := c.conn.Write(payload); err != nil {
		c.mgr.logger.Debug("local write failed", logging.KeyConnID, c.id, logging.KeyError, err)
		c.fullClose(true)
		return
	}
	c.mgr.metrics().RecordBytesReceived(string(c.direction), len(payload))
	c.mu.Lock()
	c.bytesIn += uint64(len(payload))
	c.mu.Unlock()
}

// handleInboundEnd half-closes our write side: the peer's socket won't
// send us any more data to forward to it, but we may still be reading.
// On the connector side, if the dial hasn't resolved yet, the
// half-close is buffered and replayed once a socket exists.
func (c *connection) handleInboundEnd() {
	c.mu.Lock()
	if c.inboundClosed || c.torndown {
		c.mu.Unlock()
		return
	}
	c.inboundClosed = true
	if c.conn == nil {
		c.pending = append(c.pending, inboundEvent{isEnd: true})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.finishInboundEnd()
}

// finishInboundEnd applies a half-close once a local socket exists:
// CloseWrite it, then fully tear down if our own side already finished
// sending too.
func (c *connection) finishInboundEnd() {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := c.conn.(writeCloser); ok {
		_ = wc.CloseWrite()
	}

	c.mu.Lock()
	bothClosed := c.outboundClosed
	c.mu.Unlock()

	if bothClosed {
		c.fullClose(false)
	}
}

// handleInboundClose tears the connection down immediately, regardless
// of half-close or dial state, because the peer's socket is gone. If
// the connector side's dial is still in flight, attachConn will see
// torndown and the dialing goroutine closes the socket itself.
func (c *connection) handleInboundClose() {
	c.fullClose(false)
}

// fullClose closes the local socket (if dialed) and unregisters the
// connection. Idempotent. sendClose controls whether we notify the peer
// - we skip it when the peer is the one who told us to close, or when
// the whole tunnel is already being torn down.
func (c *connection) fullClose(sendClose bool) {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	c.torndown = true
	conn := c.conn
	bytesOut, bytesIn := c.bytesOut, c.bytesIn
	c.pending = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.mgr.unregisterConnection(c.tunnelID, c.id)
	c.mgr.metrics().RecordConnectionClosed(string(c.direction))
	c.mgr.logger.Debug("connection closed",
		logging.KeyConnID, c.id,
		"sent", humanize.IBytes(bytesOut),
		"received", humanize.IBytes(bytesIn))

	if sendClose {
		if err := c.mgr.sendMessage(wire.Close{TunnelID: c.tunnelID, ConnectionID: c.id}); err != nil {
			c.mgr.logger.Debug("send close failed", logging.KeyConnID, c.id, logging.KeyError, err)
		}
	}
}
