package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsReadLimit   = 16 * 1024 * 1024
	wsSubprotocol = "tunnelmux/1"
)

// WebSocket adapts an nhooyr.io/websocket connection to Transport. Each
// WebSocket message is one wire envelope; there is no framing beyond
// what websocket.Conn already provides.
type WebSocket struct {
	conn   *websocket.Conn
	recv   chan string
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// DialWebSocket connects to a control endpoint and returns a Transport
// backed by the resulting connection. The caller owns ctx only for the
// duration of the handshake; once connected, reads run on a background
// goroutine until Close or a peer disconnect.
func DialWebSocket(ctx context.Context, url string, httpClient *http.Client) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   httpClient,
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return newWebSocket(conn), nil
}

// AcceptWebSocket upgrades an incoming HTTP request to a WebSocket and
// returns a Transport backed by it.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return newWebSocket(conn), nil
}

func newWebSocket(conn *websocket.Conn) *WebSocket {
	t := &WebSocket{
		conn: conn,
		recv: make(chan string, 64),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *WebSocket) readLoop() {
	defer close(t.recv)
	defer t.markClosed()

	ctx := context.Background()
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case t.recv <- string(data):
		case <-t.done:
			return
		}
	}
}

func (t *WebSocket) markClosed() {
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
}

func (t *WebSocket) Send(msg string) error {
	if t.closed.Load() {
		return ErrClosed{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (t *WebSocket) Messages() <-chan string { return t.recv }

func (t *WebSocket) Closed() <-chan struct{} { return t.done }

func (t *WebSocket) Close() error {
	t.markClosed()
	return t.conn.Close(websocket.StatusNormalClosure, "closed")
}
