package tunnelmgr

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coinstash/tunnelmux/internal/transport"
)

func newManagerPair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	a, b := transport.NewPipe()
	cfg := Config{CreateTimeout: 2 * time.Second}
	ma := NewManager(a, cfg)
	mb := NewManager(b, cfg)
	t.Cleanup(func() {
		_ = ma.Close()
		_ = mb.Close()
	})
	return ma, mb
}

// echoServer starts a TCP server on 127.0.0.1:0 that echoes everything
// it reads, and returns its port.
func echoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func dialAndEcho(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()
	return dialAndRead(t, addr, payload, len(payload))
}

// dialAndRead writes payload to addr and reads back exactly n bytes.
func dialAndRead(t *testing.T, addr string, payload []byte, n int) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf
}

// TestForwardTunnelEcho exercises the S1 scenario: a forward tunnel
// whose local listener relays to an echo server sitting behind the
// peer.
func TestForwardTunnelEcho(t *testing.T) {
	ma, mb := newManagerPair(t)

	remotePort := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tun, err := ma.CreateTunnel(ctx, TunnelRequest{LocalPort: 0, RemotePort: remotePort})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	defer tun.Close()

	localAddr := forwardListenerAddr(t, ma, tun)
	_ = mb

	payload := []byte("hello forward")
	got := dialAndEcho(t, localAddr, payload)
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: got %q want %q", got, payload)
	}
}

// TestReverseTunnelEcho exercises S2: a reverse tunnel whose listener
// lives on the peer, relaying back to an echo server on this side.
func TestReverseTunnelEcho(t *testing.T) {
	ma, mb := newManagerPair(t)

	localPort := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tun, err := ma.CreateReverseTunnel(ctx, TunnelRequest{LocalPort: localPort, RemotePort: 0})
	if err != nil {
		t.Fatalf("CreateReverseTunnel: %v", err)
	}
	defer tun.Close()

	peerListenAddr := reverseListenerAddr(t, mb, tun)

	payload := []byte("hello reverse")
	got := dialAndEcho(t, peerListenAddr, payload)
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: got %q want %q", got, payload)
	}
}

// TestMultiTunnelIsolation exercises S3: two independent tunnels carry
// distinct traffic without cross-talk.
func TestMultiTunnelIsolation(t *testing.T) {
	ma, _ := newManagerPair(t)

	portA := echoServerWithPrefix(t, "A:")
	portB := echoServerWithPrefix(t, "B:")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tunA, err := ma.CreateTunnel(ctx, TunnelRequest{RemotePort: portA})
	if err != nil {
		t.Fatalf("CreateTunnel A: %v", err)
	}
	defer tunA.Close()

	tunB, err := ma.CreateTunnel(ctx, TunnelRequest{RemotePort: portB})
	if err != nil {
		t.Fatalf("CreateTunnel B: %v", err)
	}
	defer tunB.Close()

	addrA := forwardListenerAddr(t, ma, tunA)
	addrB := forwardListenerAddr(t, ma, tunB)

	gotA := dialAndRead(t, addrA, []byte("x"), len("A:x"))
	gotB := dialAndRead(t, addrB, []byte("y"), len("B:y"))

	if string(gotA) != "A:x" {
		t.Errorf("tunnel A leaked: got %q", gotA)
	}
	if string(gotB) != "B:y" {
		t.Errorf("tunnel B leaked: got %q", gotB)
	}
}

// TestRefcountSharesDescriptor exercises S4: repeat CreateTunnel calls
// for the same descriptor return the same Tunnel with an incremented
// refcount, and the underlying listener survives until every reference
// is closed.
func TestRefcountSharesDescriptor(t *testing.T) {
	ma, _ := newManagerPair(t)

	remotePort := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := TunnelRequest{LocalPort: 0, RemotePort: remotePort}
	first, err := ma.CreateTunnel(ctx, req)
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	localAddr := forwardListenerAddr(t, ma, first)
	req.LocalPort = addrPort(t, localAddr)

	second, err := ma.CreateTunnel(ctx, req)
	if err != nil {
		t.Fatalf("CreateTunnel (repeat): %v", err)
	}
	if second != first {
		t.Fatal("repeat CreateTunnel returned a different *Tunnel")
	}
	if got := first.Refcount(); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}

	if err := second.Close(); err != nil {
		t.Fatalf("Close (1st): %v", err)
	}
	if got := first.Refcount(); got != 1 {
		t.Fatalf("refcount after one Close = %d, want 1", got)
	}

	// Still usable with one reference outstanding.
	dialAndEcho(t, localAddr, []byte("still alive"))

	if err := first.Close(); err != nil {
		t.Fatalf("Close (2nd): %v", err)
	}

	if _, err := net.DialTimeout("tcp", localAddr, 200*time.Millisecond); err == nil {
		t.Fatal("expected listener to be closed after last Close")
	}
}

// TestCreateTunnelBindInUse exercises S5: requesting a forward tunnel
// on a local port that's already bound fails with a *BindError instead
// of hanging.
func TestCreateTunnelBindInUse(t *testing.T) {
	ma, _ := newManagerPair(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = ma.CreateTunnel(ctx, TunnelRequest{LocalPort: port, RemotePort: 1})
	if err == nil {
		t.Fatal("expected bind error, got nil")
	}
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *BindError, got %T: %v", err, err)
	}
}

// TestCreateTunnelAfterClose exercises S6: any create attempted after
// Close returns ErrManagerClosed immediately.
func TestCreateTunnelAfterClose(t *testing.T) {
	a, _ := transport.NewPipe()
	m := NewManager(a, Config{CreateTimeout: time.Second})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := m.CreateTunnel(context.Background(), TunnelRequest{RemotePort: 1})
	if !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

// TestCloseUnblocksPendingCreate exercises the in-flight-create half of
// S6: Close on the requesting side must release a goroutine currently
// blocked inside CreateTunnel.
func TestCloseUnblocksPendingCreate(t *testing.T) {
	a, _ := transport.NewPipe() // b is intentionally left unconnected-to-a-manager
	m := NewManager(a, Config{CreateTimeout: 10 * time.Second})

	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.CreateTunnel(context.Background(), TunnelRequest{RemotePort: 1})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrManagerClosed) {
			t.Fatalf("expected ErrManagerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CreateTunnel did not unblock after Close")
	}
	wg.Wait()
}

// --- helpers that peek at manager-internal state for test assertions ---

func forwardListenerAddr(t *testing.T, m *Manager, tun *Tunnel) string {
	t.Helper()
	entry := m.entryFor(tun.ID())
	if entry == nil || entry.proxy == nil {
		t.Fatal("no proxy entry for forward tunnel")
	}
	return dialableAddr(t, entry.proxy.listener.Addr().String())
}

func reverseListenerAddr(t *testing.T, peer *Manager, tun *Tunnel) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry := peer.entryFor(tun.ID())
		if entry != nil && entry.proxy != nil {
			return dialableAddr(t, entry.proxy.listener.Addr().String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("peer never registered a reverse proxy listener")
	return ""
}

// dialableAddr rewrites a listener's wildcard bind address (0.0.0.0) to
// the loopback address a client can actually dial.
func dialableAddr(t *testing.T, addr string) string {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func addrPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return port
}

func echoServerWithPrefix(t *testing.T, prefix string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write([]byte(prefix))
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}
