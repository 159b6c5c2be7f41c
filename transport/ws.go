// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var _ Transport = (*WebSocket)(nil)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	Path     string
	Timeouts Timeouts
	// Handshake secures the stream before the upgrade. Nil selects ws://.
	Handshake Handshaker
	// ReadLimit caps the size of one inbound frame.
	ReadLimit int64
}

// WebSocket carries the byte stream in binary frames using the "mqtt"
// subprotocol. Frames are read by a background goroutine so receive
// budgets never touch the connection read deadline.
type WebSocket struct {
	cfg      WebSocketConfig
	dialer   websocket.Dialer
	deadline recvDeadline

	mu      sync.Mutex
	conn    *websocket.Conn
	socket  Transport
	session TLSSession
	frames  chan []byte
	done    chan struct{}
	readErr error
	pending []byte
}

// NewWebSocket creates an unconnected WebSocket transport.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	ws := &WebSocket{cfg: cfg}
	ws.dialer = websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: cfg.Timeouts.Send,
	}
	if cfg.Handshake != nil {
		ws.dialer.NetDialTLSContext = ws.dialSecure
	} else {
		ws.dialer.NetDialContext = ws.dialPlain
	}
	return ws
}

func (ws *WebSocket) dialPlain(ctx context.Context, _, addr string) (net.Conn, error) {
	tcp := NewTCP(ws.cfg.Timeouts)
	if err := tcp.Connect(ctx, addr); err != nil {
		return nil, err
	}
	ws.socket = tcp
	return tcp.current(), nil
}

func (ws *WebSocket) dialSecure(ctx context.Context, _, addr string) (net.Conn, error) {
	tcp := NewTCP(ws.cfg.Timeouts)
	if err := tcp.Connect(ctx, addr); err != nil {
		return nil, err
	}
	raw := NewNetConn(tcp)
	session, err := ws.cfg.Handshake(ctx, raw)
	if err != nil {
		if session != nil {
			_ = session.Close()
		}
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	ws.socket = tcp
	ws.session = session
	return session, nil
}

// Connect dials endpoint (host:port) and upgrades to WebSocket.
func (ws *WebSocket) Connect(ctx context.Context, endpoint string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn != nil {
		return ErrAlreadyConnected
	}

	u := url.URL{Scheme: "ws", Host: endpoint, Path: ws.cfg.Path}
	if ws.cfg.Handshake != nil {
		u.Scheme = "wss"
	}

	conn, resp, err := ws.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		ws.closeSocket()
		if errors.Is(err, ErrConnect) || errors.Is(err, ErrHandshake) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if ws.cfg.ReadLimit > 0 {
		conn.SetReadLimit(ws.cfg.ReadLimit)
	}

	ws.conn = conn
	ws.frames = make(chan []byte, 16)
	ws.done = make(chan struct{})
	ws.readErr = nil
	ws.pending = nil
	go ws.readLoop(conn, ws.frames, ws.done)
	return nil
}

func (ws *WebSocket) readLoop(conn *websocket.Conn, frames chan<- []byte, done <-chan struct{}) {
	defer close(frames)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			ws.mu.Lock()
			ws.readErr = err
			ws.mu.Unlock()
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		select {
		case frames <- data:
		case <-done:
			return
		}
	}
}

// Disconnect sends a close frame and closes the connection.
func (ws *WebSocket) Disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn == nil {
		ws.closeSocket()
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ws.cfg.Timeouts.Probe))
	err := ws.conn.Close()
	close(ws.done)
	ws.conn = nil
	ws.pending = nil
	ws.closeSocket()
	ws.deadline.set(time.Time{})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (ws *WebSocket) closeSocket() {
	if ws.socket != nil {
		_ = ws.socket.Disconnect()
	}
	ws.socket = nil
	ws.session = nil
}

// Session returns the TLS session under the WebSocket or nil.
func (ws *WebSocket) Session() TLSSession {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.session
}

// Socket returns the plaintext transport under the WebSocket or nil.
func (ws *WebSocket) Socket() Transport {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.socket
}

// Send writes b as one binary frame.
func (ws *WebSocket) Send(b []byte) (int, error) {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if len(b) == 0 {
		return 0, nil
	}

	if err := conn.SetWriteDeadline(time.Now().Add(ws.cfg.Timeouts.Send)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSend, err)
	}
	err := conn.WriteMessage(websocket.BinaryMessage, b)
	switch {
	case err == nil:
		return len(b), nil
	case isTimeout(err):
		return 0, ErrSendTimeout
	default:
		return 0, fmt.Errorf("%w: %w", ErrSend, err)
	}
}

// Recv copies frame bytes into b, waiting at most the receive budget.
func (ws *WebSocket) Recv(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, ErrInvalidBuffer
	}

	ws.mu.Lock()
	if ws.conn == nil {
		ws.mu.Unlock()
		return 0, ErrNotConnected
	}
	if len(ws.pending) > 0 {
		n := copy(b, ws.pending)
		ws.pending = ws.pending[n:]
		ws.mu.Unlock()
		return n, nil
	}
	frames := ws.frames
	ws.mu.Unlock()

	timer := time.NewTimer(time.Until(ws.deadline.until(ws.cfg.Timeouts.recvBudget(len(b)))))
	defer timer.Stop()

	select {
	case data, ok := <-frames:
		ws.mu.Lock()
		defer ws.mu.Unlock()
		if !ok {
			if ws.readErr == nil {
				return 0, ErrNotConnected
			}
			if websocket.IsCloseError(ws.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, ErrClosed
			}
			return 0, fmt.Errorf("%w: %w", ErrRecv, ws.readErr)
		}
		n := copy(b, data)
		ws.pending = data[n:]
		return n, nil
	case <-timer.C:
		if len(b) == 1 {
			return 0, nil
		}
		return 0, ErrWouldBlock
	}
}

// SetRecvDeadline bounds subsequent Recv calls.
func (ws *WebSocket) SetRecvDeadline(at time.Time) {
	ws.deadline.set(at)
}

// LocalAddr returns the local address or nil.
func (ws *WebSocket) LocalAddr() net.Addr {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conn == nil {
		return nil
	}
	return ws.conn.LocalAddr()
}

// RemoteAddr returns the peer address or nil.
func (ws *WebSocket) RemoteAddr() net.Addr {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conn == nil {
		return nil
	}
	return ws.conn.RemoteAddr()
}
