// Package transport implements the framed binary connection the tunnel
// runs over: one WebSocket, one logical message per frame, single
// reader and single writer, orderly close negotiation. It is the
// binary-framing analogue of the teacher's HubConn (sdk/forward/hub.go)
// but drops the JSON envelope and ping/pong keepalive in favor of the
// application-level Heartbeat message the tunnel protocol defines.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024 * 1024 // generous cap on one reassembled logical message
)

// ErrClosed is returned by Send/Receive once the transport has been
// closed, locally or by the peer.
var ErrClosed = errors.New("transport: connection closed")

// Transport wraps *websocket.Conn with the single-reader/single-writer
// discipline C3 depends on: callers must not call Send (or Receive)
// concurrently from more than one goroutine, matching the connection's
// one send task / one receive task structure.
type Transport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// New wraps an already-established WebSocket connection.
func New(conn *websocket.Conn) *Transport {
	conn.SetReadLimit(maxMessageSize)
	return &Transport{conn: conn}
}

// Send writes one binary frame. Frames above the WebSocket layer's own
// chunk size are split and reassembled transparently by gorilla's
// message framing; from this package's perspective one logical message
// is one WriteMessage call.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.isClosed() {
		return ErrClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)

	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive blocks for the next logical binary message. It returns
// ErrClosed when the peer closes cleanly or the local side has closed;
// any other error indicates the connection dropped mid-frame.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)

	go func() {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			done <- result{nil, err}
			return
		}
		if msgType != websocket.BinaryMessage {
			done <- result{nil, fmt.Errorf("unexpected websocket message type %d", msgType)}
			return
		}
		done <- result{data, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			if t.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("read frame: %w", r.err)
		}
		return r.data, nil
	}
}

// Close performs an orderly close: a normal-closure control frame is
// sent if the socket is still writable, then the underlying connection
// is closed. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeMu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	return t.conn.Close()
}

func (t *Transport) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}

// ReceiveRaw and SendRaw expose the pre-StartProcessing handshake path
// (Auth / AuthResult) the tunnel driver and acceptor use before C3's
// loops take over — see the reflection-based raw-send elimination in
// the design notes. They are simple aliases kept distinct so call
// sites document which phase of the connection they belong to.
func (t *Transport) SendRaw(ctx context.Context, frame []byte) error    { return t.Send(ctx, frame) }
func (t *Transport) ReceiveRaw(ctx context.Context) ([]byte, error)     { return t.Receive(ctx) }
