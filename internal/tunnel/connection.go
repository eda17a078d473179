package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/octoporty/octoporty/internal/shared/errors"
	"github.com/octoporty/octoporty/internal/shared/goroutine"
	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/transport"
	"github.com/octoporty/octoporty/internal/wire"
)

// HeartbeatInterval is how often the Agent side emits a Heartbeat
// (§4.3): missing acks never trigger teardown on their own — the
// socket layer is the sole source of truth for liveness.
const HeartbeatInterval = 30 * time.Second

// Handler receives messages that the connection's own correlation
// logic didn't consume (Response/ResponseBodyChunk/GetLogsResponse are
// intercepted by Connection itself; everything else — Auth, ConfigSync,
// Heartbeat, Disconnect, UpdateRequest, GetLogsRequest, GatewayLog,
// Error — reaches the handler). Implementations live in agentdriver and
// gatewayconn, matching the single dispatch-table redesign in the
// design notes rather than per-type RPC handlers.
type Handler interface {
	HandleMessage(ctx context.Context, msg *wire.Message)
}

// SendHeartbeat, when true, makes Connection emit periodic Heartbeat
// messages itself; only the Agent side sets this, since Heartbeat is a
// one-way message.
type Options struct {
	SendHeartbeat bool
	// ConnID is attached to every log line this connection emits
	// (structured per-connection logging, supplementing the base spec).
	ConnID string
}

// Connection is one live tunnel session (C3): one receive loop, one
// send loop, an optional heartbeat loop, a bounded outbound queue, and
// the correlation tables pending requests resolve through.
type Connection struct {
	transport *transport.Transport
	opts      Options
	log       logger.Interface

	outbound *outboundQueue
	corr     *correlator

	cancel context.CancelFunc
	done   chan struct{}

	disposeOnce sync.Once
}

// New wraps an established transport as a tunnel connection. Call
// StartProcessing to begin the loops once the Auth / AuthResult
// handshake has completed on the raw transport.
func New(t *transport.Transport, opts Options, log logger.Interface) *Connection {
	scoped := log.Named("tunnel")
	if opts.ConnID != "" {
		scoped = scoped.With(zap.String("conn_id", opts.ConnID))
	}
	return &Connection{
		transport: t,
		opts:      opts,
		log:       scoped,
		outbound:  newOutboundQueue(),
		corr:      newCorrelator(),
		done:      make(chan struct{}),
	}
}

// StartProcessing spawns the receive, send, and (if enabled) heartbeat
// loops. Any loop exiting tears down the whole connection.
func (c *Connection) StartProcessing(ctx context.Context, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(2)
	goroutine.SafeGo(c.log, "tunnel-receive", func() {
		defer wg.Done()
		defer c.DisposeAsync()
		c.receiveLoop(ctx, handler)
	})
	goroutine.SafeGo(c.log, "tunnel-send", func() {
		defer wg.Done()
		defer c.DisposeAsync()
		c.sendLoop(ctx)
	})

	if c.opts.SendHeartbeat {
		wg.Add(1)
		goroutine.SafeGo(c.log, "tunnel-heartbeat", func() {
			defer wg.Done()
			c.heartbeatLoop(ctx)
		})
	}

	goroutine.SafeGo(c.log, "tunnel-await-loops", func() {
		wg.Wait()
		close(c.done)
	})
}

// Done is closed once every loop has exited (after cancellation or a
// fatal I/O error), letting the owner (driver/acceptor) observe the
// connection's end without polling.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) receiveLoop(ctx context.Context, handler Handler) {
	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			c.log.Infow("receive loop exiting", "error", err)
			return
		}

		msg, err := wire.Decode(frame)
		if err != nil {
			c.log.Warnw("dropping undecodable frame", "error", err)
			continue
		}

		c.dispatch(ctx, msg, handler)
	}
}

// dispatch implements the §4.3 correlation rules before falling back to
// the component-specific Handler.
func (c *Connection) dispatch(ctx context.Context, msg *wire.Message, handler Handler) {
	switch msg.Type {
	case wire.TypeResponse:
		r := msg.Response
		if r.HasMoreBody {
			if !c.corr.hasStream(r.RequestID) {
				c.corr.OpenStream(r.RequestID)
			}
			if !c.corr.pushStream(r.RequestID, StreamEvent{Initial: r}) {
				c.log.Warnw("orphan initial response", "request_id", r.RequestID)
			}
			return
		}
		if c.corr.hasStream(r.RequestID) {
			c.corr.pushStream(r.RequestID, StreamEvent{Initial: r})
			return
		}
		if !c.corr.resolvePending(r.RequestID, msg) {
			c.log.Warnw("orphan response", "request_id", r.RequestID)
		}

	case wire.TypeResponseBodyChunk:
		chunk := msg.ResponseBodyChunk
		if !c.corr.pushStream(chunk.RequestID, StreamEvent{Chunk: chunk}) {
			c.log.Warnw("orphan response body chunk", "request_id", chunk.RequestID)
			return
		}
		if chunk.IsFinal {
			c.corr.CloseStream(chunk.RequestID)
		}

	case wire.TypeGetLogsResponse:
		if !c.corr.resolvePending(msg.GetLogsResponse.RequestID, msg) {
			c.log.Warnw("orphan get-logs response", "request_id", msg.GetLogsResponse.RequestID)
		}

	default:
		handler.HandleMessage(ctx, msg)
	}
}

func (c *Connection) sendLoop(ctx context.Context) {
	for {
		msg, ok := c.outbound.Pop(ctx)
		if !ok {
			return
		}

		frame, err := wire.Encode(msg)
		if err != nil {
			c.log.Errorw("encode outbound message failed", "type", msg.Type.String(), "error", err)
			continue
		}

		if err := c.transport.Send(ctx, frame); err != nil {
			c.log.Infow("send loop exiting", "error", err)
			return
		}
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SendMessage(wire.NewHeartbeat(wire.Heartbeat{TimestampMs: time.Now().UnixMilli()}))
		}
	}
}

// SendMessage enqueues msg for transmission through the bounded
// outbound queue; it never blocks.
func (c *Connection) SendMessage(msg *wire.Message) {
	c.outbound.Push(msg)
}

// SendAwait enqueues msg and awaits a single correlated reply keyed by
// requestID, or returns an error on timeout or connection disposal.
func (c *Connection) SendAwait(ctx context.Context, msg *wire.Message, requestID string, timeout time.Duration) (*wire.Message, error) {
	resultCh := c.corr.RegisterPending(requestID)
	c.SendMessage(msg)

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case res, ok := <-resultCh:
		if !ok {
			return nil, appErrors.ErrTunnelClosed
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Msg, nil
	case <-t.C:
		c.corr.CancelPending(requestID)
		return nil, fmt.Errorf("await %s: %w", requestID, context.DeadlineExceeded)
	case <-ctx.Done():
		c.corr.CancelPending(requestID)
		return nil, ctx.Err()
	}
}

// OpenStream exposes an ordered stream of response events for
// requestID, for callers (the router) that issue a streaming request.
func (c *Connection) OpenStream(requestID string) <-chan StreamEvent {
	return c.corr.OpenStream(requestID)
}

// CloseStream releases a streaming slot once the router has consumed
// its terminal chunk.
func (c *Connection) CloseStream(requestID string) {
	c.corr.CloseStream(requestID)
}

// DisposeAsync cancels all loops, fails every pending single-shot and
// streaming correlation with "tunnel closed", and closes the transport
// with a normal-closure frame. Safe to call more than once.
func (c *Connection) DisposeAsync() {
	c.disposeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.outbound.Close()
		c.corr.disposeAll(appErrors.ErrTunnelClosed)
		_ = c.transport.Close()
	})
}
