// Package agentdriver implements the Agent tunnel driver (C5): the
// long-lived task that dials the Gateway, runs the Auth/ConfigSync
// handshake, hands the live connection to tunnel.Connection, and
// reconnects on any failure via the reconnect package's capped
// exponential backoff. Grounded in the teacher's TunnelClient
// (sdk/forward/tunnel.go) for the connect/readLoop/reconnect shape and
// RunHubLoopWithReconnect (sdk/forward/hub.go) for driving that shape
// from a state machine, generalized from a bare reconnect loop to the
// spec's explicit Disconnected/Connecting/Authenticating/Syncing/
// Connected/Reconnecting states plus the config-sync and update-request
// correlations the tunnel protocol layers on top.
package agentdriver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/octoporty/octoporty/internal/confsource"
	"github.com/octoporty/octoporty/internal/forwarder"
	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/reconnect"
	"github.com/octoporty/octoporty/internal/shared/goroutine"
	appVersion "github.com/octoporty/octoporty/internal/shared/version"
	"github.com/octoporty/octoporty/internal/transport"
	"github.com/octoporty/octoporty/internal/tunnel"
	"github.com/octoporty/octoporty/internal/wire"
	"github.com/octoporty/octoporty/sdk/tunnelmsg"
)

const (
	authTimeout        = 30 * time.Second
	syncTimeout        = 30 * time.Second
	updateTimeout      = 30 * time.Second
	getLogsTimeout     = 30 * time.Second
	shutdownDrainGrace = 200 * time.Millisecond
)

// ErrNotConnected is returned by the mutating operations when the
// driver isn't in the Connected state.
var ErrNotConnected = errors.New("agentdriver: not connected")

// Options configures a Driver.
type Options struct {
	GatewayURL   string // wss:// URL of the Gateway's /tunnel endpoint
	ApiKey       string
	AgentVersion string
}

// Driver runs the Agent-side state machine described in §4.5. Start it
// with Run(ctx) from a long-lived goroutine; it blocks until ctx is
// cancelled, tearing down any live connection on the way out.
type Driver struct {
	opts       Options
	confSource confsource.Source
	forwarder  *forwarder.Forwarder
	log        logger.Interface
	policy     *reconnect.Policy

	mu                     sync.Mutex
	state                  State
	conn                   *tunnel.Connection
	gatewayVersion         string
	gatewayUpdateAvailable bool
	configAckCh            chan *wire.ConfigAck
	updateRespCh           chan *wire.UpdateResponse

	subMu       sync.RWMutex
	nextSubID   int
	subscribers map[int]chan StateChange

	logSubMu     sync.RWMutex
	nextLogSubID int
	logSubscribers map[int]chan wire.GatewayLog
}

// New constructs a Driver. forwarder is the Agent-side request
// dispatcher (C9) that receives Request messages pushed over the
// connection this driver establishes.
func New(opts Options, confSource confsource.Source, fwd *forwarder.Forwarder, log logger.Interface) *Driver {
	return &Driver{
		opts:           opts,
		confSource:     confSource,
		forwarder:      fwd,
		log:            log.Named("agentdriver"),
		policy:         reconnect.NewPolicy(),
		state:          StateDisconnected,
		subscribers:    make(map[int]chan StateChange),
		logSubscribers: make(map[int]chan wire.GatewayLog),
	}
}

// Run drives the state machine until ctx is cancelled. It never
// returns an error: connection failures feed the Reconnecting state
// rather than unwinding the caller.
func (d *Driver) Run(ctx context.Context) {
	unsubscribe := d.confSource.OnChange(func() {
		goroutine.SafeGo(d.log, "agentdriver-resync", func() {
			if err := d.ResyncConfiguration(context.Background()); err != nil {
				d.log.Warnw("resync configuration failed", "error", err)
			}
		})
	})
	defer unsubscribe()

	defer func() {
		if conn := d.currentConn(); conn != nil {
			conn.DisposeAsync()
		}
		d.setState(StateDisconnected)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := d.connectAndHandshake(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warnw("tunnel connect failed", "error", err, "attempt", d.policy.Attempt())
			d.setState(StateReconnecting)
			if waitErr := reconnect.Wait(ctx, d.policy.AsBackOff()); waitErr != nil {
				return
			}
			continue
		}

		d.policy.Reset()
		d.setConn(conn)
		d.setState(StateConnected)
		d.log.Infow("tunnel connected", "gateway_version", d.GatewayVersion())

		<-conn.Done()

		d.setConn(nil)
		if ctx.Err() != nil {
			return
		}
		d.log.Infow("tunnel disconnected, reconnecting")
		d.setState(StateReconnecting)
		if waitErr := reconnect.Wait(ctx, d.policy.AsBackOff()); waitErr != nil {
			return
		}
	}
}

// connectAndHandshake runs Connecting, Authenticating and Syncing in
// sequence, returning a live, fully-synced Connection or the first
// error encountered.
func (d *Driver) connectAndHandshake(ctx context.Context) (*tunnel.Connection, error) {
	d.setState(StateConnecting)

	header := http.Header{}
	header.Set("X-Api-Key", d.opts.ApiKey)

	dialer := websocket.Dialer{HandshakeTimeout: authTimeout}
	wsConn, _, err := dialer.DialContext(ctx, d.opts.GatewayURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	t := transport.New(wsConn)

	d.setState(StateAuthenticating)
	gatewayVersion, err := d.authenticate(ctx, t)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	d.mu.Lock()
	d.gatewayVersion = gatewayVersion
	d.gatewayUpdateAvailable = appVersion.HasNewerVersion(gatewayVersion, d.opts.AgentVersion)
	d.mu.Unlock()

	connID := uuid.NewString()
	conn := tunnel.New(t, tunnel.Options{SendHeartbeat: true, ConnID: connID}, d.log)
	handler := &connHandler{driver: d, conn: conn}
	conn.StartProcessing(ctx, handler)

	d.setState(StateSyncing)
	if err := d.doConfigSync(ctx, conn); err != nil {
		conn.DisposeAsync()
		return nil, fmt.Errorf("config sync: %w", err)
	}

	return conn, nil
}

// authenticate performs the Auth/AuthResult exchange over the raw
// transport, before StartProcessing's loops exist (§9 Design Notes:
// explicit receiveRaw/sendRaw in place of the source's reflection-based
// raw send).
func (d *Driver) authenticate(ctx context.Context, t *transport.Transport) (gatewayVersion string, err error) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	frame, err := wire.Encode(wire.NewAuth(wire.Auth{ApiKey: d.opts.ApiKey, AgentVersion: d.opts.AgentVersion}))
	if err != nil {
		return "", fmt.Errorf("encode auth: %w", err)
	}
	if err := t.SendRaw(authCtx, frame); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	reply, err := t.ReceiveRaw(authCtx)
	if err != nil {
		return "", fmt.Errorf("receive auth result: %w", err)
	}
	msg, err := wire.Decode(reply)
	if err != nil {
		return "", fmt.Errorf("decode auth result: %w", err)
	}
	if msg.Type != wire.TypeAuthResult {
		return "", fmt.Errorf("expected AuthResult, got %s", msg.Type)
	}
	if !msg.AuthResult.Success {
		return "", fmt.Errorf("gateway rejected authentication: %s", msg.AuthResult.Error)
	}

	return msg.AuthResult.GatewayVersion, nil
}

// doConfigSync builds a mapping snapshot, sends ConfigSync, and awaits
// the correlated ConfigAck. It backs both the initial Syncing state and
// ResyncConfiguration; §4.5 directs that stray messages (notably
// HeartbeatAck) arriving while this wait is pending are simply ignored
// by the handler rather than failing the sync.
func (d *Driver) doConfigSync(ctx context.Context, conn *tunnel.Connection) error {
	mappings, err := d.confSource.ListEnabledMappings()
	if err != nil {
		return fmt.Errorf("list enabled mappings: %w", err)
	}

	snapshots := make([]wire.MappingSnapshot, len(mappings))
	for i, m := range mappings {
		snapshots[i] = m.ToSnapshot()
	}
	hash := tunnelmsg.ConfigHash(snapshots)

	html, landingHash, err := d.confSource.GetLandingPage()
	if err != nil {
		d.log.Warnw("read landing page failed", "error", err)
	}

	ackCh := d.armConfigAck()
	defer d.disarmConfigAck()

	conn.SendMessage(wire.NewConfigSync(wire.ConfigSync{
		Mappings:        snapshots,
		ConfigHash:      hash,
		LandingPageHTML: html,
		LandingPageHash: landingHash,
	}))

	select {
	case ack := <-ackCh:
		if !ack.Success {
			return fmt.Errorf("rejected: %s", ack.Error)
		}
		d.forwarder.SetMappings(snapshots)
		return nil
	case <-time.After(syncTimeout):
		return fmt.Errorf("timed out waiting for ConfigAck")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResyncConfiguration rebuilds the mapping snapshot and pushes a fresh
// ConfigSync through the live connection, awaiting its ConfigAck. Only
// valid while Connected (§4.5).
func (d *Driver) ResyncConfiguration(ctx context.Context) error {
	if d.State() != StateConnected {
		return ErrNotConnected
	}
	conn := d.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return d.doConfigSync(ctx, conn)
}

// RequestGatewayUpdate asks the Gateway to queue a self-update to this
// Agent's own version. It fails immediately if not Connected or if the
// Gateway isn't older than this Agent (§4.5).
func (d *Driver) RequestGatewayUpdate(ctx context.Context) (*wire.UpdateResponse, error) {
	if d.State() != StateConnected {
		return nil, ErrNotConnected
	}
	conn := d.currentConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	d.mu.Lock()
	updateAvailable := d.gatewayUpdateAvailable
	d.mu.Unlock()
	if !updateAvailable {
		return nil, errors.New("agentdriver: gateway is not older than this agent")
	}

	ch := d.armUpdateResponse()
	defer d.disarmUpdateResponse()

	conn.SendMessage(wire.NewUpdateRequest(wire.UpdateRequest{
		TargetVersion: d.opts.AgentVersion,
		RequestedBy:   "agent",
	}))

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(updateTimeout):
		return nil, fmt.Errorf("agentdriver: update request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetGatewayLogs fetches a page of the Gateway's in-process log ring
// (§4.10). Reuses tunnel.Connection's generic request-id correlation
// since GetLogsResponse, unlike ConfigAck/UpdateResponse, carries the
// request id it was asked with.
func (d *Driver) GetGatewayLogs(ctx context.Context, beforeID int64, count int) (*wire.GetLogsResponse, error) {
	conn := d.currentConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	requestID := uuid.NewString()
	reply, err := conn.SendAwait(ctx, wire.NewGetLogsRequest(wire.GetLogsRequest{
		RequestID: requestID,
		BeforeID:  beforeID,
		Count:     count,
	}), requestID, getLogsTimeout)
	if err != nil {
		return nil, err
	}
	return reply.GetLogsResponse, nil
}

// Shutdown sends a best-effort Disconnect ahead of the caller
// cancelling Run's context, so the Gateway learns this is a deliberate
// departure rather than a dropped connection.
func (d *Driver) Shutdown() {
	conn := d.currentConn()
	if conn == nil {
		return
	}
	conn.SendMessage(wire.NewDisconnect(wire.Disconnect{Reason: "shutting down"}))
	time.Sleep(shutdownDrainGrace)
}

// State returns the driver's current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// GatewayVersion returns the version string reported by the Gateway at
// the last successful AuthResult.
func (d *Driver) GatewayVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gatewayVersion
}

// GatewayUpdateAvailable reports whether the Gateway's reported version
// is older than this Agent's own version.
func (d *Driver) GatewayUpdateAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gatewayUpdateAvailable
}

func (d *Driver) setConn(c *tunnel.Connection) {
	d.mu.Lock()
	d.conn = c
	d.mu.Unlock()
}

func (d *Driver) currentConn() *tunnel.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()

	if prev == s {
		return
	}

	change := StateChange{From: prev, To: s, At: time.Now()}
	d.subMu.RLock()
	for _, ch := range d.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
	d.subMu.RUnlock()
}

// Subscribe returns a topic of state transitions plus an unsubscribe
// function. Subscribers are cold readers: a full channel drops the
// event rather than blocking the driver (§9 Design Notes).
func (d *Driver) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 8)
	d.subMu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subscribers[id] = ch
	d.subMu.Unlock()

	return ch, func() {
		d.subMu.Lock()
		delete(d.subscribers, id)
		d.subMu.Unlock()
	}
}

// SubscribeLogs returns a topic of GatewayLog events fanned out from
// the active tunnel, feeding the Agent UI's real-time notification bus.
func (d *Driver) SubscribeLogs() (<-chan wire.GatewayLog, func()) {
	ch := make(chan wire.GatewayLog, 32)
	d.logSubMu.Lock()
	id := d.nextLogSubID
	d.nextLogSubID++
	d.logSubscribers[id] = ch
	d.logSubMu.Unlock()

	return ch, func() {
		d.logSubMu.Lock()
		delete(d.logSubscribers, id)
		d.logSubMu.Unlock()
	}
}

func (d *Driver) publishLog(entry *wire.GatewayLog) {
	d.logSubMu.RLock()
	defer d.logSubMu.RUnlock()
	for _, ch := range d.logSubscribers {
		select {
		case ch <- *entry:
		default:
		}
	}
}

func (d *Driver) armConfigAck() chan *wire.ConfigAck {
	ch := make(chan *wire.ConfigAck, 1)
	d.mu.Lock()
	d.configAckCh = ch
	d.mu.Unlock()
	return ch
}

func (d *Driver) disarmConfigAck() {
	d.mu.Lock()
	d.configAckCh = nil
	d.mu.Unlock()
}

func (d *Driver) deliverConfigAck(ack *wire.ConfigAck) {
	d.mu.Lock()
	ch := d.configAckCh
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (d *Driver) armUpdateResponse() chan *wire.UpdateResponse {
	ch := make(chan *wire.UpdateResponse, 1)
	d.mu.Lock()
	d.updateRespCh = ch
	d.mu.Unlock()
	return ch
}

func (d *Driver) disarmUpdateResponse() {
	d.mu.Lock()
	d.updateRespCh = nil
	d.mu.Unlock()
}

func (d *Driver) deliverUpdateResponse(resp *wire.UpdateResponse) {
	d.mu.Lock()
	ch := d.updateRespCh
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// connHandler implements tunnel.Handler for one connection's lifetime,
// dispatching the message types the Connection's own correlation logic
// doesn't consume (§4.3/§4.5): Request forwarding, the ConfigAck and
// UpdateResponse one-shot slots, GatewayLog fanout, and benign
// housekeeping types.
type connHandler struct {
	driver *Driver
	conn   *tunnel.Connection
}

func (h *connHandler) HandleMessage(ctx context.Context, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeRequest:
		goroutine.SafeGo(h.driver.log, "agentdriver-forward", func() {
			h.driver.forwarder.Forward(context.Background(), msg.Request, h.conn)
		})
	case wire.TypeConfigAck:
		h.driver.deliverConfigAck(msg.ConfigAck)
	case wire.TypeUpdateResponse:
		h.driver.deliverUpdateResponse(msg.UpdateResponse)
	case wire.TypeGatewayLog:
		h.driver.publishLog(msg.GatewayLog)
	case wire.TypeHeartbeatAck:
		// Liveness is the socket layer's job; nothing to do (§4.3).
	case wire.TypeDisconnect:
		h.driver.log.Infow("gateway requested disconnect", "reason", msg.Disconnect.Reason)
	case wire.TypeError:
		h.driver.log.Warnw("gateway sent error", "code", msg.Error.Code, "message", msg.Error.Message)
	default:
		h.driver.log.Warnw("unhandled message type", "type", msg.Type.String())
	}
}
