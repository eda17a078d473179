package gatewayconn

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/octoporty/octoporty/internal/confsource"
	"github.com/octoporty/octoporty/internal/edgeproxy"
	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/logring"
	"github.com/octoporty/octoporty/internal/shared/goroutine"
	"github.com/octoporty/octoporty/internal/transport"
	"github.com/octoporty/octoporty/internal/tunnel"
	"github.com/octoporty/octoporty/internal/update"
	"github.com/octoporty/octoporty/internal/wire"
)

// authTimeout bounds the post-upgrade part of the handshake: reading the
// first-message Auth and answering it (§4.6.2). The pre-upgrade header
// check runs before it starts.
const authTimeout = 30 * time.Second

// Acceptor upgrades inbound HTTP requests on the tunnel endpoint to
// WebSocket connections, performs the Auth handshake, and hands
// successfully authenticated connections to the Manager.
type Acceptor struct {
	apiKey         string
	gatewayVersion string

	confSource confsource.Source
	edgeproxy  *edgeproxy.Controller
	ring       *logring.Ring
	update     *update.Service
	manager    *Manager

	upgrader websocket.Upgrader
	log      logger.Interface
}

// NewAcceptor constructs a tunnel Acceptor.
func NewAcceptor(
	apiKey, gatewayVersion string,
	confSource confsource.Source,
	manager *Manager,
	ec *edgeproxy.Controller,
	ring *logring.Ring,
	upd *update.Service,
	log logger.Interface,
) *Acceptor {
	return &Acceptor{
		apiKey:         apiKey,
		gatewayVersion: gatewayVersion,
		confSource:     confSource,
		edgeproxy:      ec,
		ring:           ring,
		update:         upd,
		manager:        manager,
		upgrader:       websocket.Upgrader{},
		log:            log.Named("gatewayconn"),
	}
}

// ServeHTTP implements http.Handler for mounting as the /tunnel route.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !constantTimeEqual(r.Header.Get("X-Api-Key"), a.apiKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	t := transport.New(conn)
	a.handshake(r.Context(), t)
}

func (a *Acceptor) handshake(ctx context.Context, t *transport.Transport) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	frame, err := t.ReceiveRaw(authCtx)
	if err != nil {
		a.log.Warnw("handshake receive failed", "error", err)
		_ = t.Close()
		return
	}

	msg, err := wire.Decode(frame)
	if err != nil || msg.Type != wire.TypeAuth {
		a.log.Warnw("expected Auth as first message", "error", err)
		a.rejectAndClose(authCtx, t, "expected Auth message")
		return
	}

	if !constantTimeEqual(msg.Auth.ApiKey, a.apiKey) {
		a.rejectAndClose(authCtx, t, "invalid api key")
		return
	}

	_, landingHash, err := a.confSource.GetLandingPage()
	if err != nil {
		a.log.Warnw("read landing page failed", "error", err)
	}

	authResult, err := wire.Encode(wire.NewAuthResult(wire.AuthResult{
		Success:         true,
		GatewayVersion:  a.gatewayVersion,
		LandingPageHash: landingHash,
	}))
	if err != nil {
		a.log.Errorw("encode AuthResult failed", "error", err)
		_ = t.Close()
		return
	}
	if err := t.SendRaw(authCtx, authResult); err != nil {
		a.log.Warnw("send AuthResult failed", "error", err)
		_ = t.Close()
		return
	}

	connID := fmt.Sprintf("conn-%d", time.Now().UnixNano())
	conn := tunnel.New(t, tunnel.Options{SendHeartbeat: false, ConnID: connID}, a.log)

	session := a.manager.Accept(conn)
	handler := NewHandler(session, a.edgeproxy, a.ring, a.update, a.log)

	runCtx, runCancel := context.WithCancel(context.Background())
	conn.StartProcessing(runCtx, handler)

	goroutine.SafeGo(a.log, "gatewayconn-await-close", func() {
		<-conn.Done()
		runCancel()
		a.manager.Release(session)
		a.log.Infow("agent connection closed", "conn_id", connID)
	})
}

func (a *Acceptor) rejectAndClose(ctx context.Context, t *transport.Transport, reason string) {
	frame, err := wire.Encode(wire.NewAuthResult(wire.AuthResult{Success: false, Error: reason}))
	if err == nil {
		_ = t.SendRaw(ctx, frame)
	}
	_ = t.Close()
}

// constantTimeEqual compares two API keys in constant time over their
// UTF-8 bytes, refusing the comparison outright if either is empty
// (§4.6.1/2).
func constantTimeEqual(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
