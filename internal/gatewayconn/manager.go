package gatewayconn

import (
	"context"
	"sync"
	"time"

	"github.com/octoporty/octoporty/internal/edgeproxy"
	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/router"
	"github.com/octoporty/octoporty/internal/tunnel"
	"github.com/octoporty/octoporty/internal/wire"
)

// drainGrace bounds how long Shutdown waits for a Disconnect message to
// reach the wire before the caller proceeds to tear the process down.
const drainGrace = 200 * time.Millisecond

// Manager enforces "at most one active connection": accepting a new
// one disposes the prior one, failing all of its pending requests
// (§4.6.4).
type Manager struct {
	edgeproxy *edgeproxy.Controller
	log       logger.Interface

	mu     sync.Mutex
	active *Session
}

// NewManager constructs a Manager.
func NewManager(edgeproxy *edgeproxy.Controller, log logger.Interface) *Manager {
	return &Manager{edgeproxy: edgeproxy, log: log.Named("gatewayconn")}
}

// Accept supersedes any prior active connection with a freshly
// authenticated one and returns its Session.
func (m *Manager) Accept(conn *tunnel.Connection) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.log.Infow("superseding prior tunnel connection")
		m.active.conn.DisposeAsync()
	}

	session := newSession(conn)
	m.active = session
	return session
}

// Current returns the active session, or nil if no Agent is connected.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Release clears the active session if it is still the one passed in
// (a superseded session must not clear a newer one that replaced it).
func (m *Manager) Release(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == session {
		m.active = nil
	}
}

// Shutdown notifies the active Agent (if any) that the Gateway is
// going away, giving its driver a chance to start reconnect backoff
// immediately rather than waiting out a dead socket.
func (m *Manager) Shutdown(reason string) {
	session := m.Current()
	if session == nil {
		return
	}
	session.disconnect(reason)
	time.Sleep(drainGrace)
}

// FindMappingByHost implements router.Session by delegating to the
// current active session, if any.
func (m *Manager) FindMappingByHost(host string) (router.Mapping, bool) {
	session := m.Current()
	if session == nil {
		return router.Mapping{}, false
	}
	return session.FindMappingByHost(host)
}

// Forward implements router.Session by delegating to the current
// active session. No active session yields a nil channel, which the
// router treats as "no tunnel connection" and self-heals on.
func (m *Manager) Forward(ctx context.Context, req *wire.Request) <-chan router.StreamEvent {
	session := m.Current()
	if session == nil {
		return nil
	}
	return session.Forward(ctx, req)
}
