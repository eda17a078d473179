// Package gatewayconn implements the Gateway-side tunnel acceptor
// (C6): WebSocket upgrade with a constant-time API-key check, the
// Auth/AuthResult handshake, an at-most-one-active-connection manager,
// and the inbound dispatch table that answers ConfigSync, Heartbeat,
// UpdateRequest and GetLogsRequest. Grounded in the teacher's
// sdk/forward/ws_server.go (TunnelServer) for the upgrade-then-readLoop
// shape, generalized from its single always-on forwarder to the
// supersede-on-reconnect single active session the spec calls for.
package gatewayconn

import (
	"context"
	"strings"
	"sync"

	"github.com/octoporty/octoporty/internal/router"
	"github.com/octoporty/octoporty/internal/tunnel"
	"github.com/octoporty/octoporty/internal/wire"
)

// Session wraps the single active Connection together with the
// mapping snapshot from its last ConfigSync, implementing
// router.Session so the HTTP router can forward through it.
type Session struct {
	conn *tunnel.Connection

	mu          sync.RWMutex
	byID        map[string]wire.MappingSnapshot
	byHost      map[string]wire.MappingSnapshot
	landingHTML string
	landingHash string
}

func newSession(conn *tunnel.Connection) *Session {
	return &Session{
		conn:   conn,
		byID:   make(map[string]wire.MappingSnapshot),
		byHost: make(map[string]wire.MappingSnapshot),
	}
}

// setMappings replaces the snapshot held for this session, keyed both
// by id (for X-Octoporty-Mapping-Id routing) and by external domain,
// lowercased (for host-based routing).
func (s *Session) setMappings(snapshots []wire.MappingSnapshot) {
	byID := make(map[string]wire.MappingSnapshot, len(snapshots))
	byHost := make(map[string]wire.MappingSnapshot, len(snapshots))
	for _, snap := range snapshots {
		byID[snap.ID] = snap
		byHost[strings.ToLower(snap.ExternalDomain)] = snap
	}

	s.mu.Lock()
	s.byID = byID
	s.byHost = byHost
	s.mu.Unlock()
}

func (s *Session) setLandingPage(html, hash string) {
	s.mu.Lock()
	s.landingHTML = html
	s.landingHash = hash
	s.mu.Unlock()
}

func (s *Session) mappingByID(id string) (wire.MappingSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return m, ok
}

// FindMappingByHost implements router.Session.
func (s *Session) FindMappingByHost(host string) (router.Mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byHost[strings.ToLower(host)]
	if !ok {
		return router.Mapping{}, false
	}
	return router.Mapping{ID: m.ID, ExternalDomain: m.ExternalDomain}, true
}

// disconnect sends a best-effort Disconnect message to the Agent ahead
// of the connection being torn down, e.g. on graceful Gateway shutdown.
func (s *Session) disconnect(reason string) {
	if s == nil || s.conn == nil {
		return
	}
	s.conn.SendMessage(wire.NewDisconnect(wire.Disconnect{Reason: reason}))
}

// Forward implements router.Session: it opens a streaming correlation
// slot, sends the Request, and translates tunnel.StreamEvent into
// router.StreamEvent until the response is complete — either a single
// non-chunked Response, or a chunked one closed by its final chunk.
func (s *Session) Forward(ctx context.Context, req *wire.Request) <-chan router.StreamEvent {
	if s == nil || s.conn == nil {
		return nil
	}

	tunnelEvents := s.conn.OpenStream(req.RequestID)
	out := make(chan router.StreamEvent)

	s.conn.SendMessage(wire.NewRequest(*req))

	go func() {
		defer close(out)
		defer s.conn.CloseStream(req.RequestID)

		for {
			select {
			case ev, ok := <-tunnelEvents:
				if !ok {
					return
				}
				select {
				case out <- router.StreamEvent{Initial: ev.Initial, Chunk: ev.Chunk, Err: ev.Err}:
				case <-ctx.Done():
					return
				}
				if ev.Err != nil {
					return
				}
				if ev.Initial != nil && !ev.Initial.HasMoreBody {
					return
				}
				if ev.Chunk != nil && ev.Chunk.IsFinal {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
