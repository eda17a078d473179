package gatewayconn

import (
	"context"
	"time"

	"github.com/octoporty/octoporty/internal/edgeproxy"
	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/logring"
	"github.com/octoporty/octoporty/internal/update"
	"github.com/octoporty/octoporty/internal/wire"
)

// Handler implements tunnel.Handler for the Gateway side: the §4.6
// inbound dispatch table for everything the generic Connection doesn't
// already correlate (Response/ResponseBodyChunk/GetLogsResponse).
type Handler struct {
	session   *Session
	edgeproxy *edgeproxy.Controller
	ring      *logring.Ring
	update    *update.Service
	startedAt time.Time
	log       logger.Interface
}

// NewHandler constructs the per-connection Gateway message handler.
func NewHandler(session *Session, ec *edgeproxy.Controller, ring *logring.Ring, upd *update.Service, log logger.Interface) *Handler {
	return &Handler{
		session:   session,
		edgeproxy: ec,
		ring:      ring,
		update:    upd,
		startedAt: time.Now(),
		log:       log.Named("gatewayconn"),
	}
}

// HandleMessage implements tunnel.Handler.
func (h *Handler) HandleMessage(ctx context.Context, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeConfigSync:
		h.handleConfigSync(ctx, msg.ConfigSync)
	case wire.TypeHeartbeat:
		h.handleHeartbeat(msg.Heartbeat)
	case wire.TypeDisconnect:
		h.log.Infow("agent disconnecting", "reason", msg.Disconnect.Reason)
	case wire.TypeUpdateRequest:
		h.handleUpdateRequest(msg.UpdateRequest)
	case wire.TypeGetLogsRequest:
		h.handleGetLogsRequest(msg.GetLogsRequest)
	default:
		h.log.Warnw("unhandled message type", "type", msg.Type.String())
	}
}

func (h *Handler) handleConfigSync(ctx context.Context, cs *wire.ConfigSync) {
	h.session.setMappings(cs.Mappings)
	if cs.LandingPageHTML != "" || cs.LandingPageHash != "" {
		h.session.setLandingPage(cs.LandingPageHTML, cs.LandingPageHash)
	}

	routes := make([]edgeproxy.Route, 0, len(cs.Mappings))
	for _, m := range cs.Mappings {
		routes = append(routes, edgeproxy.Route{MappingID: m.ID, ExternalHost: m.ExternalDomain})
	}

	ack := wire.ConfigAck{Success: true, ConfigHash: cs.ConfigHash}
	if err := h.edgeproxy.Reconcile(ctx, routes); err != nil {
		h.log.Warnw("reconcile edge-proxy routes failed", "error", err)
		ack = wire.ConfigAck{Success: false, Error: err.Error(), ConfigHash: cs.ConfigHash}
	}

	h.session.conn.SendMessage(wire.NewConfigAck(ack))
}

func (h *Handler) handleHeartbeat(hb *wire.Heartbeat) {
	h.session.conn.SendMessage(wire.NewHeartbeatAck(wire.HeartbeatAck{
		EchoedTimestampMs: hb.TimestampMs,
		ServerTimestampMs: time.Now().UnixMilli(),
		UptimeSeconds:     int64(time.Since(h.startedAt).Seconds()),
	}))
}

func (h *Handler) handleUpdateRequest(req *wire.UpdateRequest) {
	resp := h.update.HandleUpdateRequest(req, time.Now)
	h.session.conn.SendMessage(wire.NewUpdateResponse(*resp))

	if resp.Status == wire.UpdateStatusQueued {
		h.session.conn.SendMessage(wire.NewDisconnect(wire.Disconnect{
			Reason: "Gateway update queued - restart imminent",
		}))
	}
}

func (h *Handler) handleGetLogsRequest(req *wire.GetLogsRequest) {
	entries, hasMore := h.ring.Query(req.BeforeID, req.Count)

	wireEntries := make([]wire.LogEntryWire, 0, len(entries))
	for _, e := range entries {
		wireEntries = append(wireEntries, wire.LogEntryWire{
			ID:      e.ID,
			UnixMs:  e.UnixMs,
			Level:   wire.LogLevel(e.Level),
			Message: e.Message,
		})
	}

	h.session.conn.SendMessage(wire.NewGetLogsResponse(wire.GetLogsResponse{
		RequestID: req.RequestID,
		Entries:   wireEntries,
		HasMore:   hasMore,
	}))
}
