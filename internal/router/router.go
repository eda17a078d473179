// Package router implements the request router (C7): gin middleware
// that turns an inbound HTTP request into a wire.Request/Response
// round-trip over the active Gateway↔Agent tunnel connection. Grounded
// in the teacher's internal/interfaces/http/handlers/forward package
// (the reverse-proxy request/response translation) and its
// middleware/recovery.go logging conventions, generalized from the
// teacher's synchronous forward-rule dispatch to the tunnel's
// streaming Response/ResponseBodyChunk protocol.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/octoporty/octoporty/internal/logger"
	appErrors "github.com/octoporty/octoporty/internal/shared/errors"
	"github.com/octoporty/octoporty/internal/wire"
)

const (
	// maxBodyBytes is the request body cap (§4.7.3): the core does not
	// stream request bodies upstream in v1.
	maxBodyBytes = 10 * 1024 * 1024
	// maxRequestIDLen bounds a caller-supplied X-Octoporty-Request-Id.
	maxRequestIDLen = 64
	// responseTimeout bounds the wait from send to the final stream event.
	responseTimeout = 30 * time.Second
)

var hopByHopResponseHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// Mapping is the subset of a mapping snapshot the router needs to
// resolve a request's target tunnel mapping.
type Mapping struct {
	ID             string
	ExternalDomain string
}

// Session is the active Gateway↔Agent connection as seen by the
// router: mapping lookup, streaming forward, and route self-healing.
type Session interface {
	// FindMappingByHost returns the mapping whose external domain
	// matches host (case-insensitive, port stripped), if any.
	FindMappingByHost(host string) (Mapping, bool)
	// Forward sends req over the tunnel and returns a channel of
	// streaming events, mirroring tunnel.Connection.OpenStream semantics.
	// A nil channel (rather than one that's closed with zero events)
	// signals "no active tunnel connection".
	Forward(ctx context.Context, req *wire.Request) <-chan StreamEvent
}

// StreamEvent is the router's view of one delivered response event.
type StreamEvent struct {
	Initial *wire.Response
	Chunk   *wire.ResponseBodyChunk
	Err     error
}

// RouteHealer removes a mapping's edge-proxy route when its tunnel is
// found to be absent, so future requests short-circuit at the edge.
type RouteHealer interface {
	Delete(ctx context.Context, mappingID string) error
}

// Router builds the gin middleware that proxies unmatched requests
// over the tunnel.
type Router struct {
	session Session
	healer  RouteHealer
	log     logger.Interface
}

// New constructs a Router.
func New(session Session, healer RouteHealer, log logger.Interface) *Router {
	return &Router{session: session, healer: healer, log: log.Named("router")}
}

// Handler returns the gin.HandlerFunc to mount as the catch-all route.
func (r *Router) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r.handle(c)
	}
}

func (r *Router) handle(c *gin.Context) {
	mapping, ok := r.identifyMapping(c.Request)
	if !ok {
		writeAppError(c, appErrors.NewNoTunnelError("No tunnel configured for this host"))
		return
	}

	requestID := deriveRequestID(c.Request)
	log := r.log.With(zap.String("mapping_id", mapping.ID), zap.String("request_id", requestID))

	body, appErr, ok := readCappedBody(c.Request, maxBodyBytes)
	if !ok {
		writeAppError(c, appErr)
		return
	}

	headers := make(map[string][]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		headers[name] = values
	}

	wireReq := &wire.Request{
		RequestID:   requestID,
		MappingID:   mapping.ID,
		Method:      c.Request.Method,
		PathQuery:   requestURI(c.Request),
		Headers:     headers,
		InitialBody: body,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), responseTimeout)
	defer cancel()

	events := r.session.Forward(ctx, wireReq)
	if events == nil {
		r.selfHeal(log, mapping.ID)
		writeAppError(c, appErrors.NewNoTunnelError("No tunnel configured for this host"))
		return
	}

	r.relay(ctx, c, events, mapping.ID, requestURI(c.Request), log)
}

// selfHeal deletes the edge-proxy route for a mapping whose tunnel
// turned out to be absent, so later requests short-circuit at the edge
// instead of reaching a Gateway with no Agent behind it (§4.7.6).
func (r *Router) selfHeal(log logger.Interface, mappingID string) {
	log.Warnw("no active tunnel connection, self-healing route")
	if err := r.healer.Delete(context.Background(), mappingID); err != nil {
		log.Warnw("failed to delete stale edge-proxy route", "error", err)
	}
}

func (r *Router) relay(ctx context.Context, c *gin.Context, events <-chan StreamEvent, mappingID, reqPath string, log logger.Interface) {
	wroteHeader := false
	received := false

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					if !wroteHeader {
						writeAppError(c, appErrors.NewUpstreamTimeoutError("upstream request timed out"))
					}
					return
				}
				if !received {
					r.selfHeal(log, mappingID)
					if !wroteHeader {
						writeAppError(c, appErrors.NewNoTunnelError("No tunnel configured for this host"))
					}
				}
				return
			}
			received = true

			if ev.Err != nil {
				if !wroteHeader {
					writeAppError(c, forwardAppError(ev.Err))
				}
				return
			}

			if ev.Initial != nil && !wroteHeader {
				writeInitial(c, ev.Initial, reqPath)
				wroteHeader = true
				if !ev.Initial.HasMoreBody {
					return
				}
			}
			if ev.Chunk != nil {
				if len(ev.Chunk.Bytes) > 0 {
					_, _ = c.Writer.Write(ev.Chunk.Bytes)
				}
				if ev.Chunk.IsFinal {
					return
				}
			}
		case <-ctx.Done():
			if !wroteHeader {
				writeAppError(c, appErrors.NewUpstreamTimeoutError("upstream request timed out"))
			}
			return
		}
	}
}

// forwardAppError maps a forwarding failure to its AppError, preserving
// the Code/Message a pending-request or tunnel-closed failure already
// carries (see internal/shared/errors.ErrTunnelClosed) and otherwise
// classifying a bare context.DeadlineExceeded as an upstream timeout.
func forwardAppError(err error) *appErrors.AppError {
	if appErr := appErrors.GetAppError(err); appErr != nil {
		return appErr
	}
	if err == context.DeadlineExceeded {
		return appErrors.NewUpstreamTimeoutError("upstream request timed out")
	}
	return appErrors.NewBadGatewayError("upstream request failed")
}

// writeAppError writes an AppError's status code and message as the
// HTTP response and aborts the gin context.
func writeAppError(c *gin.Context, err *appErrors.AppError) {
	c.String(err.Code, err.Message)
	c.Abort()
}

func writeInitial(c *gin.Context, resp *wire.Response, reqPath string) {
	for name, values := range resp.Headers {
		if _, hop := hopByHopResponseHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	if c.Writer.Header().Get("Content-Type") == "" {
		if ct := mime.TypeByExtension(filepath.Ext(reqPath)); ct != "" {
			c.Writer.Header().Set("Content-Type", ct)
		}
	}
	c.Writer.WriteHeader(resp.Status)
	if len(resp.InitialBody) > 0 {
		_, _ = c.Writer.Write(resp.InitialBody)
	}
}

func (r *Router) identifyMapping(req *http.Request) (Mapping, bool) {
	if id := req.Header.Get("X-Octoporty-Mapping-Id"); id != "" {
		return Mapping{ID: id}, true
	}

	host := req.Host
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	return r.session.FindMappingByHost(host)
}

func splitHostPort(hostport string) (string, string, error) {
	if idx := strings.LastIndex(hostport, ":"); idx != -1 {
		return hostport[:idx], hostport[idx+1:], nil
	}
	return hostport, "", nil
}

func deriveRequestID(req *http.Request) string {
	id := req.Header.Get("X-Octoporty-Request-Id")
	if id != "" && len(id) <= maxRequestIDLen {
		return id
	}
	return generateRequestID()
}

func generateRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func requestURI(req *http.Request) string {
	if req.URL.RawQuery == "" {
		return req.URL.Path
	}
	return req.URL.Path + "?" + req.URL.RawQuery
}

func readCappedBody(req *http.Request, limit int64) ([]byte, *appErrors.AppError, bool) {
	if req.ContentLength > limit {
		return nil, appErrors.NewPayloadTooLargeError(http.StatusText(http.StatusRequestEntityTooLarge)), false
	}
	limited := io.LimitReader(req.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, appErrors.NewBadGatewayError("failed to read request body"), false
	}
	if int64(len(body)) > limit {
		return nil, appErrors.NewPayloadTooLargeError(http.StatusText(http.StatusRequestEntityTooLarge)), false
	}
	return body, nil, true
}
