// Package forwarder is the Agent-side request dispatcher (C9): for
// each received Request, it resolves the mapping, dials the internal
// service, and streams the response back as Response/ResponseBodyChunk
// messages. Grounded in the teacher's forwarder.Manager
// (internal/infrastructure/services/forwarder/forwarder.go) for the
// mutex-guarded rule map and logger.With(...) structured-field
// convention, generalized from raw TCP/UDP copying to HTTP request
// dispatch.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/wire"
)

const (
	// singleShotBodyThreshold is the upstream Content-Length at or below
	// which the whole response is sent as one Response frame.
	singleShotBodyThreshold = 256 * 1024
	// chunkSize is the size of each ResponseBodyChunk for streamed bodies.
	chunkSize = 64 * 1024
)

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Sender is the subset of tunnel.Connection the forwarder needs:
// enqueue an outbound message without blocking.
type Sender interface {
	SendMessage(msg *wire.Message)
}

// Forwarder dispatches received Request messages to internal services.
type Forwarder struct {
	mu       sync.RWMutex
	mappings map[string]wire.MappingSnapshot

	strictClient     *http.Client
	selfSignedClient *http.Client
	log              logger.Interface
}

// New constructs a Forwarder with no mappings loaded yet; call
// SetMappings after each ConfigSync.
func New(log logger.Interface) *Forwarder {
	return &Forwarder{
		mappings:         make(map[string]wire.MappingSnapshot),
		strictClient:     newStrictClient(),
		selfSignedClient: newSelfSignedTolerantClient(),
		log:              log.Named("forwarder"),
	}
}

// SetMappings atomically replaces the in-memory mapping store.
func (f *Forwarder) SetMappings(snapshots []wire.MappingSnapshot) {
	next := make(map[string]wire.MappingSnapshot, len(snapshots))
	for _, s := range snapshots {
		next[s.ID] = s
	}
	f.mu.Lock()
	f.mappings = next
	f.mu.Unlock()
}

func (f *Forwarder) lookup(mappingID string) (wire.MappingSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.mappings[mappingID]
	return m, ok
}

// Forward dispatches req to its mapping's internal service and streams
// the response back via send.
func (f *Forwarder) Forward(ctx context.Context, req *wire.Request, send Sender) {
	log := f.log.With(zap.String("request_id", req.RequestID), zap.String("mapping_id", req.MappingID))

	mapping, ok := f.lookup(req.MappingID)
	if !ok {
		send.SendMessage(wire.NewResponse(wire.Response{
			RequestID: req.RequestID,
			Status:    http.StatusNotFound,
		}))
		return
	}

	scheme := "http"
	if mapping.InternalUseTLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, mapping.InternalHost, mapping.InternalPort, req.PathQuery)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader(req.InitialBody))
	if err != nil {
		log.Warnw("build upstream request failed", "error", err)
		send.SendMessage(wire.NewResponse(wire.Response{RequestID: req.RequestID, Status: http.StatusBadGateway}))
		return
	}

	for name, values := range req.Headers {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		if http.CanonicalHeaderKey(name) == "Host" {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("X-Octoporty-Request-Id", req.RequestID)
	httpReq.Header.Set("X-Forwarded-Proto", "https")

	client := f.strictClient
	if mapping.AllowSelfSigned {
		client = f.selfSignedClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		status := http.StatusBadGateway
		message := "Bad Gateway: upstream service unavailable"
		if ctx.Err() != nil {
			status = http.StatusGatewayTimeout
			message = "Gateway Timeout"
		}
		log.Warnw("upstream request failed", "error", err)
		send.SendMessage(wire.NewResponse(wire.Response{
			RequestID:   req.RequestID,
			Status:      status,
			InitialBody: []byte(message),
		}))
		return
	}
	defer resp.Body.Close()

	headers := make(map[string][]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = values
	}

	if resp.ContentLength >= 0 && resp.ContentLength <= singleShotBodyThreshold {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			log.Warnw("read upstream body failed", "error", err)
			send.SendMessage(wire.NewResponse(wire.Response{RequestID: req.RequestID, Status: http.StatusBadGateway}))
			return
		}
		send.SendMessage(wire.NewResponse(wire.Response{
			RequestID:   req.RequestID,
			Status:      resp.StatusCode,
			Headers:     headers,
			InitialBody: body,
		}))
		return
	}

	send.SendMessage(wire.NewResponse(wire.Response{
		RequestID:   req.RequestID,
		Status:      resp.StatusCode,
		Headers:     headers,
		HasMoreBody: true,
	}))

	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			send.SendMessage(wire.NewResponseBodyChunk(wire.ResponseBodyChunk{RequestID: req.RequestID, Bytes: chunk}))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			log.Warnw("stream upstream body failed", "error", readErr)
			break
		}
	}
	// A terminal empty final chunk always closes the stream
	// unambiguously, even if the loop above broke on an error.
	send.SendMessage(wire.NewResponseBodyChunk(wire.ResponseBodyChunk{RequestID: req.RequestID, IsFinal: true}))
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return &byteReader{b: body}
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
