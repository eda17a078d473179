package tunnel

import (
	"sync"

	"github.com/octoporty/octoporty/internal/wire"
)

// streamChannelCapacity is the bound on a single request's streaming
// event channel (§4.3): full sends block, giving body chunks real
// backpressure instead of the outbound queue's drop-oldest policy.
const streamChannelCapacity = 100

// StreamEvent is one item delivered to a streaming correlation's
// channel: either the initial response (with optional first body
// bytes) or a later body chunk. Err is set once, as the terminal event,
// when the connection is disposed while the stream is still open.
type StreamEvent struct {
	Initial *wire.Response
	Chunk   *wire.ResponseBodyChunk
	Err     error
}

// PendingResult is delivered exactly once to a registered pending
// slot: either the correlated message, or Err when the connection was
// disposed (or the slot cancelled) before a reply arrived.
type PendingResult struct {
	Msg *wire.Message
	Err error
}

// correlator owns the pending single-shot and streaming correlation
// tables described in §4.3: request id -> completion slot, and request
// id -> bounded in-order event channel.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan PendingResult
	streams map[string]chan StreamEvent
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[string]chan PendingResult),
		streams: make(map[string]chan StreamEvent),
	}
}

// RegisterPending opens a one-shot completion slot for requestID. The
// returned channel receives exactly one PendingResult.
func (c *correlator) RegisterPending(requestID string) <-chan PendingResult {
	ch := make(chan PendingResult, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

// CancelPending removes a pending slot without resolving it (used on
// caller-side timeout, so a later stray resolution doesn't panic on a
// closed channel).
func (c *correlator) CancelPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// OpenStream opens a bounded streaming slot for requestID.
func (c *correlator) OpenStream(requestID string) <-chan StreamEvent {
	ch := make(chan StreamEvent, streamChannelCapacity)
	c.mu.Lock()
	c.streams[requestID] = ch
	c.mu.Unlock()
	return ch
}

// CloseStream removes and closes a streaming slot, if present.
func (c *correlator) CloseStream(requestID string) {
	c.mu.Lock()
	ch, ok := c.streams[requestID]
	if ok {
		delete(c.streams, requestID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// resolvePending delivers msg to requestID's pending slot, if any, and
// reports whether one was found.
func (c *correlator) resolvePending(requestID string, msg *wire.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- PendingResult{Msg: msg}
	return true
}

// hasStream reports whether requestID has an open streaming slot.
func (c *correlator) hasStream(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[requestID]
	return ok
}

// pushStream writes an event to requestID's streaming slot. It blocks
// if the channel is full (real backpressure) and is a no-op if no
// stream is open — the orphan case the caller logs separately.
func (c *correlator) pushStream(requestID string, ev StreamEvent) bool {
	c.mu.Lock()
	ch, ok := c.streams[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ev
	return true
}

// disposeAll fails every pending single-shot with err and delivers a
// terminal error event to every open stream, then clears both tables.
// Called once, when the connection is torn down.
func (c *correlator) disposeAll(err error) {
	c.mu.Lock()
	pending := c.pending
	streams := c.streams
	c.pending = make(map[string]chan PendingResult)
	c.streams = make(map[string]chan StreamEvent)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- PendingResult{Err: err}
		close(ch)
	}
	for _, ch := range streams {
		ch <- StreamEvent{Err: err}
		close(ch)
	}
}
