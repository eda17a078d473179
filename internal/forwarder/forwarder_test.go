package forwarder

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/wire"
)

func testLogger() logger.Interface {
	return logger.NewLoggerWithZap(zap.NewNop())
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []*wire.Message
}

func (s *recordingSender) SendMessage(msg *wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSender) all() []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func hostPort(t *testing.T, rawurl string) (string, int) {
	t.Helper()
	u := strings.TrimPrefix(rawurl, "http://")
	parts := strings.Split(u, ":")
	require.Len(t, parts, 2)
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)
	return parts[0], port
}

func TestForwardMissingMappingReturns404(t *testing.T) {
	f := New(testLogger())
	sender := &recordingSender{}

	f.Forward(t.Context(), &wire.Request{RequestID: "r1", MappingID: "nope"}, sender)

	msgs := sender.all()
	require.Len(t, msgs, 1)
	require.Equal(t, wire.TypeResponse, msgs[0].Type)
	assert.Equal(t, http.StatusNotFound, msgs[0].Response.Status)
}

func TestForwardSmallBodySentAsSingleResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "r1", r.Header.Get("X-Octoporty-Request-Id"))
		assert.Equal(t, "https", r.Header.Get("X-Forwarded-Proto"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	host, port := hostPort(t, upstream.URL)
	f := New(testLogger())
	f.SetMappings([]wire.MappingSnapshot{{ID: "m1", InternalHost: host, InternalPort: port}})

	sender := &recordingSender{}
	f.Forward(t.Context(), &wire.Request{RequestID: "r1", MappingID: "m1", Method: http.MethodGet, PathQuery: "/"}, sender)

	msgs := sender.all()
	require.Len(t, msgs, 1)
	require.Equal(t, wire.TypeResponse, msgs[0].Type)
	assert.Equal(t, http.StatusOK, msgs[0].Response.Status)
	assert.Equal(t, "hello", string(msgs[0].Response.InitialBody))
	assert.False(t, msgs[0].Response.HasMoreBody)
}

func TestForwardLargeBodyStreamsChunksWithFinal(t *testing.T) {
	large := strings.Repeat("x", singleShotBodyThreshold+1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(large))
	}))
	defer upstream.Close()

	host, port := hostPort(t, upstream.URL)
	f := New(testLogger())
	f.SetMappings([]wire.MappingSnapshot{{ID: "m1", InternalHost: host, InternalPort: port}})

	sender := &recordingSender{}
	f.Forward(t.Context(), &wire.Request{RequestID: "r1", MappingID: "m1", Method: http.MethodGet, PathQuery: "/"}, sender)

	msgs := sender.all()
	require.GreaterOrEqual(t, len(msgs), 2)
	require.Equal(t, wire.TypeResponse, msgs[0].Type)
	assert.True(t, msgs[0].Response.HasMoreBody)

	last := msgs[len(msgs)-1]
	require.Equal(t, wire.TypeResponseBodyChunk, last.Type)
	assert.True(t, last.ResponseBodyChunk.IsFinal)

	var rebuilt strings.Builder
	for _, m := range msgs[1:] {
		rebuilt.Write(m.ResponseBodyChunk.Bytes)
	}
	assert.Equal(t, large, rebuilt.String())
}

func TestForwardConnectionFailureReturns502(t *testing.T) {
	f := New(testLogger())
	f.SetMappings([]wire.MappingSnapshot{{ID: "m1", InternalHost: "127.0.0.1", InternalPort: 1}})

	sender := &recordingSender{}
	f.Forward(t.Context(), &wire.Request{RequestID: "r1", MappingID: "m1", Method: http.MethodGet, PathQuery: "/"}, sender)

	msgs := sender.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, http.StatusBadGateway, msgs[0].Response.Status)
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Connection"))
		assert.Equal(t, "keep", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	host, port := hostPort(t, upstream.URL)
	f := New(testLogger())
	f.SetMappings([]wire.MappingSnapshot{{ID: "m1", InternalHost: host, InternalPort: port}})

	sender := &recordingSender{}
	f.Forward(t.Context(), &wire.Request{
		RequestID: "r1",
		MappingID: "m1",
		Method:    http.MethodGet,
		PathQuery: "/",
		Headers: map[string][]string{
			"Connection": {"keep-alive"},
			"X-Custom":   {"keep"},
		},
	}, sender)

	msgs := sender.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, http.StatusOK, msgs[0].Response.Status)
}
