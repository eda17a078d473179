package gatewayconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/octoporty/octoporty/internal/edgeproxy"
	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/logring"
	"github.com/octoporty/octoporty/internal/update"
	"github.com/octoporty/octoporty/internal/wire"
	"github.com/octoporty/octoporty/sdk/tunnelmsg"
)

func testLogger() logger.Interface {
	return logger.NewLoggerWithZap(zap.NewNop())
}

type testConfSource struct{}

func (testConfSource) ListEnabledMappings() ([]tunnelmsg.Mapping, error) { return nil, nil }
func (testConfSource) GetLandingPage() (string, string, error)           { return "<html/>", "abc123", nil }
func (testConfSource) OnChange(fn func()) func()                        { return func() {} }

func newTestAcceptor(t *testing.T, apiKey string) (*Acceptor, *Manager) {
	t.Helper()
	caddy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(caddy.Close)

	ec := edgeproxy.NewController(caddy.URL, "127.0.0.1:9000", testLogger())
	ring := logring.New(100)
	upd := update.NewService(false, t.TempDir()+"/signal.json", "1.0.0", testLogger())
	manager := NewManager(ec, testLogger())

	acc := NewAcceptor(apiKey, "1.0.0", testConfSource{}, manager, ec, ring, upd, testLogger())
	return acc, manager
}

func TestServeHTTPRejectsBadPreUpgradeKey(t *testing.T) {
	acc, _ := newTestAcceptor(t, "correct-key")
	server := httptest.NewServer(http.HandlerFunc(acc.ServeHTTP))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", "wrong-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeSucceedsAndRegistersSession(t *testing.T) {
	acc, manager := newTestAcceptor(t, "correct-key")
	server := httptest.NewServer(http.HandlerFunc(acc.ServeHTTP))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("X-Api-Key", "correct-key")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	authFrame, err := wire.Encode(wire.NewAuth(wire.Auth{ApiKey: "correct-key", AgentVersion: "1.2.3"}))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, authFrame))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAuthResult, msg.Type)
	assert.True(t, msg.AuthResult.Success)
	assert.Equal(t, "abc123", msg.AuthResult.LandingPageHash)

	require.Eventually(t, func() bool {
		return manager.Current() != nil
	}, time.Second, 10*time.Millisecond)
}

func TestForwardSingleShotResponseClosesPromptly(t *testing.T) {
	acc, manager := newTestAcceptor(t, "correct-key")
	server := httptest.NewServer(http.HandlerFunc(acc.ServeHTTP))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("X-Api-Key", "correct-key")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	authFrame, err := wire.Encode(wire.NewAuth(wire.Auth{ApiKey: "correct-key", AgentVersion: "1.2.3"}))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, authFrame))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAuthResult, msg.Type)

	require.Eventually(t, func() bool {
		return manager.Current() != nil
	}, time.Second, 10*time.Millisecond)

	// Simulate the Agent-side forwarder (internal/forwarder) answering a
	// small request with exactly one non-chunked Response, as it does
	// for any Content-Length <= 256 KiB body — no ResponseBodyChunk ever
	// follows.
	go func() {
		_, reqData, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reqMsg, err := wire.Decode(reqData)
		if err != nil || reqMsg.Type != wire.TypeRequest {
			return
		}
		respFrame, err := wire.Encode(wire.NewResponse(wire.Response{
			RequestID:   reqMsg.Request.RequestID,
			Status:      http.StatusOK,
			Headers:     map[string][]string{"X-Foo": {"bar"}},
			InitialBody: []byte("world"),
			HasMoreBody: false,
		}))
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, respFrame)
	}()

	events := manager.Forward(context.Background(), &wire.Request{RequestID: "r1", MappingID: "m1", Method: "GET", PathQuery: "/hello"})
	require.NotNil(t, events)

	select {
	case ev, ok := <-events:
		require.True(t, ok)
		require.NotNil(t, ev.Initial)
		assert.False(t, ev.Initial.HasMoreBody)
		assert.Equal(t, "world", string(ev.Initial.InitialBody))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for single-shot response event")
	}

	// A Response{HasMoreBody:false} is itself terminal: the stream must
	// close immediately without waiting for a chunk that never arrives.
	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should be closed after the single-shot response")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream to close after single-shot response")
	}
}

func TestHandshakeRejectsBadAuthKey(t *testing.T) {
	acc, _ := newTestAcceptor(t, "correct-key")
	server := httptest.NewServer(http.HandlerFunc(acc.ServeHTTP))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("X-Api-Key", "correct-key")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	authFrame, err := wire.Encode(wire.NewAuth(wire.Auth{ApiKey: "wrong-key"}))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, authFrame))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAuthResult, msg.Type)
	assert.False(t, msg.AuthResult.Success)
}
