package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (client, server *Transport, teardown func()) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh <- conn
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	serverConn := <-serverCh

	client = New(clientConn)
	server = New(serverConn)

	return client, server, func() {
		client.Close()
		server.Close()
		srv.Close()
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	client, server, teardown := newPair(t)
	defer teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, []byte("hello")))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestCloseIsIdempotentAndSurfacesErrClosed(t *testing.T) {
	client, server, teardown := newPair(t)
	defer teardown()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close()) // second call is a no-op

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
