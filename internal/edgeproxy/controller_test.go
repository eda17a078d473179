package edgeproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/octoporty/octoporty/internal/logger"
)

type fakeCaddy struct {
	mu      sync.Mutex
	routes  map[string]bool
	patches int
	posts   int
	deletes int
}

func newFakeCaddy() *fakeCaddy {
	return &fakeCaddy{routes: make(map[string]bool)}
}

func (f *fakeCaddy) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodPatch:
			f.patches++
			id := r.URL.Path[len("/id/"):]
			if !f.routes[id] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			f.posts++
			f.routes["octoporty-m1"] = true // test only ever adds m1
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			f.deletes++
			id := r.URL.Path[len("/id/"):]
			if !f.routes[id] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.routes, id)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		}
	}
}

func testLogger() logger.Interface {
	return logger.NewLoggerWithZap(zap.NewNop())
}

func TestReconcileAddsThenIsIdempotent(t *testing.T) {
	caddy := newFakeCaddy()
	srv := httptest.NewServer(caddy.handler())
	defer srv.Close()

	c := NewController(srv.URL, "gateway:8080", testLogger())
	ctx := context.Background()

	err := c.Reconcile(ctx, []Route{{MappingID: "m1", ExternalHost: "app.test"}})
	require.NoError(t, err)

	caddy.mu.Lock()
	assert.Equal(t, 1, caddy.posts)
	firstPatches := caddy.patches
	caddy.mu.Unlock()

	// Second reconcile of the same set should upsert via PATCH (route
	// already present) and make zero additional POSTs.
	err = c.Reconcile(ctx, []Route{{MappingID: "m1", ExternalHost: "app.test"}})
	require.NoError(t, err)

	caddy.mu.Lock()
	defer caddy.mu.Unlock()
	assert.Equal(t, 1, caddy.posts)
	assert.Greater(t, caddy.patches, firstPatches)
}

func TestReconcileDeletesStaleRoutes(t *testing.T) {
	caddy := newFakeCaddy()
	srv := httptest.NewServer(caddy.handler())
	defer srv.Close()

	c := NewController(srv.URL, "gateway:8080", testLogger())
	ctx := context.Background()

	require.NoError(t, c.Reconcile(ctx, []Route{{MappingID: "m1", ExternalHost: "app.test"}}))
	require.NoError(t, c.Reconcile(ctx, []Route{})) // m1 dropped from the sync

	caddy.mu.Lock()
	defer caddy.mu.Unlock()
	assert.Equal(t, 1, caddy.deletes)
	assert.False(t, caddy.routes["octoporty-m1"])
}

func TestHealthyReflectsAdminAPIReachability(t *testing.T) {
	caddy := newFakeCaddy()
	srv := httptest.NewServer(caddy.handler())
	defer srv.Close()

	c := NewController(srv.URL, "gateway:8080", testLogger())
	assert.True(t, c.Healthy(context.Background()))

	deadController := NewController("http://127.0.0.1:1", "gateway:8080", testLogger())
	assert.False(t, deadController.Healthy(context.Background()))
}
