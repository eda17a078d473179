// Package edgeproxy reconciles port-mapping configuration against the
// edge TLS terminator's (Caddy) admin API: idempotent route upsert and
// delete, tracking believed-present routes, plus health and
// get-config queries. Grounded in the teacher's GitHubReleaseService
// (internal/infrastructure/services/github_release.go) for the
// http.Client-with-timeout, logger.Interface-injected service shape.
package edgeproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/octoporty/octoporty/internal/logger"
)

const httpTimeout = 10 * time.Second

// Route is the desired edge-proxy route for one enabled port mapping.
type Route struct {
	MappingID    string
	ExternalHost string
}

// routeObject mirrors Caddy's JSON route shape (§6), field names
// preserved exactly as the admin API expects them.
type routeObject struct {
	ID     string        `json:"@id"`
	Match  []matchObject `json:"match"`
	Handle []handleObject `json:"handle"`
}

type matchObject struct {
	Host []string `json:"host"`
}

type handleObject struct {
	Handler   string           `json:"handler"`
	Upstreams []upstreamObject `json:"upstreams"`
	Headers   headerObject     `json:"headers"`
}

type upstreamObject struct {
	Dial string `json:"dial"`
}

type headerObject struct {
	Request requestHeaderObject `json:"request"`
}

type requestHeaderObject struct {
	Set map[string][]string `json:"set"`
}

// Controller reconciles port mappings against the edge proxy.
type Controller struct {
	adminURL     string
	gatewayAddr  string
	httpClient   *http.Client
	log          logger.Interface

	mu    sync.Mutex
	known map[string]struct{} // mapping ids believed present
}

// NewController constructs a Controller. gatewayAddr is the
// host:port the edge proxy should dial to reach this Gateway process.
func NewController(adminURL, gatewayAddr string, log logger.Interface) *Controller {
	return &Controller{
		adminURL:    adminURL,
		gatewayAddr: gatewayAddr,
		httpClient:  &http.Client{Timeout: httpTimeout},
		log:         log.Named("edgeproxy"),
		known:       make(map[string]struct{}),
	}
}

func routeID(mappingID string) string {
	return fmt.Sprintf("octoporty-%s", mappingID)
}

// Reconcile ensures a route exists for every entry in desired and
// removes any previously-known route id no longer present, implementing
// the idempotent upsert/delete policy in §4.8.
func (c *Controller) Reconcile(ctx context.Context, desired []Route) error {
	desiredIDs := make(map[string]struct{}, len(desired))

	for _, route := range desired {
		desiredIDs[route.MappingID] = struct{}{}
		if err := c.upsert(ctx, route); err != nil {
			c.log.Warnw("upsert route failed", "mapping_id", route.MappingID, "error", err)
			continue
		}
		c.mu.Lock()
		c.known[route.MappingID] = struct{}{}
		c.mu.Unlock()
	}

	c.mu.Lock()
	var stale []string
	for id := range c.known {
		if _, ok := desiredIDs[id]; !ok {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		if err := c.Delete(ctx, id); err != nil {
			c.log.Warnw("delete stale route failed", "mapping_id", id, "error", err)
		}
	}

	return nil
}

// upsert tries PATCH (update by id) first, falling back to POST (add)
// when the route doesn't exist yet.
func (c *Controller) upsert(ctx context.Context, route Route) error {
	obj := routeObject{
		ID: routeID(route.MappingID),
		Match: []matchObject{{Host: []string{route.ExternalHost}}},
		Handle: []handleObject{{
			Handler:   "reverse_proxy",
			Upstreams: []upstreamObject{{Dial: c.gatewayAddr}},
			Headers: headerObject{Request: requestHeaderObject{
				Set: map[string][]string{"X-Octoporty-Mapping-Id": {route.MappingID}},
			}},
		}},
	}

	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}

	patchURL := fmt.Sprintf("%s/id/%s", c.adminURL, obj.ID)
	status, err := c.do(ctx, http.MethodPatch, patchURL, body)
	if err == nil && status < 300 {
		return nil
	}

	postURL := fmt.Sprintf("%s/config/apps/http/servers/srv0/routes", c.adminURL)
	status, err = c.do(ctx, http.MethodPost, postURL, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("add route: unexpected status %d", status)
	}
	return nil
}

// Delete removes a route by mapping id. A 404 is treated as success —
// the route is already absent, which is the desired end state.
func (c *Controller) Delete(ctx context.Context, mappingID string) error {
	url := fmt.Sprintf("%s/id/%s", c.adminURL, routeID(mappingID))
	status, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNotFound && status >= 300 {
		return fmt.Errorf("delete route: unexpected status %d", status)
	}

	c.mu.Lock()
	delete(c.known, mappingID)
	c.mu.Unlock()
	return nil
}

// Healthy reports whether the admin API is reachable.
func (c *Controller) Healthy(ctx context.Context) bool {
	status, err := c.do(ctx, http.MethodGet, c.adminURL+"/config/", nil)
	return err == nil && status < 500
}

// GetConfig returns the edge proxy's full live JSON configuration, used
// by the diagnostic view.
func (c *Controller) GetConfig(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminURL+"/config/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read config body: %w", err)
	}
	return data, nil
}

func (c *Controller) do(ctx context.Context, method, url string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
