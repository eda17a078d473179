package main

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/octoporty/octoporty/internal/edgeproxy"
	"github.com/octoporty/octoporty/internal/gatewayconn"
)

// diagnosticRateLimit bounds how often /test/* probes may hit the
// edge-proxy admin API, so a misbehaving local script can't hammer it.
const diagnosticRateLimit = rate.Limit(1) // 1 request/sec, burst 3

// mountDiagnostics wires the localhost-only /test/* probe group: a
// live edge-proxy config dump and a tunnel connectivity summary,
// adapted from the teacher's node-probe concept into a Gateway-local
// diagnostic surface (§12).
func mountDiagnostics(engine *gin.Engine, edgeCtl *edgeproxy.Controller, manager *gatewayconn.Manager) {
	limiter := rate.NewLimiter(diagnosticRateLimit, 3)

	group := engine.Group("/test")
	group.Use(localhostOnly(), rateLimited(limiter))

	group.GET("/edgeproxy", func(c *gin.Context) {
		cfg, err := edgeCtl.GetConfig(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", cfg)
	})

	group.GET("/tunnel", func(c *gin.Context) {
		session := manager.Current()
		c.JSON(http.StatusOK, gin.H{
			"agent_connected": session != nil,
			"edge_proxy_ok":   edgeCtl.Healthy(c.Request.Context()),
		})
	})
}

func localhostOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

func rateLimited(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
