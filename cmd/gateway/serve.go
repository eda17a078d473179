package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/octoporty/octoporty/internal/config"
	"github.com/octoporty/octoporty/internal/edgeproxy"
	"github.com/octoporty/octoporty/internal/gatewayconn"
	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/logring"
	"github.com/octoporty/octoporty/internal/router"
	"github.com/octoporty/octoporty/internal/update"
	"github.com/octoporty/octoporty/sdk/tunnelmsg"
)

var configPath string

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept tunnel connections and serve the public HTTP listener",
		RunE:  runServe,
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a config file (optional; GATEWAY__* env vars take precedence)")
	return cmd
}

// noConfSource is the Gateway-side stand-in for confsource.Source: the
// Gateway has no configuration of its own to watch, but the Acceptor's
// handshake asks for a landing-page hash to report in AuthResult.
type noConfSource struct{}

func (noConfSource) ListEnabledMappings() ([]tunnelmsg.Mapping, error) { return nil, nil }
func (noConfSource) GetLandingPage() (string, string, error)           { return "", "", nil }
func (noConfSource) OnChange(fn func()) func()                         { return func() {} }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ring := logring.New(logring.DefaultCapacity)
	ringCore := logring.NewCore(ring, zapcore.InfoLevel)
	if err := logger.Init(&cfg.Logger, ringCore); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	log := logger.NewLogger()
	log.Infow("starting gateway", "version", cfg.Gateway.Version)

	edgeCtl := edgeproxy.NewController(cfg.Gateway.CaddyAdminUrl, cfg.Gateway.InternalAddr, log)
	updateSvc := update.NewService(cfg.Gateway.AllowRemoteUpdate, cfg.Gateway.UpdateSignalPath, cfg.Gateway.Version, log)
	manager := gatewayconn.NewManager(edgeCtl, log)
	ring.SetSink(gatewayconn.NewLogSink(manager))

	acceptor := gatewayconn.NewAcceptor(cfg.Gateway.ApiKey, cfg.Gateway.Version, noConfSource{}, manager, edgeCtl, ring, updateSvc, log)
	rtr := router.New(manager, edgeCtl, log)

	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", healthHandler(edgeCtl))
	engine.GET("/tunnel", gin.WrapH(http.HandlerFunc(acceptor.ServeHTTP)))

	mountDiagnostics(engine, edgeCtl, manager)

	engine.NoRoute(rtr.Handler())

	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      engine,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infow("gateway listening", "addr", cfg.Server.GetAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("gateway server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down gateway")
	manager.Shutdown("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("gateway forced shutdown", "error", err)
		return err
	}

	log.Infow("gateway exited gracefully")
	return nil
}

func healthHandler(edgeCtl *edgeproxy.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !edgeCtl.Healthy(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "edge_proxy": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
