package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/driftmsg/chatbridge/internal/archive"
	"github.com/driftmsg/chatbridge/internal/config"
	"github.com/driftmsg/chatbridge/internal/connection"
	"github.com/driftmsg/chatbridge/internal/database"
	"github.com/driftmsg/chatbridge/internal/token"
	"github.com/driftmsg/chatbridge/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/bridge.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bridge",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"server_url", cfg.Server.URL,
		"archive_enabled", cfg.Archive.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Resolve the initial bearer token
	initialToken, err := resolveToken(cfg.Server)
	if err != nil {
		logger.Error("failed to resolve token", "error", err)
		os.Exit(1)
	}
	if initialToken == "" {
		logger.Warn("no token configured, connecting unauthenticated")
	}

	// Connect to database when archiving is on
	var pool *pgxpool.Pool
	var msgWriter *archive.MessageWriter
	var delWriter *archive.DeliveryWriter

	if cfg.Archive.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)

		pool, err = database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		logger.Info("database connected")

		writerCfg := archive.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}
		msgWriter = archive.NewMessageWriter(writerCfg, pool, logger)
		delWriter = archive.NewDeliveryWriter(writerCfg, pool, logger)

		if err := msgWriter.Start(ctx); err != nil {
			logger.Error("failed to start message writer", "error", err)
			os.Exit(1)
		}
		if err := delWriter.Start(ctx); err != nil {
			logger.Error("failed to start delivery writer", "error", err)
			os.Exit(1)
		}
	}

	// Create Connection Manager
	mgrCfg := connection.DefaultManagerConfig()
	mgrCfg.URL = cfg.Server.URL
	mgrCfg.Origin = cfg.Server.Origin
	mgrCfg.AuthTimeout = cfg.Connection.AuthTimeout
	mgrCfg.Client.HandshakeTimeout = cfg.Connection.HandshakeTimeout
	mgrCfg.Client.PingInterval = cfg.Connection.PingInterval
	mgrCfg.Client.PingTimeout = cfg.Connection.PingTimeout
	mgrCfg.Client.WriteTimeout = cfg.Connection.WriteTimeout
	mgrCfg.Client.BufferSize = cfg.Connection.RecvBuffer

	mgr := connection.NewManager(mgrCfg, logger)

	// Wire archive writers to manager events
	if cfg.Archive.Enabled {
		mgr.OnMessage(func(env connection.Envelope) {
			msgWriter.Enqueue(archive.InboundMessage{
				SessionID: mgr.Stats().SessionID,
				Envelope:  env,
			})
		})
		mgr.OnDelivery(func(ev connection.DeliveryEvent) {
			delWriter.Enqueue(archive.Delivery{
				SessionID: mgr.Stats().SessionID,
				Event:     ev,
			})
		})
	}

	mgr.OnAuth(func(ev connection.AuthEvent) {
		logger.Info("auth outcome", "status", ev.Status, "user_id", ev.UserID, "message", ev.Message)
	})

	// Reconnect on transport loss with the retained token
	reconnect := make(chan struct{}, 1)
	mgr.OnDisconnect(func() {
		select {
		case reconnect <- struct{}{}:
		default:
		}
	})

	// Proactive token refresh
	var refresher *token.Refresher
	if cfg.Auth.RefreshLead > 0 && cfg.Server.TokenFile != "" {
		refresher = token.NewRefresher(
			token.RefresherConfig{Lead: cfg.Auth.RefreshLead},
			mgr,
			fileTokenSource(cfg.Server.TokenFile),
			logger,
		)
		if err := refresher.Start(ctx); err != nil {
			logger.Error("failed to start token refresher", "error", err)
			os.Exit(1)
		}
		refresher.Track(initialToken)
	}

	// Initial connect
	if err := mgr.Connect(ctx, initialToken); err != nil {
		logger.Error("initial connect failed, will retry", "error", err)
		reconnect <- struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Reconnect loop
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reconnect:
			}

			delay := 5 * time.Second
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(delay):
				}

				logger.Info("reconnecting")
				if err := mgr.Connect(gctx, ""); err == nil {
					break
				} else {
					logger.Warn("reconnect failed", "error", err, "retry_in", delay)
				}
			}
		}
	})

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg, mgr, pool, msgWriter, delWriter),
	}

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	// Periodic stats
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats := mgr.Stats()
				logger.Info("stats",
					"connected", stats.Connected,
					"authenticated", stats.Authenticated,
					"buffered", stats.Buffered,
					"pending", stats.Pending,
					"last_id", stats.LastID,
				)
			}
		}
	})

	logger.Info("bridge running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
	}

	logger.Info("shutting down...")

	if refresher != nil {
		refresher.Stop()
	}

	if err := mgr.Disconnect(); err != nil {
		logger.Warn("disconnect", "error", err)
	}

	if cfg.Archive.Enabled {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		msgWriter.Stop(stopCtx)
		delWriter.Stop(stopCtx)
	}

	logger.Info("bridge stopped")
}

// resolveToken picks the configured token, preferring the token file when set.
func resolveToken(srv config.ServerConfig) (string, error) {
	if srv.TokenFile != "" {
		data, err := os.ReadFile(srv.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return srv.Token, nil
}

// fileTokenSource re-reads the token file on every refresh.
func fileTokenSource(path string) token.Source {
	return func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(
	cfg *config.BridgeConfig,
	mgr connection.Manager,
	pool *pgxpool.Pool,
	msgWriter *archive.MessageWriter,
	delWriter *archive.DeliveryWriter,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		stats := mgr.Stats()
		health.Components["connection"] = map[string]interface{}{
			"connected":     stats.Connected,
			"authenticated": stats.Authenticated,
			"buffered":      stats.Buffered,
			"pending":       stats.Pending,
		}
		if !stats.Connected {
			health.Status = "degraded"
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{
			"connection": mgr.Stats(),
		}
		if msgWriter != nil {
			out["messages"] = msgWriter.Stats()
		}
		if delWriter != nil {
			out["deliveries"] = delWriter.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	return mux
}
