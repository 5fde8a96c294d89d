package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenforum/livesync/internal/backoff"
	"github.com/lumenforum/livesync/internal/cache"
	"github.com/lumenforum/livesync/internal/config"
	"github.com/lumenforum/livesync/internal/connection"
	"github.com/lumenforum/livesync/internal/ops"
	"github.com/lumenforum/livesync/internal/realtime"
	"github.com/lumenforum/livesync/internal/session"
	"github.com/lumenforum/livesync/internal/transport"
	"github.com/lumenforum/livesync/internal/version"
	"github.com/lumenforum/livesync/internal/visibility"
)

func main() {
	configPath := flag.String("config", "configs/syncd.local.yaml", "path to config file")
	ownerID := flag.String("owner", "", "owner id whose realtime channel to maintain")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting syncd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if *ownerID == "" {
		logger.Error("missing required -owner flag")
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"driver", cfg.Backend.Driver,
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

	// Session credentials: the API key is the initial access token;
	// refreshed tokens arrive through the source at runtime.
	sess := session.NewSource(session.Credentials{
		AccessToken: cfg.Backend.APIKey,
	}, logger)

	tracker := visibility.NewTracker(logger)

	factory, err := buildFactory(cfg, logger)
	if err != nil {
		logger.Error("invalid transport configuration", "error", err)
		os.Exit(1)
	}

	core := connection.NewCore(connection.Config{
		ProbeInterval:    cfg.Probe.Interval,
		ProbeTimeout:     cfg.Probe.Timeout,
		FailureThreshold: cfg.Probe.FailureThreshold,
	}, factory, sess, tracker, logger)

	opsMgr := ops.NewManager(ops.Config{
		MaxTracked:     cfg.Operations.MaxTracked,
		DefaultTimeout: cfg.Operations.DefaultTimeout,
		SweepInterval:  cfg.Operations.SweepInterval,
		StaleAfter:     cfg.Operations.StaleAfter,
		KeepPrefixes:   cfg.Operations.KeepPrefixes,
	}, logger)

	store := cache.NewStore(logger)
	bridge := cache.NewBridge(store, logger)

	mux := realtime.NewMultiplexer(realtime.Config{
		MessagesTable: cfg.Realtime.MessagesTable,
		StatusTable:   cfg.Realtime.StatusTable,
		Backoff: backoff.Policy{
			Base:       cfg.Realtime.RetryBaseDelay,
			Cap:        cfg.Realtime.RetryMaxDelay,
			MaxRetries: cfg.Realtime.MaxRetries,
		},
	}, core, logger)

	// Start the runtime
	if err := opsMgr.Start(ctx); err != nil {
		logger.Error("failed to start operation manager", "error", err)
		os.Exit(1)
	}
	unbind := opsMgr.BindVisibility(tracker)
	defer unbind()

	logger.Info("connecting to backend")
	if err := core.Start(ctx); err != nil {
		logger.Error("failed to start connection core", "error", err)
		os.Exit(1)
	}

	if err := mux.Initialize(ctx, *ownerID, bridge); err != nil {
		logger.Error("failed to initialize realtime channel", "error", err)
		os.Exit(1)
	}

	logger.Info("syncd running",
		"instance_id", cfg.Instance.ID,
		"owner", *ownerID,
	)

	g, gctx := errgroup.WithContext(ctx)

	// Stats printer
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st := core.Status()
				logger.Info("stats",
					"state", st.State,
					"reconnect_attempts", st.ReconnectAttempts,
					"latency", st.Latency,
					"visible", st.IsVisible,
					"tracked_ops", opsMgr.Tracked(),
					"cache_entries", store.Len(),
					"bridge_rules", bridge.Rules(),
				)
			}
		}
	})

	g.Wait()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	mux.Cleanup()
	core.Stop(shutdownCtx)
	opsMgr.Stop(shutdownCtx)

	logger.Info("syncd stopped")
}

// buildFactory returns the transport constructor for the configured
// driver. The factory runs on every connect and credential refresh, so
// each transport carries the freshest access token.
func buildFactory(cfg *config.SyncConfig, logger *slog.Logger) (connection.Factory, error) {
	switch cfg.Backend.Driver {
	case "ws":
		return func(creds session.Credentials) (transport.Transport, error) {
			rest := transport.NewRestClient(
				cfg.Backend.RestURL,
				creds.AccessToken,
				transport.WithTimeout(cfg.Backend.Timeout),
				transport.WithRetries(cfg.Backend.MaxRetries, time.Second),
				transport.WithLogger(logger),
			)
			ws := transport.NewWS(transport.WSConfig{
				RealtimeURL:      cfg.Backend.RealtimeURL,
				RestURL:          cfg.Backend.RestURL,
				AccessToken:      creds.AccessToken,
				PingInterval:     cfg.Realtime.HeartbeatInterval,
				SubscribeTimeout: cfg.Realtime.SubscribeTimeout,
			}, rest, logger)
			return ws, nil
		}, nil

	case "postgres":
		return func(creds session.Credentials) (transport.Transport, error) {
			pg := transport.NewPG(transport.PGConfig{
				Host:          cfg.Postgres.Host,
				Port:          cfg.Postgres.Port,
				Name:          cfg.Postgres.Name,
				User:          cfg.Postgres.User,
				Password:      cfg.Postgres.Password,
				SSLMode:       cfg.Postgres.SSLMode,
				MaxConns:      cfg.Postgres.MaxConns,
				MinConns:      cfg.Postgres.MinConns,
				NotifyChannel: cfg.Postgres.NotifyChannel,
			}, logger)
			return pg, nil
		}, nil
	}

	// Unreachable after config validation, kept as a safety net.
	return nil, &transport.NetworkError{Op: "configure", Err: os.ErrInvalid}
}
