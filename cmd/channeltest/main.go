// channeltest connects to the configured backend and streams change
// events from one table to the console.
// Usage: go run ./cmd/channeltest --config configs/syncd.local.yaml --table messages
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lumenforum/livesync/internal/config"
	"github.com/lumenforum/livesync/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/syncd.local.yaml", "path to config file")
	table := flag.String("table", "messages", "table to subscribe to")
	filter := flag.String("filter", "", "optional column=value filter")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client := buildTransport(cfg, logger)

	logger.Info("connecting", "driver", cfg.Backend.Driver)
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	var events, channelErrors atomic.Int64

	sub, err := client.Subscribe(ctx, transport.SubscribeRequest{
		Table:  *table,
		Filter: *filter,
		OnEvent: func(ev transport.ChangeEvent) {
			events.Add(1)
			printEvent(ev, *verbose)
		},
		OnStatus: func(st transport.ChannelStatus, err error) {
			if st == transport.StatusChannelError {
				channelErrors.Add(1)
			}
			logger.Info("channel status", "status", string(st), "error", err)
		},
	})
	if err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("stats", "events", events.Load(), "channel_errors", channelErrors.Load())
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop",
		"table", *table,
		"filter", *filter,
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutdown complete")
}

func buildTransport(cfg *config.SyncConfig, logger *slog.Logger) transport.Transport {
	if cfg.Backend.Driver == "postgres" {
		return transport.NewPG(transport.PGConfig{
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
	}

	rest := transport.NewRestClient(
		cfg.Backend.RestURL,
		cfg.Backend.APIKey,
		transport.WithTimeout(cfg.Backend.Timeout),
		transport.WithLogger(logger),
	)
	return transport.NewWS(transport.WSConfig{
		RealtimeURL:      cfg.Backend.RealtimeURL,
		RestURL:          cfg.Backend.RestURL,
		AccessToken:      cfg.Backend.APIKey,
		PingInterval:     cfg.Realtime.HeartbeatInterval,
		SubscribeTimeout: cfg.Realtime.SubscribeTimeout,
	}, rest, logger)
}

func printEvent(ev transport.ChangeEvent, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Printf("[%s] %s\n", ev.Type, data)
		return
	}

	row := ev.Record()
	fmt.Printf("[%s] table=%s id=%v received=%s\n",
		ev.Type, ev.Table, row["id"], ev.ReceivedAt.Format(time.RFC3339))
}
