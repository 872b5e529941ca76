package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/accelerator/internal/accelerator"
	"github.com/rickgao/accelerator/internal/config"
	"github.com/rickgao/accelerator/internal/database"
	"github.com/rickgao/accelerator/internal/metrics"
	"github.com/rickgao/accelerator/internal/queue"
	"github.com/rickgao/accelerator/internal/writer"
)

const shutdownTimeout = 30 * time.Second

func watchCommand(args *cliArgs) *cli.Command {
	return &cli.Command{
		Name:        "watch",
		Usage:       "Subscribe to the configured accounts",
		Description: "Streams transactions for every watched account and optionally stores them in PostgreSQL",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(args)
			if err != nil {
				return err
			}
			return runWatch(c.Context, cfg, logger)
		},
	}
}

func runWatch(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.Watch) == 0 {
		return errors.New("watch: no accounts configured")
	}

	ctx, cancel := signalContext(parent, logger)
	defer cancel()

	collector := metrics.NewCollector()

	// Optional database sink
	var (
		pool   *pgxpool.Pool
		events *queue.Queue[accelerator.TransactionEvent]
		txw    *writer.TransactionWriter
	)
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		var err error
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		events = queue.New[accelerator.TransactionEvent](cfg.Writer.BufferSize)
		collector.WatchQueue("transactions", func() float64 { return float64(events.Len()) })

		txw = writer.NewTransactionWriter(writer.Config{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, events, pool, collector, logger)
		if err := txw.Start(context.Background()); err != nil {
			return err
		}
		defer func() {
			events.Close()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := txw.Stop(stopCtx); err != nil {
				logger.Error("writer stop failed", "error", err)
			}
		}()
	}

	// Relay connection
	mux, err := accelerator.Connect(ctx, cfg.Accelerator.URL,
		accelerator.WithConfig(cfg.Multiplexer()),
		accelerator.WithLogger(logger),
		accelerator.WithObserver(collector),
		accelerator.WithOnStateChange(func(s accelerator.State) {
			logger.Info("connection state changed", "state", s.String())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer mux.Close()

	ids := make([]accelerator.ListenerID, 0, len(cfg.Watch))
	for _, topic := range cfg.Topics() {
		id, err := mux.Subscribe(ctx, topic, transactionHandler(logger, events))
		if err != nil {
			unsubscribeAll(mux, ids, logger)
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		ids = append(ids, id)
		logger.Info("watching account", "topic", topic.String())
	}

	var db Pinger
	if pool != nil {
		db = pool
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			return collector.Serve(gctx, cfg.Metrics.Port, cfg.Metrics.Path, healthHandler(mux, db))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("watcher running", "accounts", len(ids))

	err = g.Wait()

	logger.Info("shutting down...")
	unsubscribeAll(mux, ids, logger)
	logger.Info("watcher stopped", "reconnects", mux.Stats().Reconnects)
	return err
}

// transactionHandler logs each transaction and hands it to the writer queue
// when one is configured. Push never blocks the dispatch goroutine.
func transactionHandler(logger *slog.Logger, events *queue.Queue[accelerator.TransactionEvent]) accelerator.TransactionHandler {
	return func(ev accelerator.TransactionEvent) {
		logger.Debug("transaction",
			"topic", ev.Topic.String(),
			"subscription_id", string(ev.SubscriptionID),
			"size", len(ev.Bytes),
		)
		if events != nil && !events.Push(ev) {
			logger.Warn("writer queue closed, dropping transaction", "topic", ev.Topic.String())
		}
	}
}

func unsubscribeAll(mux *accelerator.Multiplexer, ids []accelerator.ListenerID, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, id := range ids {
		if err := mux.Unsubscribe(ctx, id); err != nil {
			logger.Warn("unsubscribe failed", "listener_id", string(id), "error", err)
		}
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource is satisfied by *accelerator.Multiplexer.
type StatsSource interface {
	Stats() accelerator.Stats
}

// healthHandler reports relay state and, when db is non-nil, database reachability.
func healthHandler(mux StatsSource, db Pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats := mux.Stats()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status: "healthy",
			Components: map[string]any{
				"relay": map[string]any{
					"state":         stats.State.String(),
					"subscriptions": stats.Subscriptions,
					"listeners":     stats.Listeners,
					"reconnects":    stats.Reconnects,
				},
			},
		}

		switch stats.State {
		case accelerator.StateConnected:
		case accelerator.StateReconnecting:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
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
}
