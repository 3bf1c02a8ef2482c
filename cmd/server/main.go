package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/fracex/internal/api"
	"github.com/xtrntr/fracex/internal/auth"
	"github.com/xtrntr/fracex/internal/config"
	"github.com/xtrntr/fracex/internal/db"
	"github.com/xtrntr/fracex/internal/events"
	"github.com/xtrntr/fracex/internal/exchange"
	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/logging"
	"github.com/xtrntr/fracex/internal/memdb"
	"github.com/xtrntr/fracex/internal/pricing"
	"github.com/xtrntr/fracex/internal/simulator"
)

const bookDepth = 10

var configPath string

var rootCmd = &cobra.Command{
	Use:          "fracex-server",
	Short:        "Runs the fractional asset exchange",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), configPath)
	},
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := events.NewHub(log.Named("ws"))
	publisher := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log.Named("kafka"))
		defer kp.Close()
		publisher = append(publisher, kp)
		log.Info("publishing events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}

	ex := exchange.New(store, exchange.Options{
		FeeRate:   cfg.FeeRate,
		Workers:   cfg.MatchWorkers,
		QueueSize: cfg.MatchQueueSize,
		Logger:    log.Named("exchange"),
		Publisher: publisher,
	})
	pricer := pricing.New(store)
	sim := simulator.New(store, pricer, simulator.Options{
		Interval:  cfg.SimulatorInterval,
		Logger:    log.Named("simulator"),
		Publisher: publisher,
		Expirer:   ex,
	})

	handler := api.NewHandler(ex, pricer, auth.NewVerifier(cfg.JWTSecret), log.Named("api"))
	router := cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})(api.NewRouter(handler, hub))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ex.Run(gctx) })
	g.Go(func() error { return sim.Run(gctx) })
	g.Go(func() error { return matchResting(gctx, ex, log.Named("exchange")) })
	g.Go(func() error {
		broadcastOrderBooks(gctx, ex, hub, cfg.BookBroadcast, log)
		return nil
	})
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("server stopped", zap.Error(err))
	return err
}

// openStore connects to PostgreSQL, or falls back to the in-memory ledger
// when no database URL is configured.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (ledger.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("no database configured, using in-memory ledger")
		return memdb.New(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL, db.WithMaxRetries(cfg.MaxTxRetries), db.WithLogger(log.Named("db")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close(ctx)
		return nil, nil, err
	}
	return database, func() { database.Close(context.Background()) }, nil
}

// matchResting schedules one pass per asset so orders left crossed by a
// previous run are matched.
func matchResting(ctx context.Context, ex *exchange.Exchange, log *zap.Logger) error {
	assets, err := ex.Assets(ctx)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	for _, a := range assets {
		if err := ex.Enqueue(ctx, a.ID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("schedule resting match failed", zap.String("asset_id", a.ID.String()), zap.Error(err))
		}
	}
	log.Info("resting orders scheduled", zap.Int("assets", len(assets)))
	return nil
}

// broadcastOrderBooks pushes a book snapshot for every asset to live-feed
// clients each interval.
func broadcastOrderBooks(ctx context.Context, ex *exchange.Exchange, hub *events.Hub, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if hub.Clients() == 0 {
			continue
		}
		assets, err := ex.Assets(ctx)
		if err != nil {
			log.Warn("list assets for broadcast", zap.Error(err))
			continue
		}
		for _, a := range assets {
			snap, err := ex.GetOrderBook(ctx, a.ID, bookDepth)
			if err != nil {
				log.Warn("order book snapshot failed", zap.String("asset_id", a.ID.String()), zap.Error(err))
				continue
			}
			hub.Publish(ctx, events.Event{
				Type:      events.TypeOrderBook,
				AssetID:   a.ID,
				OrderBook: snap,
				At:        time.Now().UTC(),
			})
		}
	}
}
