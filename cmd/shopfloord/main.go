package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/spf13/cobra"

	"shopfloor-backend/config"
	"shopfloor-backend/internal/api"
	"shopfloor-backend/internal/db"
	"shopfloor-backend/internal/notification"
	"shopfloor-backend/internal/service"
	"shopfloor-backend/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "shopfloord",
		Short:        "Work-session time tracking backend for production and fulfillment",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (default $CONFIG_PATH or ./config/config.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newSweepCmd(&configPath),
	)
	return root
}

// app is the process-wide wiring shared by the commands.
type app struct {
	logger  *log.Logger
	cfg     *config.Config
	store   store.Store
	batches store.BatchStore
	webpush *webpush.Options
	pool    *notification.WorkerPool
	closers []func(context.Context) error
}

func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "./config/config.yaml" // Default path for local development
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	logger := log.New(os.Stdout, "shopfloor-backend ", log.LstdFlags)

	path := resolveConfigPath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	logger.Printf("configuration loaded successfully from %s", path)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Println("database initialized successfully")

	a := &app{logger: logger, cfg: cfg, store: store.NewGormStore(gormDB)}
	if err := a.store.SeedStages(ctx, db.DefaultStages); err != nil {
		return nil, fmt.Errorf("failed to seed stages: %w", err)
	}

	switch cfg.Database.BatchBackend {
	case "mongo":
		mdb, err := store.NewMongoDB(cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, mdb.Close)
		if a.batches, err = store.NewMongoBatchStore(ctx, mdb); err != nil {
			return nil, err
		}
		logger.Printf("batch documents stored in MongoDB database %s", cfg.Mongo.Database)
	case "gorm":
		a.batches = store.NewGormBatchStore(gormDB)
	default:
		return nil, fmt.Errorf("unsupported batch backend %q", cfg.Database.BatchBackend)
	}

	if cfg.Push.Enabled() {
		a.webpush = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		a.pool = notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, a.webpush)
	} else {
		logger.Println("VAPID keys are not configured; push notifications are disabled")
	}
	return a, nil
}

// notifier returns the push pool, or a no-op when push is disabled.
func (a *app) notifier() service.Notifier {
	if a.pool == nil {
		return service.NopNotifier{}
	}
	return a.pool
}

func (a *app) handler() *api.Handler {
	return api.NewHandler(a.cfg, a.store, a.batches, a.notifier(), nil, a.webpush)
}

func (a *app) close(ctx context.Context) {
	for _, c := range a.closers {
		if err := c(ctx); err != nil {
			a.logger.Printf("error during close: %v", err)
		}
	}
}
