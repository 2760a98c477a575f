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

	"github.com/spf13/cobra"

	"shopfloor-backend/internal/api"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the inactivity sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Create a context that can be cancelled
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			logger := a.logger

			if a.pool != nil {
				a.pool.Start(ctx)
			}

			handler := a.handler()
			go handler.Sweeper().Run(ctx)

			router := api.NewRouter(handler, a.cfg)
			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler: router,
			}

			// Start the server in a goroutine
			go func() {
				logger.Printf("HTTP server starting on port %d", a.cfg.Server.Port)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatalf("HTTP server ListenAndServe: %v", err)
				}
			}()

			// Setup signal handling for graceful shutdown
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			// Block until a signal is received.
			<-stop
			logger.Println("Shutdown signal received, stopping services...")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("HTTP server Shutdown: %w", err)
			}

			logger.Println("Server gracefully stopped")
			return nil
		},
	}
}

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Auto-stop inactive timers of every workflow once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			// The process exits before queued pushes could be delivered.
			a.pool = nil

			res, err := a.handler().Sweeper().SweepOnce(ctx, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %d sessions and %d batch workers\n", res.Sessions, res.BatchWorkers)
			return nil
		},
	}
}
