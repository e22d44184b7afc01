package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"llm_access/internal/httpapi"
	"llm_access/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Create all dependencies
			deps, err := httpapi.NewDependencies(ctx, a.cfg)
			if err != nil {
				return err
			}

			if migrate {
				if err := deps.DB.Migrate(ctx); err != nil {
					deps.Shutdown(context.Background())
					return err
				}
			}

			// workers outlive the signal so they can drain on shutdown
			deps.Start(context.WithoutCancel(ctx))

			// Create HTTP server
			addr := ":" + a.cfg.HTTPPort
			server := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewRouter(deps),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      a.cfg.Provider.RequestTimeout + 30*time.Second,
				IdleTimeout:       120 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logging.Infof("llm-access listening on %s", addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
				logging.Infof("Shutting down server...")
			case err = <-serveErr:
				logging.Errorf("Server error: %v", err)
			}

			// Graceful shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if serr := server.Shutdown(shutdownCtx); serr != nil {
				logging.Warningf("Server forced to shutdown: %v", serr)
			}

			// in-flight requests are done; drain workers and sinks, close the store last
			if derr := deps.Shutdown(shutdownCtx); derr != nil {
				logging.Errorf("Failed to close store: %v", derr)
			}

			logging.Infof("Server exited")
			return err
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")

	return cmd
}
