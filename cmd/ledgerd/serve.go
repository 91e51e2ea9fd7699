package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/bonus-ledger/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Open the implicit tenant eagerly so a bad DSN fails at startup.
	if a.tenants.Implicit() {
		if _, err := a.service(); err != nil {
			return err
		}
	}

	handler := api.NewHandler(a.tenants, a.log)
	router := api.NewRouter(handler, api.RouterOptions{Metrics: a.cfg.Metrics.Enabled})

	server := &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var auditor *api.Auditor
	if a.cfg.Auditor.Enabled {
		auditor = api.NewAuditor(a.tenants, a.cfg.Auditor.Interval, a.log)
		auditor.Start()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.Strings("tenants", a.tenants.IDs()),
			zap.Bool("metrics", a.cfg.Metrics.Enabled),
			zap.Bool("auditor", a.cfg.Auditor.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			a.log.Error("server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if auditor != nil {
		auditor.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	a.log.Info("server stopped")
	return nil
}
