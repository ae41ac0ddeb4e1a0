package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/positivef/udo-coordination/internal/config"
	"github.com/positivef/udo-coordination/internal/coordination"
	"github.com/positivef/udo-coordination/internal/httpapi"
	"github.com/positivef/udo-coordination/internal/logging"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination node",
	Long: `Start the coordination hub and serve its HTTP API.

The node opens the shared state store from the configured DSN, starts
the session sweeper and event relay, and listens for session, lock,
conflict, and event-stream requests until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		defer logger.Close()
	}

	hub, err := coordination.NewHub(coordination.Config{Settings: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("build hub: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	defer func() {
		if err := hub.Stop(); err != nil {
			logger.Error("hub shutdown", "error", err)
		}
	}()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(hub, httpapi.ServerConfig{
			EventBuffer:        cfg.Server.EventBufferSize,
			DefaultLockTTL:     cfg.Lock.DefaultTTL(),
			DefaultWaitTimeout: cfg.Lock.WaitTimeout(),
			Logger:             logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordination node listening", "addr", addr, "node_id", hub.NodeID())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	}
}
