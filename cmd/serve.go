package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"botflow/internal/logger"
	v1 "botflow/internal/transport/http/v1"
)

const shutdownTimeout = 15 * time.Second

var addr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if addr != "" {
			cfg.Server.Addr = addr
		}
		h := v1.NewHandler(a.engine, a.graphs, a.writer)
		for name, p := range a.checks {
			h.AddHealthCheck(name, p)
		}
		e := v1.NewServer(h)

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.Server.Addr).Msg("Server started")
			if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
