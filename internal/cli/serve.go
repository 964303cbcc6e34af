package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/mri-api/internal/telemetry"
)

func NewServeCommand(root *RootCommand) *cobra.Command {
	var (
		addr    string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Load the model and serve the classification API.

The process exits non-zero if the model cannot be loaded.`,
		Example: `  # Serve with defaults (0.0.0.0:7860)
  mri-api serve

  # Serve a specific weights file on another port
  MODEL_PATH=/models/efficientnet.onnx mri-api serve --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			if addr != "" {
				cfg.Server.ListenAddr = addr
			}
			if workers > 0 {
				cfg.Server.Workers = workers
			}
			return runServe(cmd.Context(), root, nil)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent predictions (default from config)")

	return cmd
}

// runServe blocks until ctx is done or the server fails. When ln is nil the
// server listens on the configured address.
func runServe(ctx context.Context, root *RootCommand, ln net.Listener) error {
	cfg := root.Config()
	log := root.Logger()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     cliVersion,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store, _, err := root.loadModel(ctx)
	if err != nil {
		log.Error("model failed to load", "error", err)
		return err
	}
	defer func() {
		if err := store.Shutdown(); err != nil {
			log.Warn("model shutdown failed", "error", err)
		}
	}()

	handler, err := newHTTPHandler(cfg, store, log)
	if err != nil {
		return err
	}
	server := newHTTPServer(cfg, handler)

	if ln == nil {
		ln, err = net.Listen("tcp", server.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", server.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			"addr", ln.Addr().String(),
			"workers", cfg.Server.WorkerCount(),
			"version", cliVersion,
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutD)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown timed out, waiting for in-flight predictions", "error", err)
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
