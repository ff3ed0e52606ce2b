package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/internal/handlers"
	"github.com/telhawk-systems/logstream/internal/remote"
	"github.com/telhawk-systems/logstream/internal/server"
	"github.com/telhawk-systems/logstream/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poller as a long-lived service",
	Long: `Run the poll scheduler and the event channel as a daemon. Queries are
submitted through the control API; emitted batches go to the sinks enabled in
the configuration. With metrics.enabled the control API, health checks and
Prometheus metrics are served on metrics.addr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "control API listen address (overrides metrics.addr, implies metrics.enabled)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = addr
	}

	slog.Info("Starting logstream service",
		slog.String("transport", cfg.Remote.Transport),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("log_format", cfg.Logging.Format),
	)
	if cfgFile != "" {
		slog.Info("Loaded configuration", slog.String("config_path", cfgFile))
	}
	slog.Info("Sinks configured",
		slog.Bool("nats_publish", cfg.NATS.Publish),
		slog.Bool("jetstream", cfg.NATS.JetStream),
		slog.Bool("opensearch", cfg.OpenSearch.Enabled),
		slog.Bool("redis_status", cfg.Redis.Enabled),
		slog.Bool("correlation", cfg.Correlation.Enabled),
	)

	svc, err := service.Build(ctx, cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer svc.Close()

	if len(cfg.Channel.Filters) > 0 {
		if _, err := svc.InstallFilter(ctx, remote.FilterSpec{Filters: cfg.Channel.Filters}); err != nil {
			return fmt.Errorf("failed to install channel filters: %w", err)
		}
	}

	// The service outlives the signal so shutdown can clear the channel and
	// cancel jobs while the sinks still drain.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(runCtx)
	})

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           server.NewRouter(handlers.New(svc), cfg.Metrics.Path, logger.Logger),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Control API listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			slog.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	if len(cfg.Channel.Filters) > 0 {
		clearCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := svc.ClearFilter(clearCtx, false); err != nil {
			slog.Warn("Failed to clear channel filters", logging.Error(err))
		}
		cancel()
	}
	cancelled := svc.CancelAll(context.Background())
	cancelRun()

	err = g.Wait()
	slog.Info("Service stopped", slog.Int("cancelled_jobs", cancelled))
	return err
}
