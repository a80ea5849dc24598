package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/api"
	"github.com/JakeFAU/metaverse-indexer/internal/scheduler"
)

type serveOptions struct {
	cron            string
	reclaimAge      time.Duration
	shutdownTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the admin API and background workers",
		Long: `Starts the admin HTTP API together with the dispatcher worker pool.
With --cron, a scheduler queues every due platform on that cron expression.
The listen port honors PORT when set, for Cloud Run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), services, opts)
		},
	}
	cmd.Flags().StringVar(&opts.cron, "cron", "", "cron expression for scheduler passes (disabled when empty)")
	cmd.Flags().DurationVar(&opts.reclaimAge, "reclaim-age", time.Hour, "fail running runs with older heartbeats at startup (0 disables)")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
	return cmd
}

func serve(ctx context.Context, services Services, opts serveOptions) error {
	cfg := services.Config()
	logger := services.Logger()
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if opts.reclaimAge > 0 {
		if n, err := services.Reclaim(ctx, opts.reclaimAge); err != nil {
			logger.Warn("reclaim stale runs failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("reclaimed stale runs", zap.Int("count", n))
		}
	}

	dispatch := services.NewDispatcher()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		logger.Info("dispatcher started", zap.Int("workers", cfg.Dispatcher.Concurrency))
		dispatch.Run(ctx)
	}()

	if opts.cron != "" {
		sched := scheduler.New(logger.Named("scheduler"))
		err := sched.Start(ctx, opts.cron, func(ctx context.Context) error {
			return queueDue(ctx, services, dispatch)
		})
		if err != nil {
			return err
		}
	}

	apiServer := api.NewServer(api.Config{
		Runs:      services.Runs(),
		Content:   services.Content(),
		Catalog:   services.Registry(),
		Submitter: dispatch,
		Clock:     services.Clock(),
		APIKey:    cfg.Server.APIKey,
		Logger:    logger.Named("api"),
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort(cfg.Server.Port)),
		Handler:           otelhttp.NewHandler(apiServer.Handler(), "admin-api"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		logger.Error("http server error", zap.Error(runErr))
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	stop()
	<-dispatchDone
	logger.Info("shutdown complete")
	return runErr
}

// queueDue submits every due platform to the dispatcher.
func queueDue(ctx context.Context, services Services, dispatch api.Submitter) error {
	due, err := services.DuePlatforms(ctx, false)
	for _, platform := range due {
		inv, subErr := dispatch.Submit(ctx, platform, nil)
		if subErr != nil {
			err = errors.Join(err, subErr)
			continue
		}
		services.Logger().Info("queued scheduled run",
			zap.String("platform", platform),
			zap.String("invocation_id", inv.ID),
		)
	}
	return err
}

func listenPort(configured int) int {
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil && p > 0 {
		return p
	}
	return configured
}
