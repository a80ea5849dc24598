// Package cmd defines and implements the CLI commands for the indexer
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/app"
	"github.com/JakeFAU/metaverse-indexer/internal/config"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/dispatcher"
	"github.com/JakeFAU/metaverse-indexer/internal/logging"
	"github.com/JakeFAU/metaverse-indexer/internal/registry"
)

// appKeyType is the key for storing the Services in the context.
type appKeyType string

const appKey appKeyType = "app"

// Services is the application surface commands use. Tests inject a fake.
type Services interface {
	Config() config.Config
	Logger() *zap.Logger
	Clock() crawler.Clock
	Runs() crawler.RunStore
	Content() crawler.ContentStore
	Registry() *registry.Registry
	Invoke(ctx context.Context, platform string, options map[string]any) (crawler.IndexingRun, error)
	DuePlatforms(ctx context.Context, force bool) ([]string, error)
	RunDue(ctx context.Context, force bool) ([]crawler.IndexingRun, error)
	Reclaim(ctx context.Context, maxAge time.Duration) (int, error)
	InvalidateCache(platform string) (int, error)
	NewDispatcher() *dispatcher.Dispatcher
	Close(ctx context.Context) error
}

// newApp is the application factory. It is a variable so tests can swap in
// a fake.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Services, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

type rootOptions struct {
	configPath string
	envFiles   []string
	services   Services
}

// newRootCmd creates the root command and its subcommands. The services it
// builds are recorded on the returned options so the caller can close them
// whatever the command outcome.
func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "indexer",
		Short: "Indexes worlds, scenes and sessions from metaverse platforms.",
		Long: `indexer pulls public content listings from metaverse platforms,
normalizes them into a common record, and keeps a content store in sync.
Runs can be triggered once from the CLI, on a cron schedule, or over the
admin HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application once config is known and stores it in the
		// command context for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFiles...); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			services, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.services = services
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, services))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	cmd.AddCommand(
		newRunCmd(),
		newListCmd(),
		newScheduleCmd(),
		newReclaimCmd(),
		newServeCmd(),
	)
	return cmd, opts
}

func resolveApp(ctx context.Context) (Services, error) {
	services, ok := ctx.Value(appKey).(Services)
	if !ok || services == nil {
		return nil, errors.New("application services not initialized")
	}
	return services, nil
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	cmd, opts := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	err := cmd.ExecuteContext(ctx)
	if opts.services != nil {
		err = errors.Join(err, opts.services.Close(context.WithoutCancel(ctx)))
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
