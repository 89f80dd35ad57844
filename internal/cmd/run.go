package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qreshi/index-management/internal/config"
	"github.com/qreshi/index-management/internal/observability"
	"github.com/qreshi/index-management/internal/server"
	"github.com/qreshi/index-management/pkg/cluster"
	"github.com/qreshi/index-management/pkg/ism"
	"github.com/qreshi/index-management/pkg/lockservice"
	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/policy"
	"github.com/qreshi/index-management/pkg/retry"
	"github.com/qreshi/index-management/pkg/rollup"
	"github.com/qreshi/index-management/pkg/scheduler"
	"github.com/qreshi/index-management/pkg/snapshotrepo"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lifecycle controller",
	Long: `Run the controller daemon: sweep the management index for enabled
jobs, dispatch managed-index and rollup ticks, and serve the status API.

Example:
  indexctl run --config controller.yaml`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if rootLogLevel != "" {
		cfg.Logging.Level = rootLogLevel
	}

	logger, err := observability.Init(cfg.Logging)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	store, err := metastore.NewClient(cfg.Store)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to the metadata store", err)
	}

	locks, err := lockservice.NewRedis(ctx, cfg.Lock, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to the lock service", err)
	}
	defer func() { _ = locks.Close() }()

	var snapshots snapshotrepo.Repository
	if cfg.Snapshots != nil {
		repo, err := snapshotrepo.NewS3(ctx, *cfg.Snapshots)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize the snapshot repository", err)
		}
		snapshots = repo
	}

	osCluster := cluster.NewOpenSearch(store.API())
	ismStore := ism.NewStore(store, cfg.ManagementIndex)
	rollupStore := rollup.NewStore(store, cfg.ManagementIndex)
	searchService := rollup.NewOpenSearchSearchService(store.API())

	ismRunner := ism.NewRunner(ism.RunnerDeps{
		Store:        ismStore,
		Registry:     policy.NewRegistry(store, cfg.ManagementIndex, logger),
		ClusterState: osCluster,
		Admin:        osCluster,
		Settings:     store,
		Snapshots:    snapshots,
		Retry:        retry.Default,
		Audit:        ism.NewAuditWriter(store, cfg.AuditIndex, logger),
		Logger:       logger.Named("ism"),
	})

	rollupRunner := rollup.NewRunner(rollup.RunnerDeps{
		Store:    rollupStore,
		Service:  rollup.NewMetadataService(rollupStore, logger.Named("rollup")),
		Search:   searchService,
		Indexer:  searchService,
		Admin:    osCluster,
		State:    osCluster,
		Retry:    retry.Default,
		Logger:   logger.Named("rollup"),
		PageRate: cfg.Scheduler.PageRate,
	})

	ismSource := ism.NewJobSource(store, cfg.ManagementIndex, logger)
	rollupSource := rollup.NewJobSource(store, cfg.ManagementIndex, logger)

	sched := scheduler.New([]scheduler.Registration{
		{Name: "managed_index", Source: ismSource, Runner: ismRunner},
		{Name: "rollup", Source: rollupSource, Runner: rollupRunner},
	}, locks, scheduler.Config{
		SweepInterval: cfg.Scheduler.SweepInterval,
		JitterFrac:    cfg.Scheduler.Jitter,
	}, logger.Named("scheduler"))

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
			ISMSource:    ismSource,
			RollupSource: rollupSource,
			Logger:       logger.Named("server"),
		})
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Error("Status server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("Controller starting",
		zap.String("management_index", cfg.ManagementIndex))

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Scheduler stopped", err)
	}

	logger.Info("Controller stopped")
	return nil
}
