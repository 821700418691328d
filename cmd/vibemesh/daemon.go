package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vibemesh/pkg/agent"
	"vibemesh/pkg/config"
	"vibemesh/pkg/registry"
	"vibemesh/pkg/reward"
	"vibemesh/pkg/storage"
	"vibemesh/pkg/store/postgres"
	"vibemesh/pkg/types"
	"vibemesh/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func trackerCmd() *cobra.Command {
	var skipMigrate bool

	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Run the liveness tracker and reward distributor",
		Long: `Start the always-on coordination process: it consumes heartbeats,
maintains the peer registry, accrues rewards per accepted heartbeat,
sweeps offline devices, and distributes reward batches on a timer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if !skipMigrate {
				if err := postgres.Migrate(cfg.Database.URI); err != nil {
					return fmt.Errorf("failed to migrate database: %w", err)
				}
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			pool, err := postgres.Connect(ctx, cfg.Database.URI)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			conn, err := connectBus(cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			rewardStore := postgres.NewRewardStore(pool)
			engine, err := reward.NewEngine(rewardStore, cfg.RewardPolicy(), logger)
			if err != nil {
				return fmt.Errorf("failed to build reward engine: %w", err)
			}

			registryStore := postgres.NewRegistryStore(pool, cfg.Liveness.Timeout)
			tracker := registry.NewTracker(registryStore, conn, engine, registry.TrackerConfig{
				Timeout:       cfg.Liveness.Timeout,
				SweepInterval: cfg.Liveness.SweepInterval,
			}, logger)
			if err := tracker.Start(ctx); err != nil {
				return fmt.Errorf("failed to start tracker: %w", err)
			}
			defer tracker.Stop()

			distributor := reward.NewDistributor(rewardStore, reward.NewLogLedger(logger), reward.DistributorConfig{
				Interval:        cfg.Reward.DistributionInterval,
				MinDistribution: reward.FromDisplay(cfg.Reward.MinDistribution),
			}, logger)
			go distributor.Run(ctx)

			logger.Info("tracker running",
				zap.Duration("liveness_timeout", cfg.Liveness.Timeout),
				zap.Duration("sweep_interval", cfg.Liveness.SweepInterval),
				zap.Duration("distribution_interval", cfg.Reward.DistributionInterval))

			<-ctx.Done()
			logger.Info("shutting down tracker")
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not run schema migrations on startup")
	return cmd
}

func providerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Run a storage provider daemon",
		Long: `Start a storage provider: it accepts encrypted replica snapshots on
its sync subject, keeps only the newest version per owner, and serves
ciphertext back on request. It never sees an owner's passphrase.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Device.ID == "" {
				return fmt.Errorf("device id is required")
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			if err := os.MkdirAll(filepath.Dir(cfg.Provider.IndexPath), 0o755); err != nil {
				return fmt.Errorf("failed to create index directory: %w", err)
			}
			index, err := storage.OpenIndex(cfg.Provider.IndexPath, types.DeviceID(cfg.Device.ID))
			if err != nil {
				return fmt.Errorf("failed to open replica index: %w", err)
			}
			defer index.Close()

			conn, err := connectBus(cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			var maxBytes int64
			if cfg.Provider.Capacity != "" {
				maxBytes, err = utils.ParseDataSize(cfg.Provider.Capacity)
				if err != nil {
					return fmt.Errorf("invalid provider capacity: %w", err)
				}
			}

			provider := storage.NewProvider(storage.ProviderConfig{
				DeviceID:      types.DeviceID(cfg.Device.ID),
				DataDir:       cfg.Provider.DataDir,
				MaxTotalBytes: maxBytes,
			}, conn, index, logger)
			if err := provider.Start(ctx); err != nil {
				return fmt.Errorf("failed to start provider: %w", err)
			}
			defer provider.Stop()

			// The provider advertises itself like any other device.
			hbAgent := agent.New(agentConfigFromFile(cfg), conn, nil, logger)
			go hbAgent.Run(ctx)

			stats, err := provider.Stats(ctx)
			if err == nil {
				logger.Info("provider running",
					zap.String("device_id", cfg.Device.ID),
					zap.String("data_dir", cfg.Provider.DataDir),
					zap.Int("replicas", stats.Replicas),
					zap.String("used", utils.FormatDataSize(stats.TotalBytes)))
			}

			<-ctx.Done()
			logger.Info("shutting down provider")
			return nil
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device-side agent",
		Long: `Start the device agent: it announces the device, publishes heartbeats
on the configured cadence, and, when replication is configured, pushes
encrypted database snapshots to the device's storage provider.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Device.ID == "" {
				return fmt.Errorf("device id is required")
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			conn, err := connectBus(cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			var replicator *storage.Client
			if cfg.Replication.DatabasePath != "" {
				if cfg.Replication.ProviderDeviceID == "" {
					return fmt.Errorf("replication requires a provider device id")
				}
				if cfg.Replication.Passphrase == "" {
					return fmt.Errorf("replication requires a passphrase (VIBEMESH_REPLICATION_PASSPHRASE)")
				}
				replicator = storage.NewClient(replicationConfigFromFile(cfg), conn, logger)
			}

			a := agent.New(agentConfigFromFile(cfg), conn, replicator, logger)
			logger.Info("agent running",
				zap.String("device_id", cfg.Device.ID),
				zap.Duration("heartbeat_interval", cfg.Liveness.HeartbeatInterval),
				zap.Bool("replication", replicator != nil))
			a.Run(ctx)

			logger.Info("shutting down agent")
			return nil
		},
	}
	return cmd
}

func agentConfigFromFile(cfg *config.Config) agent.Config {
	caps := make([]string, len(cfg.Device.Capabilities))
	copy(caps, cfg.Device.Capabilities)
	return agent.Config{
		DeviceID:          types.DeviceID(cfg.Device.ID),
		OwnerUserID:       types.UserID(cfg.Device.OwnerUserID),
		DeviceType:        types.DeviceType(cfg.Device.Type),
		WalletAddress:     cfg.Device.WalletAddress,
		Capabilities:      caps,
		HeartbeatInterval: cfg.Liveness.HeartbeatInterval,
		Resources:         cfg.DeviceResources(),
	}
}

func replicationConfigFromFile(cfg *config.Config) storage.ClientConfig {
	return storage.ClientConfig{
		OwnerDeviceID:    types.DeviceID(cfg.Device.ID),
		ProviderDeviceID: types.DeviceID(cfg.Replication.ProviderDeviceID),
		DatabasePath:     cfg.Replication.DatabasePath,
		Passphrase:       cfg.Replication.Passphrase,
		Interval:         cfg.Replication.Interval,
		AckTimeout:       cfg.Replication.AckTimeout,
		MaxAttempts:      cfg.Replication.MaxAttempts,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := postgres.Migrate(cfg.Database.URI); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
