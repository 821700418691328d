package main

import (
	"context"
	"fmt"
	"os"

	"vibemesh/pkg/storage"
	"vibemesh/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate the local database to the storage provider once",
		Long: `Run a single replication cycle: snapshot the configured database,
encrypt it under the replication passphrase, push it to the provider,
and wait for the acknowledgement.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Replication.DatabasePath == "" || cfg.Replication.ProviderDeviceID == "" {
				return fmt.Errorf("replication database path and provider device id are required")
			}
			if cfg.Replication.Passphrase == "" {
				return fmt.Errorf("replication passphrase is required (VIBEMESH_REPLICATION_PASSPHRASE)")
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			conn, err := connectBus(cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			client := storage.NewClient(replicationConfigFromFile(cfg), conn, logger)
			if err := client.SyncOnce(ctx); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			logger.Info("replica synced",
				zap.String("provider", cfg.Replication.ProviderDeviceID),
				zap.Int64("version", client.LastSyncedVersion()))
			return nil
		},
	}
	return cmd
}

func fetchCmd() *cobra.Command {
	var (
		owner    string
		provider string
		outPath  string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and decrypt a replica from a storage provider",
		Long: `Retrieve the latest encrypted replica for a device from its provider,
decrypt it with the replication passphrase, verify the checksum, and
write the plaintext snapshot to a local file. This is the read path
used when the owning device is offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if owner == "" {
				owner = cfg.Device.ID
			}
			if provider == "" {
				provider = cfg.Replication.ProviderDeviceID
			}
			if owner == "" || provider == "" {
				return fmt.Errorf("owner and provider device ids are required")
			}
			if cfg.Replication.Passphrase == "" {
				return fmt.Errorf("replication passphrase is required (VIBEMESH_REPLICATION_PASSPHRASE)")
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			conn, err := connectBus(cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			plaintext, version, err := storage.FetchReplica(ctx, conn,
				types.DeviceID(provider), types.DeviceID(owner), cfg.Replication.Passphrase)
			if err != nil {
				return fmt.Errorf("fetch failed: %w", err)
			}

			if err := os.WriteFile(outPath, plaintext, 0o600); err != nil {
				return fmt.Errorf("failed to write snapshot: %w", err)
			}

			logger.Info("replica fetched",
				zap.String("owner", owner),
				zap.String("provider", provider),
				zap.Int64("version", version),
				zap.Int("bytes", len(plaintext)),
				zap.String("out", outPath))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owning device id (defaults to this device)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider device id (defaults to configured provider)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "snapshot.db", "output path for the decrypted snapshot")
	return cmd
}
