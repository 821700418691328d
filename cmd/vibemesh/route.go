package main

import (
	"context"
	"fmt"

	"vibemesh/pkg/registry"
	"vibemesh/pkg/router"
	"vibemesh/pkg/store/postgres"
	"vibemesh/pkg/types"

	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <username>",
		Short: "Resolve a username to a routed target",
		Long: `Resolve a username against the routing table and current liveness:
the primary device when it is online, the fallback provider in
replica-serve mode when it is not, or a no-route error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			pool, err := postgres.Connect(ctx, cfg.Database.URI)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			reg := registry.New(postgres.NewRegistryStore(pool, cfg.Liveness.Timeout))
			r := router.New(postgres.NewRoutingStore(pool), reg, router.Config{
				CacheTTL: cfg.Router.CacheTTL,
			}, logger)

			target, err := r.Resolve(ctx, args[0])
			if err != nil {
				return err
			}

			switch target.Mode {
			case types.RouteLive:
				fmt.Printf("%s -> %s (live)\n", args[0], target.DeviceID)
			case types.RouteReplicaServe:
				fmt.Printf("%s -> %s (replica-serve, owner %s)\n",
					args[0], target.DeviceID, target.OwnerDeviceID)
			}
			return nil
		},
	}
	return cmd
}

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage routing table entries",
	}
	cmd.AddCommand(routeSetCmd(), routeShowCmd())
	return cmd
}

func routeSetCmd() *cobra.Command {
	var fallback string

	cmd := &cobra.Command{
		Use:   "set <username> <primary-device-id>",
		Short: "Create or update a routing entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			pool, err := postgres.Connect(ctx, cfg.Database.URI)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			entry := types.RoutingEntry{
				Username:         args[0],
				PrimaryDeviceID:  types.DeviceID(args[1]),
				FallbackProvider: types.DeviceID(fallback),
			}
			if err := postgres.NewRoutingStore(pool).Upsert(ctx, entry); err != nil {
				return fmt.Errorf("failed to store route: %w", err)
			}

			fmt.Printf("route set: %s -> %s", entry.Username, entry.PrimaryDeviceID)
			if entry.FallbackProvider != "" {
				fmt.Printf(" (fallback %s)", entry.FallbackProvider)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&fallback, "fallback", "", "fallback storage provider device id")
	return cmd
}

func routeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <username>",
		Short: "Show the stored routing entry for a username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			pool, err := postgres.Connect(ctx, cfg.Database.URI)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			entry, err := postgres.NewRoutingStore(pool).Get(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("username: %s\n", entry.Username)
			fmt.Printf("primary:  %s\n", entry.PrimaryDeviceID)
			if entry.FallbackProvider != "" {
				fmt.Printf("fallback: %s\n", entry.FallbackProvider)
			}
			return nil
		},
	}
}
