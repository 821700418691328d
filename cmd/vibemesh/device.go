package main

import (
	"context"
	"fmt"

	"vibemesh/pkg/store/postgres"
	"vibemesh/pkg/types"

	"github.com/spf13/cobra"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Administer registered devices",
	}
	cmd.AddCommand(deviceSetDisabledCmd("disable", true), deviceSetDisabledCmd("enable", false), deviceInfoCmd())
	return cmd
}

// A disabled device keeps heartbeating and accruing state, but the router
// treats it as offline until re-enabled.
func deviceSetDisabledCmd(verb string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <device-id>",
		Short: verb + " a device for routing",
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

			store := postgres.NewRegistryStore(pool, cfg.Liveness.Timeout)
			if err := store.SetDisabled(ctx, types.DeviceID(args[0]), disabled); err != nil {
				return err
			}

			fmt.Printf("device %s %sd\n", args[0], verb)
			return nil
		},
	}
}

func deviceInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <device-id>",
		Short: "Show one device's registration and liveness",
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

			store := postgres.NewRegistryStore(pool, cfg.Liveness.Timeout)
			status, err := store.GetDevice(ctx, types.DeviceID(args[0]))
			if err != nil {
				return err
			}

			fmt.Printf("device:       %s\n", status.Device.ID)
			fmt.Printf("owner:        %s\n", status.Device.OwnerUserID)
			fmt.Printf("type:         %s\n", status.Device.Type)
			fmt.Printf("wallet:       %s\n", status.Device.WalletAddress)
			fmt.Printf("capabilities: %s\n", joinCapabilities(status.Device.Capabilities))
			fmt.Printf("online:       %t\n", status.Online)
			fmt.Printf("disabled:     %t\n", status.Device.Disabled)
			fmt.Printf("last seen:    %s\n", status.Liveness.LastSeen.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
}
