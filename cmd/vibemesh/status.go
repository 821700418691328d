package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vibemesh/pkg/registry"
	"vibemesh/pkg/reward"
	"vibemesh/pkg/store/postgres"
	"vibemesh/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// Style definitions
var (
	primaryColor = lipgloss.Color("#FF79C6") // Pink
	accentColor  = lipgloss.Color("#50FA7B") // Green
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Comment
	bgLightColor = lipgloss.Color("#44475A") // Current Line
	fgColor      = lipgloss.Color("#F8F8F2") // Foreground
	cyanColor    = lipgloss.Color("#8BE9FD") // Cyan

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

func statusCmd() *cobra.Command {
	var onlineOnly bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registry and reward ledger status",
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

			registryStore := postgres.NewRegistryStore(pool, cfg.Liveness.Timeout)
			devices, err := registryStore.QueryDevices(ctx, registry.Filter{OnlineOnly: onlineOnly})
			if err != nil {
				return fmt.Errorf("failed to query devices: %w", err)
			}

			ledger, err := postgres.NewRewardStore(pool).ListLedger(ctx)
			if err != nil {
				return fmt.Errorf("failed to read ledger: %w", err)
			}

			fmt.Println(renderDevicePanel(devices, cfg.Liveness.Timeout))
			fmt.Println(renderLedgerPanel(ledger))
			return nil
		},
	}

	cmd.Flags().BoolVar(&onlineOnly, "online", false, "only show devices currently online")
	return cmd
}

func renderDevicePanel(devices []registry.DeviceStatus, timeout time.Duration) string {
	var content strings.Builder

	online := 0
	for _, d := range devices {
		if d.Online {
			online++
		}
	}
	content.WriteString(mutedStyle.Render(
		fmt.Sprintf("%d devices, %d online (timeout %s)", len(devices), online, timeout)))
	content.WriteString("\n")

	if len(devices) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == 0 {
					return headerStyle
				}
				return rowStyle.Foreground(fgColor)
			})

		t.Headers("DEVICE ID", "OWNER", "TYPE", "STATUS", "CAPABILITIES", "LAST SEEN")

		for _, d := range devices {
			status := onlineStyle.Render("🟢 ONLINE")
			if !d.Online {
				status = offlineStyle.Render("🔴 OFFLINE")
			}
			if d.Device.Disabled {
				status = mutedStyle.Render("⛔ DISABLED")
			}

			lastSeen := "never"
			if !d.Liveness.LastSeen.IsZero() {
				lastSeen = formatAgo(time.Since(d.Liveness.LastSeen))
			}

			t.Row(
				string(d.Device.ID),
				string(d.Device.OwnerUserID),
				string(d.Device.Type),
				status,
				joinCapabilities(d.Device.Capabilities),
				lastSeen,
			)
		}
		content.WriteString(t.Render())
	}

	title := titleStyle.Render("Devices")
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, content.String()))
}

func renderLedgerPanel(entries []types.RewardLedgerEntry) string {
	var content strings.Builder

	var pending, lifetime reward.Amount
	for _, e := range entries {
		pending += reward.Amount(e.PendingBalance)
		lifetime += reward.Amount(e.LifetimeEarned)
	}
	content.WriteString(mutedStyle.Render(
		fmt.Sprintf("pending %s, lifetime %s across %d devices",
			reward.FormatVibe(pending), reward.FormatVibe(lifetime), len(entries))))
	content.WriteString("\n")

	if len(entries) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == 0 {
					return headerStyle
				}
				return rowStyle.Foreground(fgColor)
			})

		t.Headers("DEVICE ID", "WALLET", "PENDING", "LIFETIME", "LAST ACCRUAL")

		for _, e := range entries {
			lastAccrual := "never"
			if !e.LastAccrualAt.IsZero() && e.LastAccrualAt.Unix() > 0 {
				lastAccrual = formatAgo(time.Since(e.LastAccrualAt))
			}
			t.Row(
				string(e.DeviceID),
				truncate(e.WalletAddress, 16),
				reward.FormatVibe(reward.Amount(e.PendingBalance)),
				reward.FormatVibe(reward.Amount(e.LifetimeEarned)),
				lastAccrual,
			)
		}
		content.WriteString(t.Render())
	}

	title := titleStyle.Render("Reward Ledger")
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, content.String()))
}

func joinCapabilities(caps []types.Capability) string {
	if len(caps) == 0 {
		return "-"
	}
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
