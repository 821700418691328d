package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vibemesh/pkg/bus"
	"vibemesh/pkg/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vibemesh",
		Short: "Peer network core: liveness, rewards, replication, routing",
		Long: `vibemesh runs the coordination pieces of a personal device mesh:
a liveness tracker that pays out heartbeat rewards, storage providers
holding encrypted replicas, device agents, and a federated router.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		trackerCmd(),
		providerCmd(),
		agentCmd(),
		syncCmd(),
		fetchCmd(),
		resolveCmd(),
		routeCmd(),
		deviceCmd(),
		statusCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("vibemesh v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func connectBus(cfg *config.Config, logger *zap.Logger) (*bus.Conn, error) {
	conn, err := bus.Connect(bus.Config{
		URL:          cfg.Bus.URL,
		Name:         cfg.Bus.Name,
		DrainTimeout: cfg.Bus.DrainTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	return conn, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}
