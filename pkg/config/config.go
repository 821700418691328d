// Package config resolves runtime configuration from a config file and
// the environment, in that order of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"vibemesh/pkg/reward"
	"vibemesh/pkg/types"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "VIBEMESH"

type Config struct {
	Bus         BusConfig         `mapstructure:"bus"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Liveness    LivenessConfig    `mapstructure:"liveness"`
	Reward      RewardConfig      `mapstructure:"reward"`
	Device      DeviceConfig      `mapstructure:"device"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Router      RouterConfig      `mapstructure:"router"`
}

type BusConfig struct {
	URL          string        `mapstructure:"url"`
	Name         string        `mapstructure:"name"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type DatabaseConfig struct {
	URI string `mapstructure:"uri"`
}

type LivenessConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

type RewardConfig struct {
	// BaseRate is in display VIBE per accepted heartbeat.
	BaseRate             float64                 `mapstructure:"base_rate"`
	Multipliers          []reward.MultiplierRule `mapstructure:"multipliers"`
	DistributionInterval time.Duration           `mapstructure:"distribution_interval"`
	// MinDistribution is in display VIBE; balances below it roll over.
	MinDistribution float64 `mapstructure:"min_distribution"`
}

type DeviceConfig struct {
	ID            string   `mapstructure:"id"`
	OwnerUserID   string   `mapstructure:"owner_user_id"`
	Type          string   `mapstructure:"type"`
	WalletAddress string   `mapstructure:"wallet_address"`
	Capabilities  []string `mapstructure:"capabilities"`
	CPUCores      int      `mapstructure:"cpu_cores"`
	RAMMB         int64    `mapstructure:"ram_mb"`
	GPUAvailable  bool     `mapstructure:"gpu_available"`
	GPUModel      string   `mapstructure:"gpu_model"`
}

type ReplicationConfig struct {
	DatabasePath     string        `mapstructure:"database_path"`
	ProviderDeviceID string        `mapstructure:"provider_device_id"`
	// Passphrase is normally supplied via VIBEMESH_REPLICATION_PASSPHRASE
	// rather than written into a config file.
	Passphrase  string        `mapstructure:"passphrase"`
	Interval    time.Duration `mapstructure:"interval"`
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type ProviderConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	IndexPath string `mapstructure:"index_path"`
	// Capacity is a human-friendly size like "50GB". Empty means unlimited.
	Capacity string `mapstructure:"capacity"`
}

type RouterConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load reads an optional config file plus VIBEMESH_* environment
// variables. A missing file is fine; the environment alone can configure
// everything.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults also registers empty defaults for purely env-driven keys,
// since AutomaticEnv only resolves keys viper already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.name", "vibemesh")
	v.SetDefault("bus.drain_timeout", 10*time.Second)

	v.SetDefault("database.uri", "")

	v.SetDefault("device.id", "")
	v.SetDefault("device.owner_user_id", "")
	v.SetDefault("device.type", "")
	v.SetDefault("device.wallet_address", "")

	v.SetDefault("replication.database_path", "")
	v.SetDefault("replication.provider_device_id", "")

	v.SetDefault("liveness.heartbeat_interval", 30*time.Second)
	v.SetDefault("liveness.timeout", 90*time.Second)
	v.SetDefault("liveness.sweep_interval", 45*time.Second)

	v.SetDefault("reward.base_rate", 0.1)
	v.SetDefault("reward.distribution_interval", 5*time.Minute)
	v.SetDefault("reward.min_distribution", 0.0)

	v.SetDefault("replication.passphrase", "")
	v.SetDefault("replication.interval", 5*time.Minute)
	v.SetDefault("replication.ack_timeout", 30*time.Second)
	v.SetDefault("replication.max_attempts", 3)

	v.SetDefault("provider.data_dir", "./replicas")
	v.SetDefault("provider.index_path", "./replicas/index.db")
	v.SetDefault("provider.capacity", "")

	v.SetDefault("router.cache_ttl", 3*time.Second)
}

// Validate enforces the cross-field constraints the components assume.
func (c *Config) Validate() error {
	if c.Liveness.HeartbeatInterval >= c.Liveness.Timeout {
		return fmt.Errorf("config: heartbeat interval %s must be shorter than liveness timeout %s",
			c.Liveness.HeartbeatInterval, c.Liveness.Timeout)
	}
	if c.Liveness.SweepInterval > c.Liveness.Timeout {
		return fmt.Errorf("config: sweep interval %s must not exceed liveness timeout %s",
			c.Liveness.SweepInterval, c.Liveness.Timeout)
	}
	// A routing decision older than one sweep could mask a transition.
	if c.Router.CacheTTL >= c.Liveness.SweepInterval {
		return fmt.Errorf("config: router cache TTL %s must be shorter than sweep interval %s",
			c.Router.CacheTTL, c.Liveness.SweepInterval)
	}
	return nil
}

// RewardPolicy builds the accrual policy from configuration, falling back
// to the network default multipliers when none are configured.
func (c *Config) RewardPolicy() reward.Policy {
	policy := reward.DefaultPolicy()
	if c.Reward.BaseRate > 0 {
		policy.BasePerHeartbeat = reward.FromDisplay(c.Reward.BaseRate)
	}
	if len(c.Reward.Multipliers) > 0 {
		policy.Rules = c.Reward.Multipliers
	}
	return policy
}

// DeviceResources converts declared device config into a resource report.
func (c *Config) DeviceResources() types.Resources {
	return types.Resources{
		CPUCores:     c.Device.CPUCores,
		RAMMB:        c.Device.RAMMB,
		GPUAvailable: c.Device.GPUAvailable,
		GPUModel:     c.Device.GPUModel,
	}
}
