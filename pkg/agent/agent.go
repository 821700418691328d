// Package agent is the device-side daemon: it announces the device,
// publishes heartbeats on a fixed cadence, and runs the replication
// client when the device owns a database worth replicating.
package agent

import (
	"context"
	"runtime"
	"time"

	"vibemesh/pkg/bus"
	"vibemesh/pkg/storage"
	"vibemesh/pkg/types"

	"go.uber.org/zap"
)

// Config identifies the device and what it declares to the network.
type Config struct {
	DeviceID      types.DeviceID
	OwnerUserID   types.UserID
	DeviceType    types.DeviceType
	WalletAddress string
	Capabilities  []string

	HeartbeatInterval time.Duration

	// Declared resources. CPUCores defaults to the runtime's count when
	// zero; RAM and GPU are declared, not probed.
	Resources types.Resources
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.Resources.CPUCores == 0 {
		out.Resources.CPUCores = runtime.NumCPU()
	}
	if out.DeviceType == "" {
		out.DeviceType = types.DeviceMobile
	}
	return out
}

// Agent publishes this device's presence. An optional replication client
// runs alongside the heartbeat loop.
type Agent struct {
	cfg        Config
	bus        bus.Bus
	replicator *storage.Client
	logger     *zap.Logger
}

func New(cfg Config, b bus.Bus, replicator *storage.Client, logger *zap.Logger) *Agent {
	return &Agent{cfg: cfg.withDefaults(), bus: b, replicator: replicator, logger: logger}
}

// Run announces once, then heartbeats until ctx is cancelled. The caller
// drains the bus after Run returns so the final publishes flush.
func (a *Agent) Run(ctx context.Context) {
	a.announce()

	if a.replicator != nil {
		go a.replicator.Run(ctx)
	}

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.logger.Info("agent started",
		zap.String("device_id", string(a.cfg.DeviceID)),
		zap.Duration("heartbeat_interval", a.cfg.HeartbeatInterval))

	a.heartbeat()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return
		case <-ticker.C:
			a.heartbeat()
		}
	}
}

func (a *Agent) announce() {
	data, err := bus.Encode(bus.KindAnnounce, a.heartbeatPayload())
	if err != nil {
		a.logger.Error("encode announce", zap.Error(err))
		return
	}
	if err := a.bus.Publish(bus.SubjectDiscovery, data); err != nil {
		a.logger.Warn("publish announce", zap.Error(err))
	}
}

func (a *Agent) heartbeat() {
	data, err := bus.Encode(bus.KindHeartbeat, a.heartbeatPayload())
	if err != nil {
		a.logger.Error("encode heartbeat", zap.Error(err))
		return
	}
	if err := a.bus.Publish(bus.SubjectHeartbeat, data); err != nil {
		// Transient; the tracker treats the gap as natural liveness decay.
		a.logger.Warn("publish heartbeat", zap.Error(err))
		return
	}
	a.logger.Debug("heartbeat sent", zap.String("device_id", string(a.cfg.DeviceID)))
}

func (a *Agent) heartbeatPayload() bus.Heartbeat {
	return bus.Heartbeat{
		DeviceID:      a.cfg.DeviceID,
		OwnerUserID:   a.cfg.OwnerUserID,
		DeviceType:    a.cfg.DeviceType,
		WalletAddress: a.cfg.WalletAddress,
		Capabilities:  a.cfg.Capabilities,
		Resources:     a.cfg.Resources,
		Timestamp:     time.Now().UTC(),
	}
}
