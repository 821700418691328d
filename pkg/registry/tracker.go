package registry

import (
	"context"
	"time"

	"vibemesh/pkg/bus"
	"vibemesh/pkg/types"

	"go.uber.org/zap"
)

// Accruer receives one call per accepted heartbeat. Implemented by the
// reward engine; a nil Accruer disables accrual (useful in tests and
// read-only deployments).
type Accruer interface {
	Accrue(ctx context.Context, deviceID types.DeviceID, wallet string, res types.Resources, heartbeatAt time.Time) error
}

// TrackerConfig sets the liveness window. Timeout should be about three
// heartbeat intervals; the sweep runs at half the timeout so a transition
// is observed within one sweep of happening.
type TrackerConfig struct {
	Timeout       time.Duration
	SweepInterval time.Duration
}

func (c *TrackerConfig) withDefaults() TrackerConfig {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 90 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.Timeout / 2
	}
	return out
}

// Tracker consumes heartbeats from the bus, maintains the registry, emits
// liveness transitions, and drives reward accrual.
type Tracker struct {
	store   Store
	bus     bus.Bus
	accruer Accruer
	cfg     TrackerConfig
	logger  *zap.Logger

	sub bus.Subscription
}

func NewTracker(store Store, b bus.Bus, accruer Accruer, cfg TrackerConfig, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, bus: b, accruer: accruer, cfg: cfg.withDefaults(), logger: logger}
}

// Timeout exposes the liveness window so reads elsewhere (router, status)
// derive online state with the same constant.
func (t *Tracker) Timeout() time.Duration {
	return t.cfg.Timeout
}

// Start subscribes to the heartbeat subject and launches the offline
// sweep. It returns once subscribed; processing continues until ctx ends.
func (t *Tracker) Start(ctx context.Context) error {
	sub, err := t.bus.Subscribe(bus.SubjectHeartbeat, func(msg *bus.Msg) {
		t.handleHeartbeat(ctx, msg)
	})
	if err != nil {
		return err
	}
	t.sub = sub

	go t.sweepLoop(ctx)

	t.logger.Info("liveness tracker started",
		zap.Duration("timeout", t.cfg.Timeout),
		zap.Duration("sweep_interval", t.cfg.SweepInterval))
	return nil
}

// Stop unsubscribes from the heartbeat subject.
func (t *Tracker) Stop() {
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			t.logger.Warn("unsubscribe heartbeat", zap.Error(err))
		}
	}
}

func (t *Tracker) handleHeartbeat(ctx context.Context, msg *bus.Msg) {
	var hb bus.Heartbeat
	if err := bus.Decode(msg.Data, bus.KindHeartbeat, &hb); err != nil {
		t.logger.Warn("rejected malformed heartbeat", zap.Error(err))
		return
	}
	if err := hb.Validate(); err != nil {
		t.logger.Warn("rejected invalid heartbeat", zap.Error(err))
		return
	}

	caps := make([]types.Capability, 0, len(hb.Capabilities))
	for _, c := range hb.Capabilities {
		caps = append(caps, types.Capability(c))
	}

	result, err := t.store.RecordHeartbeat(ctx, HeartbeatUpsert{
		DeviceID:      hb.DeviceID,
		OwnerUserID:   hb.OwnerUserID,
		DeviceType:    hb.DeviceType,
		WalletAddress: hb.WalletAddress,
		Capabilities:  caps,
		Resources:     hb.Resources,
		ReceivedAt:    hb.Timestamp,
	})
	if err != nil {
		t.logger.Error("record heartbeat",
			zap.String("device_id", string(hb.DeviceID)), zap.Error(err))
		return
	}

	if !result.Accepted {
		// Replayed or out-of-order heartbeat; LastSeen was not moved and
		// no reward accrues.
		t.logger.Debug("stale heartbeat ignored",
			zap.String("device_id", string(hb.DeviceID)),
			zap.Time("timestamp", hb.Timestamp))
		return
	}

	if !result.WasOnline {
		t.publishTransition(hb.DeviceID, true, hb.Timestamp)
	}

	if t.accruer != nil {
		if err := t.accruer.Accrue(ctx, hb.DeviceID, hb.WalletAddress, hb.Resources, hb.Timestamp); err != nil {
			t.logger.Error("accrue reward",
				zap.String("device_id", string(hb.DeviceID)), zap.Error(err))
		}
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SweepOnce(ctx)
		}
	}
}

// SweepOnce flips devices whose heartbeats have aged past the timeout and
// publishes an offline transition for each. Heartbeat loss is expected
// decay, not an error.
func (t *Tracker) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-t.cfg.Timeout)
	swept, err := t.store.SweepOffline(ctx, cutoff)
	if err != nil {
		t.logger.Error("offline sweep", zap.Error(err))
		return
	}
	for _, dev := range swept {
		t.logger.Info("device went offline",
			zap.String("device_id", string(dev.DeviceID)),
			zap.Time("last_seen", dev.LastSeen))
		t.publishTransition(dev.DeviceID, false, dev.LastSeen)
	}
}

func (t *Tracker) publishTransition(id types.DeviceID, online bool, lastSeen time.Time) {
	data, err := bus.Encode(bus.KindTransition, bus.Transition{
		DeviceID: id,
		Online:   online,
		LastSeen: lastSeen,
		At:       time.Now(),
	})
	if err != nil {
		t.logger.Error("encode transition", zap.Error(err))
		return
	}
	if err := t.bus.Publish(bus.SubjectTransition, data); err != nil {
		t.logger.Warn("publish transition",
			zap.String("device_id", string(id)), zap.Error(err))
	}
}
