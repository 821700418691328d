package reward

import (
	"context"
	"fmt"
	"time"

	"vibemesh/pkg/types"

	"go.uber.org/zap"
)

// Store is the persistence contract for balances and batches. The
// Postgres implementation lives in pkg/store/postgres; tests use an
// in-memory fake with the same transactional semantics.
type Store interface {
	// Accrue adds amount to the device's pending balance, keyed by the
	// heartbeat timestamp for idempotency. It returns false without
	// mutating anything when that heartbeat was already credited.
	Accrue(ctx context.Context, deviceID types.DeviceID, wallet string, amount Amount, heartbeatAt time.Time) (bool, error)

	// CreatePendingBatch atomically snapshots every pending balance at or
	// above floor into a new batch and zeroes those balances in the same
	// transaction. It returns nil when nothing is pending.
	CreatePendingBatch(ctx context.Context, floor Amount) (*types.RewardBatch, error)

	// SettleEntry marks one batch entry settled.
	SettleEntry(ctx context.Context, batchID types.BatchID, deviceID types.DeviceID) error

	// RestoreEntry marks one batch entry failed and re-adds its amount to
	// the device's pending balance in a single transaction.
	RestoreEntry(ctx context.Context, batchID types.BatchID, deviceID types.DeviceID, amount Amount) error

	// FinalizeBatch rolls entry outcomes up into the batch status.
	FinalizeBatch(ctx context.Context, batchID types.BatchID) (types.BatchStatus, error)

	// TryDistributionLock takes the single-active-distributor advisory
	// lock. Release must be called when distribution finishes.
	TryDistributionLock(ctx context.Context) (bool, error)
	ReleaseDistributionLock(ctx context.Context) error
}

// Engine turns accepted heartbeats into pending balance. One call per
// accepted heartbeat; duplicates are absorbed by the store's dedup key.
type Engine struct {
	store  Store
	policy Policy
	logger *zap.Logger
}

func NewEngine(store Store, policy Policy, logger *zap.Logger) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{store: store, policy: policy, logger: logger}, nil
}

// Accrue credits one heartbeat. Replays of the same (device, timestamp)
// pair are no-ops, which makes at-least-once bus delivery safe.
func (e *Engine) Accrue(ctx context.Context, deviceID types.DeviceID, wallet string, res types.Resources, heartbeatAt time.Time) error {
	amount := e.policy.AmountFor(res)

	credited, err := e.store.Accrue(ctx, deviceID, wallet, amount, heartbeatAt)
	if err != nil {
		return fmt.Errorf("accrue for %s: %w", deviceID, err)
	}
	if !credited {
		e.logger.Debug("duplicate heartbeat ignored",
			zap.String("device_id", string(deviceID)),
			zap.Time("heartbeat_at", heartbeatAt))
		return nil
	}

	e.logger.Debug("reward accrued",
		zap.String("device_id", string(deviceID)),
		zap.Float64("vibe", ToDisplay(amount)),
		zap.Float64("multiplier", e.policy.Multiplier(res)))
	return nil
}
