package reward

import (
	"context"
	"fmt"
	"time"

	"vibemesh/pkg/types"

	"go.uber.org/zap"
)

// DistributorConfig controls batching cadence and the settlement floor.
type DistributorConfig struct {
	Interval time.Duration
	// MinDistribution keeps dust out of batches: balances below it stay
	// pending and roll into a later cycle. Zero settles everything.
	MinDistribution Amount
}

func (c *DistributorConfig) withDefaults() DistributorConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Minute
	}
	return out
}

// Distributor periodically drains pending balances into batches and
// settles each entry independently through the ledger. Batch creation and
// balance zeroing happen in one store transaction before any network call,
// so a heartbeat arriving mid-settlement accrues into a fresh balance.
type Distributor struct {
	store  Store
	ledger Ledger
	cfg    DistributorConfig
	logger *zap.Logger
}

func NewDistributor(store Store, ledger Ledger, cfg DistributorConfig, logger *zap.Logger) *Distributor {
	return &Distributor{store: store, ledger: ledger, cfg: cfg.withDefaults(), logger: logger}
}

// Run distributes on the configured interval until ctx is cancelled.
func (d *Distributor) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("distributor started", zap.Duration("interval", d.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("distributor stopped")
			return
		case <-ticker.C:
			if err := d.DistributeOnce(ctx); err != nil {
				d.logger.Error("distribution cycle failed", zap.Error(err))
			}
		}
	}
}

// DistributeOnce runs one full cycle: take the leadership lock, create a
// batch, settle entries, finalize. Skips quietly when another distributor
// instance holds the lock or nothing is pending.
func (d *Distributor) DistributeOnce(ctx context.Context) error {
	acquired, err := d.store.TryDistributionLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire distribution lock: %w", err)
	}
	if !acquired {
		d.logger.Debug("another distributor instance is active, skipping cycle")
		return nil
	}
	defer func() {
		if err := d.store.ReleaseDistributionLock(ctx); err != nil {
			d.logger.Warn("release distribution lock", zap.Error(err))
		}
	}()

	batch, err := d.store.CreatePendingBatch(ctx, d.cfg.MinDistribution)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	if batch == nil {
		d.logger.Debug("no pending balances to distribute")
		return nil
	}

	d.logger.Info("created reward batch",
		zap.String("batch_id", string(batch.ID)),
		zap.Int64("batch_number", batch.BatchNumber),
		zap.Int("entries", len(batch.Entries)))

	for _, entry := range batch.Entries {
		d.settleEntry(ctx, batch.ID, entry)
	}

	status, err := d.store.FinalizeBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("finalize batch %s: %w", batch.ID, err)
	}

	d.logger.Info("batch distribution complete",
		zap.String("batch_id", string(batch.ID)),
		zap.String("status", string(status)))
	return nil
}

// settleEntry settles one entry. Failure restores the balance so no
// accrued credit is ever lost; the entry retries in a later batch.
func (d *Distributor) settleEntry(ctx context.Context, batchID types.BatchID, entry types.RewardBatchEntry) {
	if err := d.ledger.Transfer(ctx, entry.WalletAddress, entry.Amount); err != nil {
		d.logger.Warn("settlement failed, restoring balance",
			zap.String("device_id", string(entry.DeviceID)),
			zap.Float64("vibe", ToDisplay(entry.Amount)),
			zap.Error(fmt.Errorf("%w: %v", ErrSettlement, err)))
		if rerr := d.store.RestoreEntry(ctx, batchID, entry.DeviceID, entry.Amount); rerr != nil {
			// The balance is still recorded on the batch entry, so an
			// operator can reconcile; log loudly and move on.
			d.logger.Error("failed to restore balance after settlement failure",
				zap.String("device_id", string(entry.DeviceID)),
				zap.Error(rerr))
		}
		return
	}

	if err := d.store.SettleEntry(ctx, batchID, entry.DeviceID); err != nil {
		d.logger.Error("failed to mark entry settled",
			zap.String("device_id", string(entry.DeviceID)),
			zap.Error(err))
		return
	}

	d.logger.Info("settled reward",
		zap.String("device_id", string(entry.DeviceID)),
		zap.String("wallet", entry.WalletAddress),
		zap.Float64("vibe", ToDisplay(entry.Amount)))
}
