package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vibemesh/pkg/reward"
	"vibemesh/pkg/types"

	"github.com/jackc/pgx/v5/pgxpool"
)

// distributionLockKey is the advisory lock shared by every distributor
// instance pointed at the same database.
const distributionLockKey = 0x56494245 // "VIBE"

// RewardStore is the Postgres implementation of reward.Store.
type RewardStore struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	lockConn *pgxpool.Conn
}

func NewRewardStore(pool *pgxpool.Pool) *RewardStore {
	return &RewardStore{pool: pool}
}

func (s *RewardStore) Accrue(ctx context.Context, deviceID types.DeviceID, wallet string, amount reward.Amount, heartbeatAt time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin accrual tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO reward_accruals (device_id, heartbeat_at, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id, heartbeat_at) DO NOTHING`,
		string(deviceID), heartbeatAt.UTC(), amount)
	if err != nil {
		return false, fmt.Errorf("record accrual: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// This heartbeat was already credited.
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reward_ledger (device_id, wallet_address, pending_balance, lifetime_earned, last_accrual_at)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			pending_balance = reward_ledger.pending_balance + EXCLUDED.pending_balance,
			lifetime_earned = reward_ledger.lifetime_earned + EXCLUDED.pending_balance,
			last_accrual_at = EXCLUDED.last_accrual_at`,
		string(deviceID), wallet, amount, heartbeatAt.UTC())
	if err != nil {
		return false, fmt.Errorf("update ledger: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit accrual tx: %w", err)
	}
	return true, nil
}

// CreatePendingBatch snapshots every pending balance at or above floor
// into a new batch and zeroes those balances, all in one transaction, so
// no balance can be counted into two batches and concurrent accruals land
// in a fresh balance rather than a mid-settlement one.
func (s *RewardStore) CreatePendingBatch(ctx context.Context, floor reward.Amount) (*types.RewardBatch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT device_id, wallet_address, pending_balance
		FROM reward_ledger
		WHERE pending_balance > 0 AND pending_balance >= $1
		ORDER BY device_id
		FOR UPDATE`, floor)
	if err != nil {
		return nil, fmt.Errorf("select pending balances: %w", err)
	}

	var entries []types.RewardBatchEntry
	for rows.Next() {
		var e types.RewardBatchEntry
		if err := rows.Scan(&e.DeviceID, &e.WalletAddress, &e.Amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending balance: %w", err)
		}
		e.Status = types.EntryPending
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pending balances: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	batch := &types.RewardBatch{Status: types.BatchPending, Entries: entries}
	err = tx.QueryRow(ctx, `
		INSERT INTO reward_batches (batch_number, status)
		VALUES ((SELECT COALESCE(MAX(batch_number), 0) + 1 FROM reward_batches), 'pending')
		RETURNING batch_id, batch_number, created_at`).
		Scan(&batch.ID, &batch.BatchNumber, &batch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	for _, e := range entries {
		_, err = tx.Exec(ctx, `
			INSERT INTO reward_batch_entries (batch_id, device_id, wallet_address, amount)
			VALUES ($1, $2, $3, $4)`,
			string(batch.ID), string(e.DeviceID), e.WalletAddress, e.Amount)
		if err != nil {
			return nil, fmt.Errorf("insert batch entry: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE reward_ledger SET pending_balance = 0 WHERE device_id = $1`,
			string(e.DeviceID))
		if err != nil {
			return nil, fmt.Errorf("zero balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch tx: %w", err)
	}
	return batch, nil
}

func (s *RewardStore) SettleEntry(ctx context.Context, batchID types.BatchID, deviceID types.DeviceID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reward_batch_entries SET status = 'settled'
		WHERE batch_id = $1 AND device_id = $2`,
		string(batchID), string(deviceID))
	if err != nil {
		return fmt.Errorf("settle entry: %w", err)
	}
	return nil
}

// RestoreEntry re-adds a failed entry's amount to the pending balance and
// marks the entry failed in the same transaction.
func (s *RewardStore) RestoreEntry(ctx context.Context, batchID types.BatchID, deviceID types.DeviceID, amount reward.Amount) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin restore tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE reward_batch_entries SET status = 'failed'
		WHERE batch_id = $1 AND device_id = $2`,
		string(batchID), string(deviceID))
	if err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE reward_ledger SET pending_balance = pending_balance + $2
		WHERE device_id = $1`,
		string(deviceID), amount)
	if err != nil {
		return fmt.Errorf("restore balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit restore tx: %w", err)
	}
	return nil
}

func (s *RewardStore) FinalizeBatch(ctx context.Context, batchID types.BatchID) (types.BatchStatus, error) {
	var failed, pending int
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending')
		FROM reward_batch_entries
		WHERE batch_id = $1`, string(batchID)).Scan(&failed, &pending)
	if err != nil {
		return "", fmt.Errorf("count entry outcomes: %w", err)
	}

	status := types.BatchSettled
	if failed > 0 || pending > 0 {
		status = types.BatchFailed
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE reward_batches SET status = $2 WHERE batch_id = $1`,
		string(batchID), string(status))
	if err != nil {
		return "", fmt.Errorf("finalize batch: %w", err)
	}
	return status, nil
}

// TryDistributionLock takes the advisory lock on a dedicated connection
// so the lock's session outlives individual queries.
func (s *RewardStore) TryDistributionLock(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockConn != nil {
		return false, errors.New("distribution lock already held by this instance")
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, distributionLockKey).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	s.lockConn = conn
	return true, nil
}

func (s *RewardStore) ReleaseDistributionLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockConn == nil {
		return nil
	}
	defer func() {
		s.lockConn.Release()
		s.lockConn = nil
	}()

	if _, err := s.lockConn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, distributionLockKey); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// ListLedger returns every ledger row for the operator status surface.
func (s *RewardStore) ListLedger(ctx context.Context) ([]types.RewardLedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, wallet_address, pending_balance, lifetime_earned,
		       COALESCE(last_accrual_at, 'epoch'::timestamptz)
		FROM reward_ledger
		ORDER BY lifetime_earned DESC`)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []types.RewardLedgerEntry
	for rows.Next() {
		var e types.RewardLedgerEntry
		if err := rows.Scan(&e.DeviceID, &e.WalletAddress, &e.PendingBalance,
			&e.LifetimeEarned, &e.LastAccrualAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
