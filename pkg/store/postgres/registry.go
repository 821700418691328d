package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vibemesh/pkg/registry"
	"vibemesh/pkg/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RegistryStore is the Postgres implementation of registry.Store. Online
// state is derived from last_seen on every read; the marked_online column
// only exists so the sweep can report transitions.
type RegistryStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewRegistryStore(pool *pgxpool.Pool, livenessTimeout time.Duration) *RegistryStore {
	return &RegistryStore{pool: pool, timeout: livenessTimeout}
}

func (s *RegistryStore) RecordHeartbeat(ctx context.Context, hb registry.HeartbeatUpsert) (registry.HeartbeatResult, error) {
	var result registry.HeartbeatResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin heartbeat tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevLastSeen *time.Time
	err = tx.QueryRow(ctx,
		`SELECT last_seen FROM liveness WHERE device_id = $1 FOR UPDATE`,
		string(hb.DeviceID)).Scan(&prevLastSeen)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return result, fmt.Errorf("lock liveness row: %w", err)
	}

	if prevLastSeen != nil {
		result.WasOnline = time.Since(*prevLastSeen) < s.timeout
		if !hb.ReceivedAt.After(*prevLastSeen) {
			// Duplicate or out-of-order heartbeat; last_seen never moves
			// backward and nothing else changes.
			return result, nil
		}
	}

	caps := make([]string, 0, len(hb.Capabilities))
	for _, c := range hb.Capabilities {
		caps = append(caps, string(c))
	}

	deviceType := hb.DeviceType
	if deviceType == "" {
		deviceType = types.DeviceMobile
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO devices (device_id, owner_user_id, device_type, capabilities, wallet_address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			wallet_address = EXCLUDED.wallet_address`,
		string(hb.DeviceID), string(hb.OwnerUserID), string(deviceType), caps, hb.WalletAddress)
	if err != nil {
		return result, fmt.Errorf("upsert device: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO liveness (device_id, last_seen, marked_online, cpu_cores, ram_mb, gpu_available, gpu_model)
		VALUES ($1, $2, TRUE, $3, $4, $5, $6)
		ON CONFLICT (device_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			marked_online = TRUE,
			cpu_cores = EXCLUDED.cpu_cores,
			ram_mb = EXCLUDED.ram_mb,
			gpu_available = EXCLUDED.gpu_available,
			gpu_model = EXCLUDED.gpu_model`,
		string(hb.DeviceID), hb.ReceivedAt.UTC(), hb.Resources.CPUCores,
		hb.Resources.RAMMB, hb.Resources.GPUAvailable, hb.Resources.GPUModel)
	if err != nil {
		return result, fmt.Errorf("upsert liveness: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("commit heartbeat tx: %w", err)
	}

	result.Accepted = true
	return result, nil
}

func (s *RegistryStore) SweepOffline(ctx context.Context, cutoff time.Time) ([]registry.SweptDevice, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE liveness
		SET marked_online = FALSE
		WHERE marked_online AND last_seen < $1
		RETURNING device_id, last_seen`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("sweep offline: %w", err)
	}
	defer rows.Close()

	var swept []registry.SweptDevice
	for rows.Next() {
		var dev registry.SweptDevice
		if err := rows.Scan(&dev.DeviceID, &dev.LastSeen); err != nil {
			return nil, fmt.Errorf("scan swept device: %w", err)
		}
		swept = append(swept, dev)
	}
	return swept, rows.Err()
}

const deviceColumns = `
	d.device_id, d.owner_user_id, d.device_type, d.capabilities,
	d.wallet_address, d.disabled, d.registered_at,
	l.last_seen, l.cpu_cores, l.ram_mb, l.gpu_available, l.gpu_model`

func (s *RegistryStore) GetDevice(ctx context.Context, id types.DeviceID) (*registry.DeviceStatus, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+deviceColumns+`
		FROM devices d
		JOIN liveness l USING (device_id)
		WHERE d.device_id = $1`, string(id))

	status, err := s.scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, id)
		}
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return status, nil
}

func (s *RegistryStore) QueryDevices(ctx context.Context, filter registry.Filter) ([]registry.DeviceStatus, error) {
	query := `
		SELECT` + deviceColumns + `
		FROM devices d
		JOIN liveness l USING (device_id)
		WHERE NOT d.disabled`
	args := []any{}

	if filter.Capability != "" {
		args = append(args, string(filter.Capability))
		query += fmt.Sprintf(" AND $%d = ANY (d.capabilities)", len(args))
	}
	if filter.OnlineOnly {
		args = append(args, time.Now().Add(-s.timeout).UTC())
		query += fmt.Sprintf(" AND l.last_seen > $%d", len(args))
	}
	query += " ORDER BY d.device_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []registry.DeviceStatus
	for rows.Next() {
		status, err := s.scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *status)
	}
	return out, rows.Err()
}

func (s *RegistryStore) SetDisabled(ctx context.Context, id types.DeviceID, disabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE devices SET disabled = $2 WHERE device_id = $1`, string(id), disabled)
	if err != nil {
		return fmt.Errorf("set disabled for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, id)
	}
	return nil
}

func (s *RegistryStore) scanDevice(row pgx.Row) (*registry.DeviceStatus, error) {
	var (
		status registry.DeviceStatus
		caps   []string
	)
	err := row.Scan(
		&status.Device.ID, &status.Device.OwnerUserID, &status.Device.Type, &caps,
		&status.Device.WalletAddress, &status.Device.Disabled, &status.Device.RegisteredAt,
		&status.Liveness.LastSeen, &status.Liveness.Resources.CPUCores,
		&status.Liveness.Resources.RAMMB, &status.Liveness.Resources.GPUAvailable,
		&status.Liveness.Resources.GPUModel)
	if err != nil {
		return nil, err
	}

	for _, c := range caps {
		status.Device.Capabilities = append(status.Device.Capabilities, types.Capability(c))
	}
	status.Liveness.DeviceID = status.Device.ID
	status.Online = status.Liveness.OnlineAt(time.Now(), s.timeout)
	return &status, nil
}
