package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vibemesh/pkg/types"

	_ "github.com/mattn/go-sqlite3"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS replicas (
	owner_device_id    TEXT NOT NULL,
	provider_device_id TEXT NOT NULL,
	version            INTEGER NOT NULL,
	checksum           TEXT NOT NULL,
	salt               TEXT NOT NULL,
	nonce              TEXT NOT NULL,
	ciphertext_path    TEXT NOT NULL,
	size_bytes         INTEGER NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	PRIMARY KEY (owner_device_id, provider_device_id)
);`

// ReplicaIndex is the provider's local metadata store: one row per
// (owner, provider) pair pointing at the ciphertext blob on disk.
type ReplicaIndex struct {
	db       *sql.DB
	provider types.DeviceID
}

func OpenIndex(path string, provider types.DeviceID) (*ReplicaIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open replica index: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init replica index schema: %w", err)
	}
	return &ReplicaIndex{db: db, provider: provider}, nil
}

func (i *ReplicaIndex) Close() error {
	return i.db.Close()
}

// Get returns the stored replica for an owner, or nil when none exists.
func (i *ReplicaIndex) Get(ctx context.Context, owner types.DeviceID) (*types.StorageReplica, error) {
	const query = `
		SELECT version, checksum, salt, nonce, ciphertext_path, size_bytes, updated_at
		FROM replicas
		WHERE owner_device_id = ? AND provider_device_id = ?`

	rep := types.StorageReplica{OwnerDeviceID: owner, ProviderDeviceID: i.provider}
	err := i.db.QueryRowContext(ctx, query, string(owner), string(i.provider)).Scan(
		&rep.Version, &rep.Checksum, &rep.Salt, &rep.Nonce,
		&rep.CiphertextPath, &rep.SizeBytes, &rep.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get replica for %s: %w", owner, err)
	}
	return &rep, nil
}

// Put upserts the replica row. The version gate lives in the provider;
// the index just records what was accepted.
func (i *ReplicaIndex) Put(ctx context.Context, rep *types.StorageReplica) error {
	const query = `
		INSERT INTO replicas (
			owner_device_id, provider_device_id, version, checksum,
			salt, nonce, ciphertext_path, size_bytes, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_device_id, provider_device_id) DO UPDATE SET
			version = excluded.version,
			checksum = excluded.checksum,
			salt = excluded.salt,
			nonce = excluded.nonce,
			ciphertext_path = excluded.ciphertext_path,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at`

	_, err := i.db.ExecContext(ctx, query,
		string(rep.OwnerDeviceID), string(rep.ProviderDeviceID), rep.Version,
		rep.Checksum, rep.Salt, rep.Nonce, rep.CiphertextPath, rep.SizeBytes,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put replica for %s: %w", rep.OwnerDeviceID, err)
	}
	return nil
}

// List returns every replica this provider holds.
func (i *ReplicaIndex) List(ctx context.Context) ([]types.StorageReplica, error) {
	const query = `
		SELECT owner_device_id, version, checksum, salt, nonce,
		       ciphertext_path, size_bytes, updated_at
		FROM replicas
		WHERE provider_device_id = ?
		ORDER BY owner_device_id`

	rows, err := i.db.QueryContext(ctx, query, string(i.provider))
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	defer rows.Close()

	var out []types.StorageReplica
	for rows.Next() {
		rep := types.StorageReplica{ProviderDeviceID: i.provider}
		if err := rows.Scan(&rep.OwnerDeviceID, &rep.Version, &rep.Checksum,
			&rep.Salt, &rep.Nonce, &rep.CiphertextPath, &rep.SizeBytes, &rep.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan replica: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
