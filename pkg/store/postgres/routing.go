package postgres

import (
	"context"
	"errors"
	"fmt"

	"vibemesh/pkg/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRouteNotFound is returned for usernames with no routing entry.
var ErrRouteNotFound = errors.New("routing entry not found")

// RoutingStore reads and administers the username → device mapping.
// Request traffic only ever calls Get.
type RoutingStore struct {
	pool *pgxpool.Pool
}

func NewRoutingStore(pool *pgxpool.Pool) *RoutingStore {
	return &RoutingStore{pool: pool}
}

func (s *RoutingStore) Get(ctx context.Context, username string) (*types.RoutingEntry, error) {
	entry := types.RoutingEntry{Username: username}
	err := s.pool.QueryRow(ctx, `
		SELECT primary_device_id, fallback_provider_device_id
		FROM routing_entries
		WHERE username = $1`, username).
		Scan(&entry.PrimaryDeviceID, &entry.FallbackProvider)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrRouteNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("get routing entry for %q: %w", username, err)
	}
	return &entry, nil
}

// Upsert sets a user's routing entry. Operator tooling only.
func (s *RoutingStore) Upsert(ctx context.Context, entry types.RoutingEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO routing_entries (username, primary_device_id, fallback_provider_device_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET
			primary_device_id = EXCLUDED.primary_device_id,
			fallback_provider_device_id = EXCLUDED.fallback_provider_device_id`,
		entry.Username, string(entry.PrimaryDeviceID), string(entry.FallbackProvider))
	if err != nil {
		return fmt.Errorf("upsert routing entry for %q: %w", entry.Username, err)
	}
	return nil
}
