package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"vibemesh/pkg/bus"
	"vibemesh/pkg/crypto"
	"vibemesh/pkg/types"

	"go.uber.org/zap"
)

// ErrReplicaNotFound is returned when a provider holds no replica for the
// requested owner.
var ErrReplicaNotFound = errors.New("no replica available")

// ClientConfig drives the replication client on an owning device.
type ClientConfig struct {
	OwnerDeviceID    types.DeviceID
	ProviderDeviceID types.DeviceID
	DatabasePath     string
	Passphrase       string

	Interval    time.Duration
	AckTimeout  time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Minute
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.Backoff <= 0 {
		out.Backoff = 2 * time.Second
	}
	return out
}

// Client snapshots the local database, encrypts it under a key derived
// from the user's passphrase, and ships it to the provider. Overlapping
// runs are skipped, not queued; a failed cycle loses nothing because the
// next cycle regenerates the snapshot fresh.
type Client struct {
	cfg    ClientConfig
	bus    bus.Bus
	logger *zap.Logger

	syncing     atomic.Bool
	lastVersion atomic.Int64

	now func() time.Time
}

func NewClient(cfg ClientConfig, b bus.Bus, logger *zap.Logger) *Client {
	return &Client{cfg: cfg.withDefaults(), bus: b, logger: logger, now: time.Now}
}

// LastSyncedVersion is the version of the most recent confirmed sync, or
// zero before the first.
func (c *Client) LastSyncedVersion() int64 {
	return c.lastVersion.Load()
}

// Run syncs on the configured interval until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("replication client started",
		zap.String("provider", string(c.cfg.ProviderDeviceID)),
		zap.Duration("interval", c.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("replication client stopped")
			return
		case <-ticker.C:
			if err := c.SyncOnce(ctx); err != nil {
				c.logger.Warn("sync cycle failed, deferring to next cycle", zap.Error(err))
			}
		}
	}
}

// SyncOnce performs one replication cycle. A second call while one is in
// flight returns immediately.
func (c *Client) SyncOnce(ctx context.Context) error {
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("sync already in progress, skipping")
		return nil
	}
	defer c.syncing.Store(false)

	snapshot, err := os.ReadFile(c.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}

	// Version is the snapshot timestamp; forced monotonic so a clock step
	// backward cannot produce a version the provider would reject forever.
	version := c.now().Unix()
	if last := c.lastVersion.Load(); version <= last {
		version = last + 1
	}

	checksum := crypto.Checksum(snapshot)

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	key := crypto.DeriveKey(c.cfg.Passphrase, salt)
	nonce, ciphertext, err := crypto.Encrypt(key, snapshot)
	if err != nil {
		return fmt.Errorf("encrypt snapshot: %w", err)
	}

	data, err := bus.Encode(bus.KindSync, bus.SyncRequest{
		OwnerDeviceID: c.cfg.OwnerDeviceID,
		Version:       version,
		Checksum:      checksum,
		Salt:          hex.EncodeToString(salt),
		Nonce:         hex.EncodeToString(nonce),
		Ciphertext:    ciphertext,
		SizeBytes:     int64(len(snapshot)),
	})
	if err != nil {
		return err
	}

	c.logger.Info("syncing snapshot to provider",
		zap.Int64("version", version),
		zap.Int64("size_bytes", int64(len(snapshot))),
		zap.String("checksum", checksum[:16]))

	ack, err := c.requestWithRetry(ctx, bus.SyncSubject(string(c.cfg.ProviderDeviceID)), data)
	if err != nil {
		return err
	}

	if !ack.Accepted {
		// Provider already holds this version or newer; expected when a
		// retry or reorder delivered an old message.
		c.logger.Debug("provider rejected sync",
			zap.Int64("sent_version", version),
			zap.Int64("stored_version", ack.StoredVersion),
			zap.Error(ErrStaleReplica))
		return nil
	}

	c.lastVersion.Store(ack.StoredVersion)
	c.logger.Info("sync confirmed", zap.Int64("stored_version", ack.StoredVersion))
	return nil
}

// requestWithRetry sends the sync request with exponential backoff up to
// the attempt bound, each attempt under its own ack timeout.
func (c *Client) requestWithRetry(ctx context.Context, subject string, data []byte) (*bus.SyncAck, error) {
	backoff := c.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
		resp, err := c.bus.Request(reqCtx, subject, data)
		cancel()

		if err == nil {
			var ack bus.SyncAck
			if err := bus.Decode(resp, bus.KindSyncAck, &ack); err != nil {
				return nil, fmt.Errorf("malformed ack: %w", err)
			}
			return &ack, nil
		}

		lastErr = err
		c.logger.Warn("sync attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Error(err))

		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("sync not acknowledged after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// FetchReplica retrieves the latest replica for owner from provider,
// decrypts it with the passphrase, and verifies the plaintext checksum.
// Any mismatch fails closed: no partial or unverified data is returned.
func FetchReplica(ctx context.Context, b bus.Bus, provider, owner types.DeviceID, passphrase string) ([]byte, int64, error) {
	data, err := bus.Encode(bus.KindServe, bus.ServeRequest{OwnerDeviceID: owner})
	if err != nil {
		return nil, 0, err
	}

	resp, err := b.Request(ctx, bus.ServeSubject(string(provider)), data)
	if err != nil {
		return nil, 0, fmt.Errorf("serve request to %s: %w", provider, err)
	}

	var reply bus.ServeReply
	if err := bus.Decode(resp, bus.KindServeReply, &reply); err != nil {
		return nil, 0, fmt.Errorf("malformed serve reply: %w", err)
	}
	if !reply.Found {
		return nil, 0, fmt.Errorf("%w: owner %s at provider %s", ErrReplicaNotFound, owner, provider)
	}

	salt, err := hex.DecodeString(reply.Salt)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed salt: %w", err)
	}
	nonce, err := hex.DecodeString(reply.Nonce)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed nonce: %w", err)
	}

	key := crypto.DeriveKey(passphrase, salt)
	plaintext, err := crypto.Decrypt(key, nonce, reply.Ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("decrypt replica: %w", err)
	}

	if err := crypto.VerifyChecksum(plaintext, reply.Checksum); err != nil {
		return nil, 0, fmt.Errorf("replica for %s: %w", owner, err)
	}

	return plaintext, reply.Version, nil
}
