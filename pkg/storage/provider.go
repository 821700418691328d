// Package storage implements the encrypted replication protocol: a
// timer-driven client on the owning device and a zero-knowledge provider
// that persists ciphertext it cannot read.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vibemesh/pkg/bus"
	"vibemesh/pkg/types"

	"go.uber.org/zap"
)

// ErrStaleReplica marks a sync whose version is not strictly newer than
// the stored replica. Expected under replay or reorder; logged low.
var ErrStaleReplica = errors.New("stale replica rejected")

// ProviderConfig locates the provider's identity and blob directory.
type ProviderConfig struct {
	DeviceID types.DeviceID
	DataDir  string
	// MaxTotalBytes caps the summed size of held replicas. Zero means
	// unlimited.
	MaxTotalBytes int64
}

// Provider receives encrypted snapshots on the sync subject, gates them by
// version, and serves the latest ciphertext back on request.
type Provider struct {
	cfg    ProviderConfig
	bus    bus.Bus
	index  *ReplicaIndex
	logger *zap.Logger

	subs []bus.Subscription
}

func NewProvider(cfg ProviderConfig, b bus.Bus, index *ReplicaIndex, logger *zap.Logger) *Provider {
	return &Provider{cfg: cfg, bus: b, index: index, logger: logger}
}

// Start subscribes to this provider's sync and serve subjects.
func (p *Provider) Start(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	syncSub, err := p.bus.Subscribe(bus.SyncSubject(string(p.cfg.DeviceID)), func(msg *bus.Msg) {
		p.handleSync(ctx, msg)
	})
	if err != nil {
		return err
	}
	p.subs = append(p.subs, syncSub)

	serveSub, err := p.bus.Subscribe(bus.ServeSubject(string(p.cfg.DeviceID)), func(msg *bus.Msg) {
		p.handleServe(ctx, msg)
	})
	if err != nil {
		return err
	}
	p.subs = append(p.subs, serveSub)

	p.logger.Info("storage provider started",
		zap.String("device_id", string(p.cfg.DeviceID)),
		zap.String("data_dir", p.cfg.DataDir))
	return nil
}

func (p *Provider) Stop() {
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("unsubscribe", zap.Error(err))
		}
	}
	p.subs = nil
}

func (p *Provider) handleSync(ctx context.Context, msg *bus.Msg) {
	var req bus.SyncRequest
	if err := bus.Decode(msg.Data, bus.KindSync, &req); err != nil {
		p.logger.Warn("rejected malformed sync", zap.Error(err))
		return
	}
	if err := req.Validate(); err != nil {
		p.logger.Warn("rejected invalid sync", zap.Error(err))
		return
	}

	current, err := p.index.Get(ctx, req.OwnerDeviceID)
	if err != nil {
		p.logger.Error("lookup replica", zap.Error(err))
		return
	}

	if current != nil && req.Version <= current.Version {
		// Replayed or reordered message; the stored replica wins.
		p.logger.Debug("sync rejected",
			zap.String("owner", string(req.OwnerDeviceID)),
			zap.Int64("incoming_version", req.Version),
			zap.Int64("stored_version", current.Version),
			zap.Error(ErrStaleReplica))
		p.ack(msg, bus.SyncAck{Accepted: false, StoredVersion: current.Version})
		return
	}

	if p.cfg.MaxTotalBytes > 0 {
		used, err := p.usedBytes(ctx, req.OwnerDeviceID)
		if err != nil {
			p.logger.Error("compute usage", zap.Error(err))
			return
		}
		if used+req.SizeBytes > p.cfg.MaxTotalBytes {
			var storedVersion int64
			if current != nil {
				storedVersion = current.Version
			}
			p.logger.Warn("sync rejected, capacity exhausted",
				zap.String("owner", string(req.OwnerDeviceID)),
				zap.Int64("used_bytes", used),
				zap.Int64("incoming_bytes", req.SizeBytes),
				zap.Int64("max_bytes", p.cfg.MaxTotalBytes))
			p.ack(msg, bus.SyncAck{Accepted: false, StoredVersion: storedVersion})
			return
		}
	}

	blobPath := p.blobPath(req.OwnerDeviceID)
	if err := writeBlobAtomic(blobPath, req.Ciphertext); err != nil {
		p.logger.Error("persist ciphertext",
			zap.String("owner", string(req.OwnerDeviceID)), zap.Error(err))
		return
	}

	rep := &types.StorageReplica{
		OwnerDeviceID:    req.OwnerDeviceID,
		ProviderDeviceID: p.cfg.DeviceID,
		Version:          req.Version,
		Checksum:         req.Checksum,
		Salt:             req.Salt,
		Nonce:            req.Nonce,
		CiphertextPath:   blobPath,
		SizeBytes:        req.SizeBytes,
	}
	if err := p.index.Put(ctx, rep); err != nil {
		p.logger.Error("index replica",
			zap.String("owner", string(req.OwnerDeviceID)), zap.Error(err))
		return
	}

	p.logger.Info("replica stored",
		zap.String("owner", string(req.OwnerDeviceID)),
		zap.Int64("version", req.Version),
		zap.Int64("size_bytes", req.SizeBytes))
	p.ack(msg, bus.SyncAck{Accepted: true, StoredVersion: req.Version})
}

func (p *Provider) handleServe(ctx context.Context, msg *bus.Msg) {
	var req bus.ServeRequest
	if err := bus.Decode(msg.Data, bus.KindServe, &req); err != nil {
		p.logger.Warn("rejected malformed serve request", zap.Error(err))
		return
	}
	if err := req.Validate(); err != nil {
		p.logger.Warn("rejected invalid serve request", zap.Error(err))
		return
	}

	rep, err := p.index.Get(ctx, req.OwnerDeviceID)
	if err != nil {
		p.logger.Error("lookup replica", zap.Error(err))
		return
	}
	if rep == nil {
		p.logger.Info("no replica for serve request",
			zap.String("owner", string(req.OwnerDeviceID)))
		p.reply(msg, bus.ServeReply{Found: false})
		return
	}

	ciphertext, err := os.ReadFile(rep.CiphertextPath)
	if err != nil {
		p.logger.Error("read ciphertext",
			zap.String("owner", string(req.OwnerDeviceID)), zap.Error(err))
		return
	}

	p.logger.Info("serving replica",
		zap.String("owner", string(req.OwnerDeviceID)),
		zap.Int64("version", rep.Version),
		zap.Int("bytes", len(ciphertext)))

	p.reply(msg, bus.ServeReply{
		Found:      true,
		Version:    rep.Version,
		Checksum:   rep.Checksum,
		Salt:       rep.Salt,
		Nonce:      rep.Nonce,
		Ciphertext: ciphertext,
		SizeBytes:  rep.SizeBytes,
	})
}

func (p *Provider) ack(msg *bus.Msg, ack bus.SyncAck) {
	data, err := bus.Encode(bus.KindSyncAck, ack)
	if err != nil {
		p.logger.Error("encode ack", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		p.logger.Warn("send ack", zap.Error(err))
	}
}

func (p *Provider) reply(msg *bus.Msg, rep bus.ServeReply) {
	data, err := bus.Encode(bus.KindServeReply, rep)
	if err != nil {
		p.logger.Error("encode serve reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		p.logger.Warn("send serve reply", zap.Error(err))
	}
}

// Stats summarizes what the provider holds for the status surface.
type Stats struct {
	Replicas   int
	TotalBytes int64
}

func (p *Provider) Stats(ctx context.Context) (Stats, error) {
	reps, err := p.index.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, r := range reps {
		s.Replicas++
		s.TotalBytes += r.SizeBytes
	}
	return s, nil
}

// usedBytes sums held replica sizes, excluding the owner about to be
// overwritten so an update never counts its own old copy against it.
func (p *Provider) usedBytes(ctx context.Context, excludeOwner types.DeviceID) (int64, error) {
	reps, err := p.index.List(ctx)
	if err != nil {
		return 0, err
	}
	var used int64
	for _, r := range reps {
		if r.OwnerDeviceID == excludeOwner {
			continue
		}
		used += r.SizeBytes
	}
	return used, nil
}

func (p *Provider) blobPath(owner types.DeviceID) string {
	return filepath.Join(p.cfg.DataDir, string(owner)+".db.enc")
}

// writeBlobAtomic writes to a temp file and renames so a crash mid-write
// never leaves a torn replica at the published path.
func writeBlobAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}
