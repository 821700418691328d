package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"vibemesh/pkg/bus"
	"vibemesh/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memStore is an in-memory Store with the same acceptance semantics as the
// Postgres implementation.
type memStore struct {
	mu      sync.Mutex
	timeout time.Duration
	devices map[types.DeviceID]*types.Device
	live    map[types.DeviceID]*types.LivenessRecord
	marked  map[types.DeviceID]bool
}

func newMemStore(timeout time.Duration) *memStore {
	return &memStore{
		timeout: timeout,
		devices: make(map[types.DeviceID]*types.Device),
		live:    make(map[types.DeviceID]*types.LivenessRecord),
		marked:  make(map[types.DeviceID]bool),
	}
}

func (s *memStore) RecordHeartbeat(_ context.Context, hb HeartbeatUpsert) (HeartbeatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, known := s.live[hb.DeviceID]
	if known && !hb.ReceivedAt.After(prev.LastSeen) {
		// Duplicate or out-of-order; LastSeen never moves backward.
		return HeartbeatResult{Accepted: false, WasOnline: prev.OnlineAt(time.Now(), s.timeout)}, nil
	}

	wasOnline := known && prev.OnlineAt(time.Now(), s.timeout)

	if _, ok := s.devices[hb.DeviceID]; !ok {
		s.devices[hb.DeviceID] = &types.Device{
			ID:            hb.DeviceID,
			OwnerUserID:   hb.OwnerUserID,
			Type:          hb.DeviceType,
			WalletAddress: hb.WalletAddress,
			RegisteredAt:  hb.ReceivedAt,
		}
	}
	s.devices[hb.DeviceID].Capabilities = hb.Capabilities
	s.live[hb.DeviceID] = &types.LivenessRecord{
		DeviceID:  hb.DeviceID,
		LastSeen:  hb.ReceivedAt,
		Resources: hb.Resources,
	}
	s.marked[hb.DeviceID] = true
	return HeartbeatResult{Accepted: true, WasOnline: wasOnline}, nil
}

func (s *memStore) SweepOffline(_ context.Context, cutoff time.Time) ([]SweptDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []SweptDevice
	for id, rec := range s.live {
		if s.marked[id] && rec.LastSeen.Before(cutoff) {
			s.marked[id] = false
			swept = append(swept, SweptDevice{DeviceID: id, LastSeen: rec.LastSeen})
		}
	}
	return swept, nil
}

func (s *memStore) GetDevice(_ context.Context, id types.DeviceID) (*DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	rec := s.live[id]
	return &DeviceStatus{
		Device:   *dev,
		Liveness: *rec,
		Online:   rec.OnlineAt(time.Now(), s.timeout),
	}, nil
}

func (s *memStore) QueryDevices(_ context.Context, filter Filter) ([]DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeviceStatus
	for id, dev := range s.devices {
		if dev.Disabled {
			continue
		}
		if filter.Capability != "" && !dev.HasCapability(filter.Capability) {
			continue
		}
		rec := s.live[id]
		online := rec.OnlineAt(time.Now(), s.timeout)
		if filter.OnlineOnly && !online {
			continue
		}
		out = append(out, DeviceStatus{Device: *dev, Liveness: *rec, Online: online})
	}
	return out, nil
}

func (s *memStore) SetDisabled(_ context.Context, id types.DeviceID, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	dev.Disabled = disabled
	return nil
}

func (s *memStore) lastSeen(id types.DeviceID) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.live[id]; ok {
		return rec.LastSeen
	}
	return time.Time{}
}

// recordingAccruer captures accrual calls from the tracker.
type recordingAccruer struct {
	mu    sync.Mutex
	calls []time.Time
}

func (a *recordingAccruer) Accrue(_ context.Context, _ types.DeviceID, _ string, _ types.Resources, heartbeatAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, heartbeatAt)
	return nil
}

func (a *recordingAccruer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func publishHeartbeat(t *testing.T, b bus.Bus, id types.DeviceID, at time.Time) {
	t.Helper()
	data, err := bus.Encode(bus.KindHeartbeat, bus.Heartbeat{
		DeviceID:      id,
		OwnerUserID:   "alice",
		DeviceType:    types.DeviceAlwaysOn,
		WalletAddress: "wallet-1",
		Capabilities:  []string{"storage"},
		Resources:     types.Resources{CPUCores: 8, RAMMB: 16384},
		Timestamp:     at,
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(bus.SubjectHeartbeat, data))
}

// collectTransitions subscribes before the tracker starts so no transition
// is missed; Memory delivery is synchronous.
func collectTransitions(t *testing.T, b bus.Bus) *[]bus.Transition {
	t.Helper()
	var mu sync.Mutex
	out := &[]bus.Transition{}
	_, err := b.Subscribe(bus.SubjectTransition, func(msg *bus.Msg) {
		var tr bus.Transition
		require.NoError(t, bus.Decode(msg.Data, bus.KindTransition, &tr))
		mu.Lock()
		*out = append(*out, tr)
		mu.Unlock()
	})
	require.NoError(t, err)
	return out
}

func startTracker(t *testing.T, store Store, b bus.Bus, accruer Accruer, timeout time.Duration) *Tracker {
	t.Helper()
	tracker := NewTracker(store, b, accruer, TrackerConfig{Timeout: timeout}, zaptest.NewLogger(t))
	require.NoError(t, tracker.Start(context.Background()))
	t.Cleanup(tracker.Stop)
	return tracker
}

func TestFirstHeartbeatRegistersAndAccrues(t *testing.T) {
	b := bus.NewMemory()
	store := newMemStore(90 * time.Second)
	accruer := &recordingAccruer{}
	transitions := collectTransitions(t, b)
	startTracker(t, store, b, accruer, 90*time.Second)

	now := time.Now()
	publishHeartbeat(t, b, "device-1", now)

	status, err := store.GetDevice(context.Background(), "device-1")
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.Equal(t, types.UserID("alice"), status.Device.OwnerUserID)

	assert.Equal(t, 1, accruer.count())
	require.Len(t, *transitions, 1)
	assert.True(t, (*transitions)[0].Online)
	assert.Equal(t, types.DeviceID("device-1"), (*transitions)[0].DeviceID)
}

func TestStaleHeartbeatNeverRegressesLastSeen(t *testing.T) {
	b := bus.NewMemory()
	store := newMemStore(90 * time.Second)
	accruer := &recordingAccruer{}
	startTracker(t, store, b, accruer, 90*time.Second)

	now := time.Now()
	publishHeartbeat(t, b, "device-1", now)
	publishHeartbeat(t, b, "device-1", now.Add(-time.Minute))

	assert.True(t, store.lastSeen("device-1").Equal(now), "older heartbeat must not move last_seen")
	assert.Equal(t, 1, accruer.count(), "rejected heartbeat must not accrue")
}

func TestDuplicateHeartbeatAccruesOnce(t *testing.T) {
	b := bus.NewMemory()
	store := newMemStore(90 * time.Second)
	accruer := &recordingAccruer{}
	startTracker(t, store, b, accruer, 90*time.Second)

	now := time.Now()
	publishHeartbeat(t, b, "device-1", now)
	publishHeartbeat(t, b, "device-1", now)

	assert.Equal(t, 1, accruer.count())
}

func TestOngoingHeartbeatsEmitNoExtraTransitions(t *testing.T) {
	b := bus.NewMemory()
	store := newMemStore(90 * time.Second)
	transitions := collectTransitions(t, b)
	startTracker(t, store, b, nil, 90*time.Second)

	now := time.Now()
	publishHeartbeat(t, b, "device-1", now.Add(-2*time.Second))
	publishHeartbeat(t, b, "device-1", now.Add(-time.Second))
	publishHeartbeat(t, b, "device-1", now)

	assert.Len(t, *transitions, 1, "only the offline->online flip transitions")
}

func TestInvalidHeartbeatRejected(t *testing.T) {
	b := bus.NewMemory()
	store := newMemStore(90 * time.Second)
	startTracker(t, store, b, nil, 90*time.Second)

	data, err := bus.Encode(bus.KindHeartbeat, bus.Heartbeat{
		DeviceID:  "device-1",
		Timestamp: time.Now(),
		// no wallet address
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(bus.SubjectHeartbeat, data))

	_, err = store.GetDevice(context.Background(), "device-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSweepPublishesOfflineTransition(t *testing.T) {
	b := bus.NewMemory()
	timeout := 90 * time.Second
	store := newMemStore(timeout)
	transitions := collectTransitions(t, b)
	tracker := startTracker(t, store, b, nil, timeout)

	lastSeen := time.Now().Add(-2 * timeout)
	publishHeartbeat(t, b, "device-1", lastSeen)

	tracker.SweepOnce(context.Background())

	require.Len(t, *transitions, 2)
	offline := (*transitions)[1]
	assert.False(t, offline.Online)
	assert.Equal(t, types.DeviceID("device-1"), offline.DeviceID)
	assert.True(t, offline.LastSeen.Equal(lastSeen))

	// A second sweep finds nothing new to flip.
	tracker.SweepOnce(context.Background())
	assert.Len(t, *transitions, 2)
}

func TestRegistryIsOnline(t *testing.T) {
	store := newMemStore(90 * time.Second)
	reg := New(store)
	ctx := context.Background()

	online, err := reg.IsOnline(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, online, "unknown device is offline, not an error")

	_, err = store.RecordHeartbeat(ctx, HeartbeatUpsert{
		DeviceID:      "device-1",
		WalletAddress: "w",
		ReceivedAt:    time.Now(),
	})
	require.NoError(t, err)

	online, err = reg.IsOnline(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, store.SetDisabled(ctx, "device-1", true))
	online, err = reg.IsOnline(ctx, "device-1")
	require.NoError(t, err)
	assert.False(t, online, "disabled devices count as offline")
}

func TestQueryOnlineDevicesFiltersByCapability(t *testing.T) {
	store := newMemStore(90 * time.Second)
	reg := New(store)
	ctx := context.Background()
	now := time.Now()

	_, err := store.RecordHeartbeat(ctx, HeartbeatUpsert{
		DeviceID: "storage-node", WalletAddress: "w",
		Capabilities: []types.Capability{types.CapStorage},
		ReceivedAt:   now,
	})
	require.NoError(t, err)
	_, err = store.RecordHeartbeat(ctx, HeartbeatUpsert{
		DeviceID: "compute-node", WalletAddress: "w",
		Capabilities: []types.Capability{types.CapCompute},
		ReceivedAt:   now,
	})
	require.NoError(t, err)
	_, err = store.RecordHeartbeat(ctx, HeartbeatUpsert{
		DeviceID: "stale-storage", WalletAddress: "w",
		Capabilities: []types.Capability{types.CapStorage},
		ReceivedAt:   now.Add(-time.Hour),
	})
	require.NoError(t, err)

	devices, err := reg.QueryOnlineDevices(ctx, types.CapStorage)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, types.DeviceID("storage-node"), devices[0].Device.ID)
}
