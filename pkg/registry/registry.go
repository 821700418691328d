// Package registry is the durable table of known devices and the liveness
// tracker that maintains it from heartbeats. Online/offline is always a
// derived property of heartbeat recency, never an independently set flag.
package registry

import (
	"context"
	"errors"
	"time"

	"vibemesh/pkg/types"
)

// ErrDeviceNotFound is returned by reads for unregistered devices.
var ErrDeviceNotFound = errors.New("device not found")

// HeartbeatUpsert is the store-level view of one heartbeat. The first
// heartbeat from a device performs its registration.
type HeartbeatUpsert struct {
	DeviceID      types.DeviceID
	OwnerUserID   types.UserID
	DeviceType    types.DeviceType
	WalletAddress string
	Capabilities  []types.Capability
	Resources     types.Resources
	ReceivedAt    time.Time
}

// HeartbeatResult reports what the upsert changed. Accepted is false for
// duplicate or out-of-order heartbeats, which never move LastSeen
// backward. WasOnline is the device's derived state just before this
// heartbeat, used to detect offline→online transitions.
type HeartbeatResult struct {
	Accepted  bool
	WasOnline bool
}

// DeviceStatus is a registry read: identity plus current liveness, with
// Online recomputed from LastSeen at read time.
type DeviceStatus struct {
	Device   types.Device
	Liveness types.LivenessRecord
	Online   bool
}

// Filter narrows QueryDevices. Zero value matches everything.
type Filter struct {
	Capability types.Capability
	OnlineOnly bool
}

// SweptDevice is a device the offline sweep flipped.
type SweptDevice struct {
	DeviceID types.DeviceID
	LastSeen time.Time
}

// Store persists devices and liveness records. Implemented by
// pkg/store/postgres; tests provide an in-memory equivalent.
type Store interface {
	RecordHeartbeat(ctx context.Context, hb HeartbeatUpsert) (HeartbeatResult, error)

	// SweepOffline flips the stored online marker for every record whose
	// LastSeen is before cutoff and returns the devices it flipped. The
	// marker exists only so transitions can be detected; reads derive
	// online state from LastSeen directly.
	SweepOffline(ctx context.Context, cutoff time.Time) ([]SweptDevice, error)

	GetDevice(ctx context.Context, id types.DeviceID) (*DeviceStatus, error)
	QueryDevices(ctx context.Context, filter Filter) ([]DeviceStatus, error)
	SetDisabled(ctx context.Context, id types.DeviceID, disabled bool) error
}

// Registry is the read surface other components consult.
type Registry struct {
	store Store
}

func New(store Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) GetDevice(ctx context.Context, id types.DeviceID) (*DeviceStatus, error) {
	return r.store.GetDevice(ctx, id)
}

// QueryOnlineDevices lists currently-online devices, optionally narrowed
// to one capability.
func (r *Registry) QueryOnlineDevices(ctx context.Context, capability types.Capability) ([]DeviceStatus, error) {
	return r.store.QueryDevices(ctx, Filter{Capability: capability, OnlineOnly: true})
}

// IsOnline reports the derived liveness of one device. Unknown devices
// are offline, not an error, for routing purposes.
func (r *Registry) IsOnline(ctx context.Context, id types.DeviceID) (bool, error) {
	status, err := r.store.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return false, nil
		}
		return false, err
	}
	return status.Online && !status.Device.Disabled, nil
}
