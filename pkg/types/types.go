package types

import "time"

type DeviceID string
type UserID string
type BatchID string

// DeviceType describes how a device participates in the network.
type DeviceType string

const (
	DeviceAlwaysOn        DeviceType = "always_on"
	DeviceMobile          DeviceType = "mobile"
	DeviceStorageProvider DeviceType = "storage_provider"
)

// Capability is a service a device has declared it can perform.
type Capability string

const (
	CapCompute Capability = "compute"
	CapRelay   Capability = "relay"
	CapStorage Capability = "storage"
)

// Device is the durable identity of a peer. Identity fields are immutable
// after first registration; only capabilities and the disabled flag change.
type Device struct {
	ID            DeviceID
	OwnerUserID   UserID
	Type          DeviceType
	Capabilities  []Capability
	WalletAddress string
	Disabled      bool
	RegisteredAt  time.Time
}

func (d *Device) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Resources is the hardware snapshot a device reports with each heartbeat.
type Resources struct {
	CPUCores     int    `json:"cpu_cores"`
	RAMMB        int64  `json:"ram_mb"`
	GPUAvailable bool   `json:"gpu_available"`
	GPUModel     string `json:"gpu_model,omitempty"`
}

// LivenessRecord tracks heartbeat recency for one device. Online is always
// derived from LastSeen against the configured timeout, never set directly.
type LivenessRecord struct {
	DeviceID  DeviceID
	LastSeen  time.Time
	Resources Resources
}

// OnlineAt reports whether the device counts as online at the given instant.
func (r *LivenessRecord) OnlineAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastSeen) < timeout
}

// RewardLedgerEntry is the accrued balance for one device. PendingBalance
// only decreases when a batch zeroes it inside the distribution transaction.
type RewardLedgerEntry struct {
	DeviceID       DeviceID
	WalletAddress  string
	PendingBalance int64
	LifetimeEarned int64
	LastAccrualAt  time.Time
}

type BatchStatus string

const (
	BatchPending BatchStatus = "pending"
	BatchSettled BatchStatus = "settled"
	BatchFailed  BatchStatus = "failed"
)

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntrySettled EntryStatus = "settled"
	EntryFailed  EntryStatus = "failed"
)

// RewardBatch groups pending balances zeroed in a single transaction.
// Settlement outcome is tracked per entry; the batch status is the rollup.
type RewardBatch struct {
	ID          BatchID
	BatchNumber int64
	CreatedAt   time.Time
	Status      BatchStatus
	Entries     []RewardBatchEntry
}

type RewardBatchEntry struct {
	DeviceID      DeviceID
	WalletAddress string
	Amount        int64
	Status        EntryStatus
}

// StorageReplica is the provider-side record of one owner's encrypted
// snapshot. Version is the source snapshot timestamp and never decreases.
type StorageReplica struct {
	OwnerDeviceID    DeviceID
	ProviderDeviceID DeviceID
	Version          int64
	Checksum         string
	Salt             string
	Nonce            string
	CiphertextPath   string
	SizeBytes        int64
	UpdatedAt        time.Time
}

// RoutingEntry maps a user to the device holding their live data and an
// optional storage provider holding a replica.
type RoutingEntry struct {
	Username         string
	PrimaryDeviceID  DeviceID
	FallbackProvider DeviceID // empty when no fallback is configured
}

// RouteMode says how the caller should reach the routed device.
type RouteMode string

const (
	// RouteLive dials the primary device directly.
	RouteLive RouteMode = "live"
	// RouteReplicaServe asks a storage provider for the owner's replica.
	RouteReplicaServe RouteMode = "replica_serve"
)

// RoutedTarget is the result of resolving a username against current
// liveness. OwnerDeviceID is set only in replica-serve mode and names the
// offline primary whose replica should be requested.
type RoutedTarget struct {
	DeviceID      DeviceID
	Mode          RouteMode
	OwnerDeviceID DeviceID
}
