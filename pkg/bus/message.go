package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"vibemesh/pkg/types"
)

// SchemaVersion is bumped when a message kind changes shape incompatibly.
const SchemaVersion = 1

// Message kinds carried in envelopes.
const (
	KindHeartbeat    = "heartbeat"
	KindAnnounce     = "announce"
	KindTransition   = "liveness_transition"
	KindSync         = "storage_sync"
	KindSyncAck      = "storage_sync_ack"
	KindServe        = "storage_serve"
	KindServeReply   = "storage_serve_reply"
)

// Envelope is the tagged wrapper around every bus payload. Unknown fields
// inside payloads are ignored; missing required fields reject the message.
type Envelope struct {
	Kind    string          `json:"kind"`
	Version int             `json:"v"`
	Payload json.RawMessage `json:"payload"`
}

// Heartbeat is the periodic liveness and resource report from a device.
type Heartbeat struct {
	DeviceID      types.DeviceID   `json:"device_id"`
	OwnerUserID   types.UserID     `json:"owner_user_id,omitempty"`
	DeviceType    types.DeviceType `json:"device_type,omitempty"`
	WalletAddress string           `json:"wallet_address"`
	Capabilities  []string         `json:"capabilities"`
	Resources     types.Resources  `json:"resources"`
	Timestamp     time.Time        `json:"timestamp"`
}

func (h *Heartbeat) Validate() error {
	if h.DeviceID == "" {
		return fmt.Errorf("heartbeat missing device_id")
	}
	if h.WalletAddress == "" {
		return fmt.Errorf("heartbeat missing wallet_address")
	}
	if h.Timestamp.IsZero() {
		return fmt.Errorf("heartbeat missing timestamp")
	}
	return nil
}

// Transition is published when a device flips between online and offline.
type Transition struct {
	DeviceID types.DeviceID `json:"device_id"`
	Online   bool           `json:"online"`
	LastSeen time.Time      `json:"last_seen"`
	At       time.Time      `json:"at"`
}

// SyncRequest carries one encrypted snapshot to a storage provider. The
// ciphertext is opaque to the provider; salt and nonce are not secret.
type SyncRequest struct {
	OwnerDeviceID types.DeviceID `json:"owner_device_id"`
	Version       int64          `json:"version"`
	Checksum      string         `json:"checksum"`
	Salt          string         `json:"salt"`
	Nonce         string         `json:"nonce"`
	Ciphertext    []byte         `json:"ciphertext"`
	SizeBytes     int64          `json:"size"`
}

func (r *SyncRequest) Validate() error {
	if r.OwnerDeviceID == "" {
		return fmt.Errorf("sync missing owner_device_id")
	}
	if r.Version <= 0 {
		return fmt.Errorf("sync missing version")
	}
	if r.Checksum == "" {
		return fmt.Errorf("sync missing checksum")
	}
	if len(r.Ciphertext) == 0 {
		return fmt.Errorf("sync missing ciphertext")
	}
	return nil
}

// SyncAck is the provider's reply. A rejected sync reports the version the
// provider already holds so the client can tell replay from loss.
type SyncAck struct {
	Accepted      bool  `json:"accepted"`
	StoredVersion int64 `json:"stored_version"`
}

// ServeRequest asks a provider for the latest replica of an owner device.
type ServeRequest struct {
	OwnerDeviceID types.DeviceID `json:"owner_device_id"`
}

func (r *ServeRequest) Validate() error {
	if r.OwnerDeviceID == "" {
		return fmt.Errorf("serve missing owner_device_id")
	}
	return nil
}

// ServeReply returns the stored ciphertext and its metadata verbatim, or
// Found=false when the provider holds no replica for the owner.
type ServeReply struct {
	Found      bool   `json:"found"`
	Version    int64  `json:"version"`
	Checksum   string `json:"checksum"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	SizeBytes  int64  `json:"size"`
}

// Encode wraps a payload in a versioned envelope.
func Encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Version: SchemaVersion, Payload: raw})
}

// Decode unwraps an envelope, checks the kind tag, and unmarshals the
// payload into out. Payload validation stays with the typed Validate
// methods so callers decide what "required" means for their kind.
func Decode(data []byte, wantKind string, out any) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Kind == "" {
		return fmt.Errorf("envelope missing kind")
	}
	if env.Kind != wantKind {
		return fmt.Errorf("unexpected message kind %q, want %q", env.Kind, wantKind)
	}
	if env.Version > SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", env.Version)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", wantKind, err)
	}
	return nil
}
