package bus

import (
	"testing"
	"time"

	"vibemesh/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeartbeat(t *testing.T) {
	hb := Heartbeat{
		DeviceID:      "device-1",
		OwnerUserID:   "alice",
		DeviceType:    types.DeviceAlwaysOn,
		WalletAddress: "wallet-abc",
		Capabilities:  []string{"compute", "storage"},
		Resources:     types.Resources{CPUCores: 8, RAMMB: 16384},
		Timestamp:     time.Now().UTC().Truncate(time.Second),
	}

	data, err := Encode(KindHeartbeat, hb)
	require.NoError(t, err)

	var got Heartbeat
	require.NoError(t, Decode(data, KindHeartbeat, &got))
	assert.Equal(t, hb, got)
}

func TestDecodeRejectsWrongKind(t *testing.T) {
	data, err := Encode(KindHeartbeat, Heartbeat{DeviceID: "d"})
	require.NoError(t, err)

	var ack SyncAck
	err = Decode(data, KindSyncAck, &ack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected message kind")
}

func TestDecodeRejectsMissingKind(t *testing.T) {
	var hb Heartbeat
	err := Decode([]byte(`{"v":1,"payload":{}}`), KindHeartbeat, &hb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing kind")
}

func TestDecodeRejectsNewerSchema(t *testing.T) {
	var hb Heartbeat
	err := Decode([]byte(`{"kind":"heartbeat","v":99,"payload":{}}`), KindHeartbeat, &hb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported schema version")
}

func TestDecodeIgnoresUnknownPayloadFields(t *testing.T) {
	raw := []byte(`{"kind":"heartbeat","v":1,"payload":{"device_id":"d","wallet_address":"w","timestamp":"2026-01-02T03:04:05Z","future_field":true}}`)

	var hb Heartbeat
	require.NoError(t, Decode(raw, KindHeartbeat, &hb))
	assert.Equal(t, types.DeviceID("d"), hb.DeviceID)
	require.NoError(t, hb.Validate())
}

func TestHeartbeatValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		hb      Heartbeat
		wantErr string
	}{
		{"valid", Heartbeat{DeviceID: "d", WalletAddress: "w", Timestamp: now}, ""},
		{"missing device", Heartbeat{WalletAddress: "w", Timestamp: now}, "device_id"},
		{"missing wallet", Heartbeat{DeviceID: "d", Timestamp: now}, "wallet_address"},
		{"missing timestamp", Heartbeat{DeviceID: "d", WalletAddress: "w"}, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.hb.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSyncRequestValidate(t *testing.T) {
	valid := SyncRequest{
		OwnerDeviceID: "owner",
		Version:       100,
		Checksum:      "abc",
		Ciphertext:    []byte{1, 2, 3},
	}
	assert.NoError(t, valid.Validate())

	noVersion := valid
	noVersion.Version = 0
	assert.Error(t, noVersion.Validate())

	noCiphertext := valid
	noCiphertext.Ciphertext = nil
	assert.Error(t, noCiphertext.Validate())
}
