package store

import "time"

// NetworkState holds the parameters of the last commissioned network.
// NetworkKey is hidden from API/JSON serialization via json:"-".
type NetworkState struct {
	PanID          uint16    `json:"pan_id"`
	ExtPanID       string    `json:"ext_pan_id"`
	Channels       []uint8   `json:"channels"`
	NetworkKey     string    `json:"-"`
	Firmware       string    `json:"firmware,omitempty"`
	Formed         bool      `json:"formed"`
	CommissionedAt time.Time `json:"commissioned_at"`
}

// networkStateStorage is the internal struct used for DB serialization,
// preserving the network key on disk.
type networkStateStorage struct {
	PanID          uint16    `json:"pan_id"`
	ExtPanID       string    `json:"ext_pan_id"`
	Channels       []uint8   `json:"channels"`
	NetworkKey     string    `json:"network_key,omitempty"`
	Firmware       string    `json:"firmware,omitempty"`
	Formed         bool      `json:"formed"`
	CommissionedAt time.Time `json:"commissioned_at"`
}

// Backup is a named snapshot of coprocessor NV items.
type Backup struct {
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
	Firmware  string       `json:"firmware,omitempty"`
	Items     []BackupItem `json:"items"`
}

// BackupItem is one NV item. Data is base64 in JSON.
type BackupItem struct {
	ID   uint16 `json:"id"`
	Data []byte `json:"data"`
}
