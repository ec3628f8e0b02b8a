// Package channel is the connection registry: it binds each logical
// device id to exactly one open duplex channel and provides the typed
// request/response calls the rest of the coordinator uses to reach a
// device.
//
// Correlation is by chunk id embedded in the response event name; every
// in-flight call registers a waiter under that key and a watchdog
// timeout. Multiple concurrent calls per channel are fine.
package channel

import "encoding/json"

// Event names on the device channel. Inbound names are what devices
// send; outbound names are what the coordinator emits.
const (
	EvRegister      = "device:register"
	EvRegistered    = "device:registered"
	EvPing          = "device:ping"
	EvPong          = "device:pong"
	EvStorageUpdate = "device:storage:update"
	EvDisconnect    = "disconnect"

	EvChunkAssign  = "chunk:assign"
	EvChunkConfirm = "chunk:confirm"
	EvChunkRequest = "chunk:request"
	EvChunkData    = "chunk:data"
	EvChunkDelete  = "chunk:delete"
	EvChunkDeleted = "chunk:deleted"
)

// Msg is the envelope for every event on the channel.
type Msg struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RegisterPayload announces a device (in, device:register).
type RegisterPayload struct {
	LogicalDeviceID    string `json:"logical_device_id"`
	DeviceType         string `json:"device_type"`
	OwnerID            string `json:"owner_id"`
	TotalCapacityBytes int64  `json:"total_capacity_bytes"`
	Model              string `json:"model,omitempty"`
	OS                 string `json:"os,omitempty"`
	App                string `json:"app,omitempty"`
}

// RegisteredPayload acknowledges registration (out, device:registered).
type RegisteredPayload struct {
	Success bool        `json:"success"`
	Device  *DeviceView `json:"device,omitempty"`
	Message string      `json:"message,omitempty"`
}

// DeviceView is the device state echoed back on registration.
type DeviceView struct {
	LogicalDeviceID string  `json:"logical_device_id"`
	State           string  `json:"state"`
	Reliability     float64 `json:"reliability_score"`
}

// PingPayload is the periodic heartbeat (in, device:ping).
type PingPayload struct {
	LogicalDeviceID        string `json:"logical_device_id"`
	AvailableCapacityBytes int64  `json:"available_capacity_bytes"`
}

// PongPayload answers a ping (out, device:pong).
type PongPayload struct {
	Success     bool    `json:"success"`
	TimestampMS int64   `json:"timestamp_ms"`
	State       string  `json:"state"`
	Score       float64 `json:"reliability_score"`
	UptimePct   float64 `json:"uptime_pct"`
}

// StorageUpdatePayload refreshes free capacity (in, device:storage:update).
type StorageUpdatePayload struct {
	AvailableCapacityBytes int64 `json:"available_capacity_bytes"`
}

// AssignPayload ships a chunk to a device (out, chunk:assign).
type AssignPayload struct {
	ChunkID          string `json:"chunk_id"`
	FileID           string `json:"file_id"`
	SequenceNum      int    `json:"sequence_num"`
	SizeBytes        int64  `json:"size_bytes"`
	IV               string `json:"iv"`
	AuthTag          string `json:"auth_tag"`
	AAD              string `json:"aad"`
	Checksum         string `json:"checksum"`
	CiphertextBase64 string `json:"ciphertext_base64"`
}

// ConfirmPayload acks a chunk assignment (in, chunk:confirm).
type ConfirmPayload struct {
	ChunkID string `json:"chunk_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RequestPayload asks a device for a chunk (out, chunk:request).
type RequestPayload struct {
	ChunkID string `json:"chunk_id"`
}

// DataPayload returns chunk bytes (in, chunk:data:{chunk_id}).
type DataPayload struct {
	Success    bool   `json:"success"`
	DataBase64 string `json:"data_base64,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DeletePayload asks a device to drop a chunk (out, chunk:delete).
type DeletePayload struct {
	ChunkID string `json:"chunk_id"`
	Reason  string `json:"reason"`
}

// DeletedPayload acks a chunk delete (in, chunk:deleted:{chunk_id}).
type DeletedPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
