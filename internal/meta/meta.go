// Package meta defines the coordinator's metadata entities and the
// transactional store contract they live behind.
//
// The metadata store is the single source of truth: every cross-component
// invariant (replica counts, placement uniqueness, chunk states) is
// reconciled here, never in component memory. Components hold a Store and
// treat all reads as snapshots; the health scanner repairs any drift.
package meta

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a device, file, chunk or placement
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint. Placement races treat this as success.
	ErrDuplicate = errors.New("already exists")
)

// DeviceState is the lifecycle state of a storage device.
type DeviceState string

const (
	DeviceOnline    DeviceState = "online"
	DeviceOffline   DeviceState = "offline"
	DeviceSuspended DeviceState = "suspended"
)

// FileState is the lifecycle state of a stored file.
type FileState string

const (
	FileUploading FileState = "uploading"
	FileActive    FileState = "active"
	FileDeleted   FileState = "deleted"
)

// ChunkState is the replication health of a single chunk.
type ChunkState string

const (
	ChunkPending     ChunkState = "pending"
	ChunkReplicating ChunkState = "replicating"
	ChunkHealthy     ChunkState = "healthy"
	ChunkDegraded    ChunkState = "degraded"
	ChunkLost        ChunkState = "lost"
)

// Device is one storage node in the fleet. LogicalID is the identity the
// device presents on the wire; ID never leaves the metadata boundary.
type Device struct {
	ID             uuid.UUID
	LogicalID      string
	Type           string
	OwnerID        string
	TotalBytes     int64
	AvailableBytes int64
	State          DeviceState
	LastSeenAt     time.Time
	UptimeMS       int64
	DowntimeMS     int64
	// Reliability is in [0,100], derived from the uptime ratio.
	Reliability float64
	Model       string
	OS          string
	App         string
}

// File is one uploaded file. The coordinator never stores its bytes;
// WrappedDEK and PlaintextHash are all that is needed to reassemble and
// verify it from chunk replicas.
type File struct {
	ID            uuid.UUID
	Name          string
	MIME          string
	SizeBytes     int64
	OwnerID       string
	WrappedDEK    string
	DEKID         string
	PlaintextHash string
	State         FileState
	ChunkCount    int
	CreatedAt     time.Time
}

// Chunk is one encrypted piece of a file. The AEAD material (hex encoded)
// is everything a holder-independent decrypt needs besides the DEK.
type Chunk struct {
	ID              uuid.UUID
	FileID          uuid.UUID
	Sequence        int
	SizeBytes       int64
	IV              string
	AuthTag         string
	AAD             string
	CiphertextHash  string
	State           ChunkState
	CurrentReplicas int
	TargetReplicas  int
}

// Placement records that a device holds (or is being sent) a chunk.
// A placement is confirmed once the device acks and LastVerifiedAt is set.
type Placement struct {
	ID             uuid.UUID
	ChunkID        uuid.UUID
	DeviceID       uuid.UUID
	LocalPath      string
	Healthy        bool
	LastVerifiedAt time.Time
}

// Holder is a placement joined with its device, the unit the durability
// loop reasons about.
type Holder struct {
	Placement Placement
	Device    Device
}

// Live reports whether this holder counts toward a chunk's healthy
// replicas: the placement is healthy and the device is online.
func (h Holder) Live() bool {
	return h.Placement.Healthy && h.Device.State == DeviceOnline
}

// CountLive returns the number of live holders in hs.
func CountLive(hs []Holder) int {
	n := 0
	for _, h := range hs {
		if h.Live() {
			n++
		}
	}
	return n
}
