package meta

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the metadata store contract. All methods are safe for
// concurrent use; counter updates are atomic in the store, so callers
// never read-modify-write replica or capacity counters.
type Store interface {
	// Devices.

	// PutDevice inserts or fully updates a device row.
	PutDevice(ctx context.Context, d Device) error
	// GetDevice looks a device up by internal id.
	GetDevice(ctx context.Context, id uuid.UUID) (*Device, error)
	// GetDeviceByLogicalID looks a device up by its wire identity.
	GetDeviceByLogicalID(ctx context.Context, logicalID string) (*Device, error)
	// ListDevices returns every device row.
	ListDevices(ctx context.Context) ([]Device, error)
	// ListStaleDevices returns online devices not seen since the cutoff.
	ListStaleDevices(ctx context.Context, cutoff time.Time) ([]Device, error)
	// FindHealthyDevices returns online devices with at least minFree
	// bytes available and a reliability of at least minScore, ordered by
	// (reliability DESC, available DESC, id), truncated to limit.
	FindHealthyDevices(ctx context.Context, minFree int64, minScore float64, limit int) ([]Device, error)
	// AddDeviceCapacity atomically adjusts a device's available bytes.
	// The result is clamped to [0, total].
	AddDeviceCapacity(ctx context.Context, id uuid.UUID, delta int64) error

	// Files.

	// CreateFile inserts a new file row.
	CreateFile(ctx context.Context, f File) error
	// GetFile looks a file up by id.
	GetFile(ctx context.Context, id uuid.UUID) (*File, error)
	// SetFileState transitions a file's lifecycle state.
	SetFileState(ctx context.Context, id uuid.UUID, state FileState) error
	// DeleteFile removes the file row; chunk and placement rows cascade.
	DeleteFile(ctx context.Context, id uuid.UUID) error

	// Chunks.

	// CreateChunk inserts a new chunk row. Returns ErrDuplicate when
	// (file_id, sequence) already exists.
	CreateChunk(ctx context.Context, c Chunk) error
	// GetChunk looks a chunk up by id.
	GetChunk(ctx context.Context, id uuid.UUID) (*Chunk, error)
	// ChunksByFile returns a file's chunks ordered by sequence.
	ChunksByFile(ctx context.Context, fileID uuid.UUID) ([]Chunk, error)
	// ChunksInStates returns all chunks whose state is in states.
	ChunksInStates(ctx context.Context, states ...ChunkState) ([]Chunk, error)
	// SetChunkState transitions a chunk's replication state.
	SetChunkState(ctx context.Context, id uuid.UUID, state ChunkState) error
	// AddChunkReplicas atomically adjusts current_replicas, clamped at 0.
	AddChunkReplicas(ctx context.Context, id uuid.UUID, delta int) error
	// SetChunkReplicas overwrites current_replicas with a recount.
	SetChunkReplicas(ctx context.Context, id uuid.UUID, n int) error

	// Placements.

	// CreatePlacement inserts a placement row. Returns ErrDuplicate when
	// the (chunk, device) pair already exists.
	CreatePlacement(ctx context.Context, p Placement) error
	// HoldersByChunk returns all placements of a chunk joined with their
	// devices.
	HoldersByChunk(ctx context.Context, chunkID uuid.UUID) ([]Holder, error)
	// PlacementsByDevice returns all placements hosted on a device.
	PlacementsByDevice(ctx context.Context, deviceID uuid.UUID) ([]Placement, error)
	// SetPlacementHealth flips a placement's healthy flag. A non-zero
	// verifiedAt also records the verification time.
	SetPlacementHealth(ctx context.Context, id uuid.UUID, healthy bool, verifiedAt time.Time) error
	// DeletePlacement removes a single placement row.
	DeletePlacement(ctx context.Context, id uuid.UUID) error
}
