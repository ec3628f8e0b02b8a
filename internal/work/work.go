// Package work defines the payloads carried by durability jobs. The
// health scanner and the upload path produce them; the healer and reaper
// consume them.
package work

import "github.com/google/uuid"

// HealChunk asks the healer to restore a chunk's replica count.
type HealChunk struct {
	ChunkID uuid.UUID `msgpack:"chunk_id"`
	Current int       `msgpack:"current"`
	Target  int       `msgpack:"target"`
}

// TrimExcess asks the reaper to shed replicas above target plus margin.
type TrimExcess struct {
	ChunkID uuid.UUID `msgpack:"chunk_id"`
}

// DeleteFile asks the reaper to remove every replica of a deleted file.
type DeleteFile struct {
	FileID uuid.UUID `msgpack:"file_id"`
	Reason string    `msgpack:"reason"`
}

// DistributeFile asks the distributor to ship a freshly uploaded file's
// chunks to the fleet.
type DistributeFile struct {
	FileID uuid.UUID `msgpack:"file_id"`
}
