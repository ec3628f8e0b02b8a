// Package placement selects which online devices host which chunk.
//
// Selection is deterministic: the registry's ranked query orders by
// (reliability DESC, available DESC, id) and the engine takes from the
// top. Races on the same (chunk, device) pair are resolved by the
// store's uniqueness constraint; a duplicate insert is a success.
package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"weft/internal/logging"
	"weft/internal/meta"
)

// ErrInsufficientCapacity is returned when fewer eligible devices exist
// than the redundancy factor requires.
var ErrInsufficientCapacity = errors.New("not enough eligible devices")

// Engine writes placement rows for chunks.
type Engine struct {
	store    meta.Store
	rf       int
	minScore float64
	logger   *slog.Logger
}

// NewEngine creates an Engine with the configured redundancy factor and
// minimum reliability for placement.
func NewEngine(store meta.Store, rf int, minScore float64, logger *slog.Logger) *Engine {
	logger = logging.Default(logger)
	return &Engine{
		store:    store,
		rf:       rf,
		minScore: minScore,
		logger:   logger.With("component", "placement"),
	}
}

// localPath is the synthetic per-device storage hint for a chunk.
func localPath(chunkID uuid.UUID) string {
	return "chunks/" + chunkID.String() + ".chunk"
}

// Assign picks RF devices for a fresh chunk and writes their placement
// rows. Rows start healthy and unverified; distribution confirms them
// device by device.
func (e *Engine) Assign(ctx context.Context, chunkID uuid.UUID, size int64) ([]meta.Device, error) {
	candidates, err := e.store.FindHealthyDevices(ctx, size, e.minScore, 3*e.rf)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	if len(candidates) < e.rf {
		return nil, fmt.Errorf("%d of %d devices for chunk %s: %w",
			len(candidates), e.rf, chunkID, ErrInsufficientCapacity)
	}
	selected := candidates[:e.rf]

	for _, d := range selected {
		err := e.store.CreatePlacement(ctx, meta.Placement{
			ID:        uuid.New(),
			ChunkID:   chunkID,
			DeviceID:  d.ID,
			LocalPath: localPath(chunkID),
			Healthy:   true,
		})
		if err != nil && !errors.Is(err, meta.ErrDuplicate) {
			return nil, fmt.Errorf("place chunk %s on %s: %w", chunkID, d.LogicalID, err)
		}
	}

	if err := e.store.SetChunkReplicas(ctx, chunkID, 0); err != nil {
		return nil, err
	}
	if err := e.store.SetChunkState(ctx, chunkID, meta.ChunkReplicating); err != nil {
		return nil, err
	}
	return selected, nil
}

// Reassign tops a degraded chunk back up to its target. Devices already
// holding the chunk are excluded regardless of placement health, so a
// flapping holder is never double-placed. New rows start unhealthy and
// await the device ack.
//
// Finding no candidates is not an error; the next scan retries.
func (e *Engine) Reassign(ctx context.Context, chunkID uuid.UUID) ([]meta.Device, error) {
	chunk, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, fmt.Errorf("reassign chunk %s: %w", chunkID, err)
	}
	holders, err := e.store.HoldersByChunk(ctx, chunkID)
	if err != nil {
		return nil, fmt.Errorf("reassign chunk %s: %w", chunkID, err)
	}

	missing := chunk.TargetReplicas - meta.CountLive(holders)
	if missing <= 0 {
		return nil, nil
	}

	holding := make(map[uuid.UUID]bool, len(holders))
	for _, h := range holders {
		holding[h.Device.ID] = true
	}

	candidates, err := e.store.FindHealthyDevices(ctx, chunk.SizeBytes, e.minScore, 3*e.rf)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	var selected []meta.Device
	for _, d := range candidates {
		if holding[d.ID] {
			continue
		}
		selected = append(selected, d)
		if len(selected) == missing {
			break
		}
	}
	if len(selected) == 0 {
		e.logger.Info("no reassignment candidates", "chunk", chunkID, "missing", missing)
		return nil, nil
	}

	for _, d := range selected {
		err := e.store.CreatePlacement(ctx, meta.Placement{
			ID:        uuid.New(),
			ChunkID:   chunkID,
			DeviceID:  d.ID,
			LocalPath: localPath(chunkID),
			Healthy:   false,
		})
		if err != nil && !errors.Is(err, meta.ErrDuplicate) {
			return nil, fmt.Errorf("place chunk %s on %s: %w", chunkID, d.LogicalID, err)
		}
	}

	if err := e.store.SetChunkState(ctx, chunkID, meta.ChunkReplicating); err != nil {
		return nil, err
	}
	e.logger.Info("chunk reassigned",
		"chunk", chunkID, "missing", missing, "placed", len(selected))
	return selected, nil
}
