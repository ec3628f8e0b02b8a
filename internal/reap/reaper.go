// Package reap removes replicas: every replica of a deleted file, and
// the excess replicas of over-replicated chunks.
//
// Device-side deletes are best effort. A holder that cannot be reached
// keeps its bytes for now; the placement row is degraded instead, and
// the scanner reconciles on a later pass. The metadata delete always
// wins over the device delete.
package reap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"weft/internal/channel"
	"weft/internal/logging"
	"weft/internal/meta"
	"weft/internal/queue"
	"weft/internal/staging"
	"weft/internal/work"
)

// Reaper consumes delete-file and trim-excess jobs.
type Reaper struct {
	store   meta.Store
	hub     *channel.Hub
	staging *staging.Store
	margin  int
	logger  *slog.Logger
}

// New creates a Reaper. margin is the tolerated excess above target.
func New(store meta.Store, hub *channel.Hub, stage *staging.Store, margin int, logger *slog.Logger) *Reaper {
	logger = logging.Default(logger)
	return &Reaper{
		store:   store,
		hub:     hub,
		staging: stage,
		margin:  margin,
		logger:  logger.With("component", "reap"),
	}
}

// HandleDeleteFile removes every replica of a file and then drops its
// metadata. Unreachable holders are skipped; the file row delete cascades
// over chunks and placements regardless, so a skipped holder only leaves
// orphaned bytes on the device, never orphaned metadata.
func (r *Reaper) HandleDeleteFile(ctx context.Context, job queue.Job) error {
	var p work.DeleteFile
	if err := job.Decode(&p); err != nil {
		return err
	}

	_, err := r.store.GetFile(ctx, p.FileID)
	if errors.Is(err, meta.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete file %s: %w", p.FileID, err)
	}

	chunks, err := r.store.ChunksByFile(ctx, p.FileID)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", p.FileID, err)
	}

	for i := range chunks {
		if err := r.dropReplicas(ctx, &chunks[i], p.Reason); err != nil {
			return fmt.Errorf("delete file %s: %w", p.FileID, err)
		}
		r.staging.Remove(chunks[i].ID)
	}

	if err := r.store.DeleteFile(ctx, p.FileID); err != nil && !errors.Is(err, meta.ErrNotFound) {
		return fmt.Errorf("delete file %s: %w", p.FileID, err)
	}
	r.logger.Info("file reaped", "file", p.FileID, "chunks", len(chunks), "reason", p.Reason)
	return nil
}

// dropReplicas tells every holder of a chunk to delete it, in parallel.
// Acked holders get their capacity restored on the spot.
func (r *Reaper) dropReplicas(ctx context.Context, chunk *meta.Chunk, reason string) error {
	holders, err := r.store.HoldersByChunk(ctx, chunk.ID)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, h := range holders {
		h := h
		g.Go(func() error {
			err := r.hub.DeleteChunk(ctx, h.Device.LogicalID, chunk.ID.String(), reason)
			if err != nil {
				r.logger.Warn("replica delete skipped",
					"chunk", chunk.ID, "device", h.Device.LogicalID, "error", err)
				return nil
			}
			if err := r.store.AddDeviceCapacity(ctx, h.Device.ID, chunk.SizeBytes); err != nil {
				r.logger.Error("capacity restore failed",
					"device", h.Device.LogicalID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return nil
}

// HandleTrimExcess sheds replicas of a chunk down to target plus margin,
// sacrificing the least reliable holders first.
func (r *Reaper) HandleTrimExcess(ctx context.Context, job queue.Job) error {
	var p work.TrimExcess
	if err := job.Decode(&p); err != nil {
		return err
	}

	chunk, err := r.store.GetChunk(ctx, p.ChunkID)
	if errors.Is(err, meta.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trim chunk %s: %w", p.ChunkID, err)
	}

	holders, err := r.store.HoldersByChunk(ctx, chunk.ID)
	if err != nil {
		return fmt.Errorf("trim chunk %s: %w", chunk.ID, err)
	}
	var live []meta.Holder
	for _, h := range holders {
		if h.Live() {
			live = append(live, h)
		}
	}

	excess := len(live) - (chunk.TargetReplicas + r.margin)
	if excess <= 0 {
		return nil
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].Device.Reliability < live[j].Device.Reliability
	})
	victims := live[:excess]

	trimmed := 0
	for _, v := range victims {
		err := r.hub.DeleteChunk(ctx, v.Device.LogicalID, chunk.ID.String(), "excess replica")
		if err != nil {
			// Unreachable holder: degrade the placement and move on. The
			// next scan sees the real count and re-trims if needed.
			r.logger.Warn("trim victim unreachable",
				"chunk", chunk.ID, "device", v.Device.LogicalID, "error", err)
			if herr := r.store.SetPlacementHealth(ctx, v.Placement.ID, false, time.Time{}); herr != nil {
				r.logger.Error("placement update failed", "placement", v.Placement.ID, "error", herr)
			}
			continue
		}
		if err := r.store.DeletePlacement(ctx, v.Placement.ID); err != nil && !errors.Is(err, meta.ErrNotFound) {
			return fmt.Errorf("trim chunk %s: %w", chunk.ID, err)
		}
		if err := r.store.AddChunkReplicas(ctx, chunk.ID, -1); err != nil {
			return fmt.Errorf("trim chunk %s: %w", chunk.ID, err)
		}
		if err := r.store.AddDeviceCapacity(ctx, v.Device.ID, chunk.SizeBytes); err != nil {
			return fmt.Errorf("trim chunk %s: %w", chunk.ID, err)
		}
		trimmed++
	}

	r.logger.Info("chunk trimmed",
		"chunk", chunk.ID, "excess", excess, "trimmed", trimmed)
	return nil
}
