// Package heal restores under-replicated chunks.
//
// A heal job is a hint, not a command: the handler recounts before doing
// anything, because the fleet may have changed since the scanner looked.
// Ciphertext is reused as-is, staged copy first, then any live holder;
// a chunk is never re-encrypted.
package heal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"weft/internal/distribute"
	"weft/internal/logging"
	"weft/internal/meta"
	"weft/internal/placement"
	"weft/internal/queue"
	"weft/internal/retrieve"
	"weft/internal/work"
)

// Concurrency is how many heal jobs one worker runs at a time.
const Concurrency = 5

// Healer consumes heal-chunk jobs.
type Healer struct {
	store  meta.Store
	placer *placement.Engine
	dist   *distribute.Distributor
	ret    *retrieve.Retriever
	logger *slog.Logger
}

// New creates a Healer.
func New(store meta.Store, placer *placement.Engine, dist *distribute.Distributor, ret *retrieve.Retriever, logger *slog.Logger) *Healer {
	logger = logging.Default(logger)
	return &Healer{
		store:  store,
		placer: placer,
		dist:   dist,
		ret:    ret,
		logger: logger.With("component", "heal"),
	}
}

// Handle processes one heal-chunk job. Errors go back to the queue for
// a retried attempt; a chunk that no longer exists or no longer needs
// healing is acked silently.
func (h *Healer) Handle(ctx context.Context, job queue.Job) error {
	var p work.HealChunk
	if err := job.Decode(&p); err != nil {
		return err
	}

	chunk, err := h.store.GetChunk(ctx, p.ChunkID)
	if errors.Is(err, meta.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("heal chunk %s: %w", p.ChunkID, err)
	}

	holders, err := h.store.HoldersByChunk(ctx, chunk.ID)
	if err != nil {
		return fmt.Errorf("heal chunk %s: %w", chunk.ID, err)
	}
	live := meta.CountLive(holders)
	if live >= chunk.TargetReplicas {
		return h.settle(ctx, chunk, live)
	}

	placed, err := h.placer.Reassign(ctx, chunk.ID)
	if err != nil {
		return fmt.Errorf("heal chunk %s: %w", chunk.ID, err)
	}
	if len(placed) == 0 {
		// No candidates right now. Leave the chunk degraded; the next
		// scan pass queues another attempt.
		return h.settle(ctx, chunk, live)
	}

	ciphertext, err := h.ret.FetchCiphertext(ctx, chunk)
	if err != nil {
		return fmt.Errorf("heal chunk %s: %w", chunk.ID, err)
	}

	targets, err := h.targetsOn(ctx, chunk.ID, placed)
	if err != nil {
		return fmt.Errorf("heal chunk %s: %w", chunk.ID, err)
	}
	confirmed := h.dist.ShipChunk(ctx, chunk, targets, ciphertext)
	if confirmed == 0 {
		return fmt.Errorf("heal chunk %s: %w", chunk.ID, distribute.ErrNoReplicas)
	}

	holders, err = h.store.HoldersByChunk(ctx, chunk.ID)
	if err != nil {
		return fmt.Errorf("heal chunk %s: %w", chunk.ID, err)
	}
	live = meta.CountLive(holders)
	h.logger.Info("chunk healed",
		"chunk", chunk.ID, "confirmed", confirmed, "live", live, "target", chunk.TargetReplicas)
	return h.settle(ctx, chunk, live)
}

// targetsOn returns the chunk's placements on the given devices, joined
// with their device rows.
func (h *Healer) targetsOn(ctx context.Context, chunkID uuid.UUID, devices []meta.Device) ([]meta.Holder, error) {
	holders, err := h.store.HoldersByChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(devices))
	for _, d := range devices {
		want[d.ID] = true
	}
	var targets []meta.Holder
	for _, hh := range holders {
		if want[hh.Device.ID] {
			targets = append(targets, hh)
		}
	}
	return targets, nil
}

// settle rewrites the counter and derives the state from the live count.
func (h *Healer) settle(ctx context.Context, chunk *meta.Chunk, live int) error {
	if err := h.store.SetChunkReplicas(ctx, chunk.ID, live); err != nil {
		return err
	}
	state := meta.ChunkHealthy
	if live < chunk.TargetReplicas {
		state = meta.ChunkReplicating
		if live == 0 {
			state = meta.ChunkLost
		}
	}
	return h.store.SetChunkState(ctx, chunk.ID, state)
}
