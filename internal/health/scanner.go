// Package health classifies chunk durability and emits repair work.
//
// The scanner is the eventual-consistency engine: every pass recounts a
// chunk's live holders from the placement rows, rewrites the cached
// counter and state, and enqueues healing or trimming as needed. Workers
// therefore never need read-your-write guarantees; drift lasts at most
// one scan interval.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"weft/internal/logging"
	"weft/internal/meta"
	"weft/internal/queue"
	"weft/internal/work"
)

// Scanner walks the chunk population and reconciles replica state.
type Scanner struct {
	store  meta.Store
	queue  *queue.Queue
	margin int
	logger *slog.Logger
}

// NewScanner creates a Scanner. margin is how many replicas above target
// are tolerated before a trim is ordered.
func NewScanner(store meta.Store, q *queue.Queue, margin int, logger *slog.Logger) *Scanner {
	logger = logging.Default(logger)
	return &Scanner{
		store:  store,
		queue:  q,
		margin: margin,
		logger: logger.With("component", "health"),
	}
}

// Report summarizes one scan pass.
type Report struct {
	Scanned int
	Heals   int
	Trims   int
	Lost    int
}

// healPriority maps a replica shortfall to queue urgency. Zero live
// holders is critical; below half target is urgent; the rest is routine.
func healPriority(live, target int) int {
	switch {
	case live == 0:
		return 1
	case live < (target+1)/2:
		return 2
	default:
		return 3
	}
}

// healBackoff is the retry base for a heal job at the given priority.
func healBackoff(priority int) time.Duration {
	if priority == 1 {
		return 2 * time.Second
	}
	return 5 * time.Second
}

// ScanAll recounts every chunk that can still change state and enqueues
// the repair work. Runs once at startup and then on the scan interval.
func (s *Scanner) ScanAll(ctx context.Context) (Report, error) {
	chunks, err := s.store.ChunksInStates(ctx,
		meta.ChunkReplicating, meta.ChunkHealthy, meta.ChunkDegraded, meta.ChunkLost)
	if err != nil {
		return Report{}, fmt.Errorf("scan: %w", err)
	}

	var rep Report
	for i := range chunks {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		r, err := s.reconcile(ctx, &chunks[i])
		if err != nil {
			s.logger.Error("chunk reconcile failed", "chunk", chunks[i].ID, "error", err)
			continue
		}
		rep.Scanned++
		rep.Heals += r.Heals
		rep.Trims += r.Trims
		rep.Lost += r.Lost
	}

	s.logger.Info("scan complete",
		"scanned", rep.Scanned, "heals", rep.Heals, "trims", rep.Trims, "lost", rep.Lost)
	return rep, nil
}

// reconcile recounts one chunk and brings its cached state in line,
// enqueuing heal or trim work as the count dictates.
func (s *Scanner) reconcile(ctx context.Context, chunk *meta.Chunk) (Report, error) {
	holders, err := s.store.HoldersByChunk(ctx, chunk.ID)
	if err != nil {
		return Report{}, err
	}
	live := meta.CountLive(holders)

	if live != chunk.CurrentReplicas {
		if err := s.store.SetChunkReplicas(ctx, chunk.ID, live); err != nil {
			return Report{}, err
		}
	}

	var rep Report
	if live < chunk.TargetReplicas {
		state := meta.ChunkDegraded
		if live == 0 {
			state = meta.ChunkLost
			rep.Lost++
		}
		if chunk.State != state {
			if err := s.store.SetChunkState(ctx, chunk.ID, state); err != nil {
				return Report{}, err
			}
		}

		prio := healPriority(live, chunk.TargetReplicas)
		_, err := s.queue.Enqueue(ctx, queue.TypeHealChunk, work.HealChunk{
			ChunkID: chunk.ID,
			Current: live,
			Target:  chunk.TargetReplicas,
		}, queue.WithPriority(prio), queue.WithBackoff(healBackoff(prio)))
		if err != nil {
			return Report{}, err
		}
		rep.Heals++
		return rep, nil
	}

	// At or above target: the chunk is healthy, possibly over-replicated.
	if live > chunk.TargetReplicas+s.margin {
		if _, err := s.queue.Enqueue(ctx, queue.TypeTrimExcess,
			work.TrimExcess{ChunkID: chunk.ID}); err != nil {
			return Report{}, err
		}
		rep.Trims++
	}
	if chunk.State != meta.ChunkHealthy {
		if err := s.store.SetChunkState(ctx, chunk.ID, meta.ChunkHealthy); err != nil {
			return Report{}, err
		}
	}
	return rep, nil
}

// TrimPass enqueues trim work for over-replicated healthy chunks. A
// cheaper pass than ScanAll, run on the trim interval.
func (s *Scanner) TrimPass(ctx context.Context) (int, error) {
	chunks, err := s.store.ChunksInStates(ctx, meta.ChunkHealthy)
	if err != nil {
		return 0, fmt.Errorf("trim pass: %w", err)
	}

	trims := 0
	for i := range chunks {
		if ctx.Err() != nil {
			return trims, ctx.Err()
		}
		holders, err := s.store.HoldersByChunk(ctx, chunks[i].ID)
		if err != nil {
			s.logger.Error("trim recount failed", "chunk", chunks[i].ID, "error", err)
			continue
		}
		if meta.CountLive(holders) <= chunks[i].TargetReplicas+s.margin {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, queue.TypeTrimExcess,
			work.TrimExcess{ChunkID: chunks[i].ID}); err != nil {
			return trims, err
		}
		trims++
	}
	if trims > 0 {
		s.logger.Info("trim pass complete", "trims", trims)
	}
	return trims, nil
}

// DetectAffected runs when a device leaves the online state. Every
// placement on the device is marked unhealthy, then each affected chunk
// is recounted and queued for healing without waiting for the next scan.
func (s *Scanner) DetectAffected(ctx context.Context, deviceID uuid.UUID) error {
	placements, err := s.store.PlacementsByDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("detect affected on %s: %w", deviceID, err)
	}
	if len(placements) == 0 {
		return nil
	}

	affected := make(map[uuid.UUID]bool, len(placements))
	for _, p := range placements {
		if err := s.store.SetPlacementHealth(ctx, p.ID, false, time.Time{}); err != nil {
			return fmt.Errorf("mark placement %s: %w", p.ID, err)
		}
		affected[p.ChunkID] = true
	}

	for chunkID := range affected {
		chunk, err := s.store.GetChunk(ctx, chunkID)
		if err != nil {
			s.logger.Error("affected chunk load failed", "chunk", chunkID, "error", err)
			continue
		}
		if chunk.State == meta.ChunkPending {
			continue
		}
		if _, err := s.reconcile(ctx, chunk); err != nil {
			s.logger.Error("affected chunk reconcile failed", "chunk", chunkID, "error", err)
		}
	}

	s.logger.Info("device placements degraded",
		"device", deviceID, "placements", len(placements), "chunks", len(affected))
	return nil
}
