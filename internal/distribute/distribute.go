// Package distribute fans chunk ciphertext out to its placed devices and
// reconciles the metadata with the acks that come back.
//
// Fan-out is all-settled: every target gets its attempt regardless of how
// the others fare. Accounting happens per ack, so a crash mid-fan-out
// leaves counters the scanner can repair rather than a half-applied batch.
package distribute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"weft/internal/channel"
	"weft/internal/logging"
	"weft/internal/meta"
	"weft/internal/staging"
)

// ErrNoReplicas is returned when not a single target confirmed a chunk.
var ErrNoReplicas = errors.New("no replica confirmed")

// Distributor ships staged ciphertext to holders.
type Distributor struct {
	store   meta.Store
	hub     *channel.Hub
	staging *staging.Store
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Distributor.
func New(store meta.Store, hub *channel.Hub, stage *staging.Store, logger *slog.Logger) *Distributor {
	logger = logging.Default(logger)
	return &Distributor{
		store:   store,
		hub:     hub,
		staging: stage,
		logger:  logger.With("component", "distribute"),
		now:     time.Now,
	}
}

// assignPayload builds the wire payload for one chunk.
func assignPayload(c *meta.Chunk, ciphertext []byte) channel.AssignPayload {
	return channel.AssignPayload{
		ChunkID:          c.ID.String(),
		FileID:           c.FileID.String(),
		SequenceNum:      c.Sequence,
		SizeBytes:        c.SizeBytes,
		IV:               c.IV,
		AuthTag:          c.AuthTag,
		AAD:              c.AAD,
		Checksum:         c.CiphertextHash,
		CiphertextBase64: base64.StdEncoding.EncodeToString(ciphertext),
	}
}

// ShipChunk sends ciphertext to every holder in targets and applies the
// per-ack accounting: confirm the placement, bump the replica counter and
// debit the device's capacity. It returns how many targets confirmed.
//
// The healer reuses this for the replacement holders it places.
func (d *Distributor) ShipChunk(ctx context.Context, chunk *meta.Chunk, targets []meta.Holder, ciphertext []byte) int {
	payload := assignPayload(chunk, ciphertext)

	var confirmed atomic.Int64
	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := d.shipOne(ctx, chunk, t, payload); err == nil {
				confirmed.Add(1)
			}
			// Failures are settled per target, never propagated; one slow
			// or dead device must not abort the siblings.
			return nil
		})
	}
	g.Wait()
	return int(confirmed.Load())
}

func (d *Distributor) shipOne(ctx context.Context, chunk *meta.Chunk, t meta.Holder, payload channel.AssignPayload) error {
	err := d.hub.SendChunk(ctx, t.Device.LogicalID, payload)
	if err != nil {
		d.logger.Warn("chunk ship failed",
			"chunk", chunk.ID, "device", t.Device.LogicalID, "error", err)
		if herr := d.store.SetPlacementHealth(ctx, t.Placement.ID, false, time.Time{}); herr != nil {
			d.logger.Error("placement update failed", "placement", t.Placement.ID, "error", herr)
		}
		return err
	}

	if err := d.store.SetPlacementHealth(ctx, t.Placement.ID, true, d.now()); err != nil {
		return fmt.Errorf("confirm placement %s: %w", t.Placement.ID, err)
	}
	if err := d.store.AddChunkReplicas(ctx, chunk.ID, 1); err != nil {
		return fmt.Errorf("bump replicas for chunk %s: %w", chunk.ID, err)
	}
	if err := d.store.AddDeviceCapacity(ctx, t.Device.ID, -chunk.SizeBytes); err != nil {
		return fmt.Errorf("debit device %s: %w", t.Device.LogicalID, err)
	}
	return nil
}

// DistributeChunk ships one chunk to all of its unverified placements and
// settles its state: healthy at target, degraded when short but present,
// an error when nobody confirmed.
func (d *Distributor) DistributeChunk(ctx context.Context, chunkID uuid.UUID) error {
	chunk, err := d.store.GetChunk(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("distribute chunk %s: %w", chunkID, err)
	}
	holders, err := d.store.HoldersByChunk(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("distribute chunk %s: %w", chunkID, err)
	}

	// Skip holders already confirmed by an earlier attempt.
	var targets []meta.Holder
	for _, h := range holders {
		if h.Placement.LastVerifiedAt.IsZero() {
			targets = append(targets, h)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	ciphertext, err := d.staging.Get(chunkID)
	if err != nil {
		return fmt.Errorf("distribute chunk %s: %w", chunkID, err)
	}

	confirmed := d.ShipChunk(ctx, chunk, targets, ciphertext)
	live := confirmed + (len(holders) - len(targets))

	switch {
	case live >= chunk.TargetReplicas:
		if err := d.store.SetChunkState(ctx, chunkID, meta.ChunkHealthy); err != nil {
			return err
		}
	case live >= 1:
		if err := d.store.SetChunkState(ctx, chunkID, meta.ChunkDegraded); err != nil {
			return err
		}
	default:
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNoReplicas)
	}

	d.logger.Info("chunk distributed",
		"chunk", chunkID, "confirmed", confirmed, "live", live, "target", chunk.TargetReplicas)
	return nil
}

// DistributeFile ships every chunk of a file and activates the file once
// each chunk has at least one confirmed replica. A chunk with zero
// confirmed replicas fails the whole pass so the job retries.
func (d *Distributor) DistributeFile(ctx context.Context, fileID uuid.UUID) error {
	file, err := d.store.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("distribute file %s: %w", fileID, err)
	}
	if file.State == meta.FileDeleted {
		return nil
	}
	chunks, err := d.store.ChunksByFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("distribute file %s: %w", fileID, err)
	}

	var failed []uuid.UUID
	for _, c := range chunks {
		if err := d.DistributeChunk(ctx, c.ID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed = append(failed, c.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("file %s: %d of %d chunks unplaced: %w",
			fileID, len(failed), len(chunks), ErrNoReplicas)
	}

	if file.State == meta.FileUploading {
		if err := d.store.SetFileState(ctx, fileID, meta.FileActive); err != nil {
			return err
		}
		d.logger.Info("file active", "file", fileID, "chunks", len(chunks))
	}
	return nil
}
