// Package retrieve reassembles files from chunk replicas.
//
// A file's chunks are fetched in parallel, each from its live holders in
// reliability order with failover; concurrent fetches of the same chunk
// are deduplicated so the
// fleet sees at most one request per chunk at a time. Decryption and the
// whole-file hash check happen here, so a caller never receives bytes the
// coordinator has not verified end to end.
package retrieve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"weft/internal/callgroup"
	"weft/internal/channel"
	"weft/internal/crypto"
	"weft/internal/logging"
	"weft/internal/meta"
	"weft/internal/staging"
)

var (
	// ErrUnavailable is returned when no live holder could serve a chunk.
	ErrUnavailable = errors.New("chunk unavailable")
	// ErrCorrupt is returned when the reassembled plaintext does not match
	// the hash pinned at upload.
	ErrCorrupt = errors.New("file hash mismatch")
)

// holderTTL bounds how long a chunk's holder list is served from cache.
const holderTTL = 5 * time.Minute

type cachedHolders struct {
	holders []meta.Holder
	expires time.Time
}

// Retriever fetches, verifies and decrypts chunks.
type Retriever struct {
	store    meta.Store
	hub      *channel.Hub
	pipeline *crypto.Pipeline
	staging  *staging.Store
	logger   *slog.Logger
	now      func() time.Time

	group callgroup.Group[uuid.UUID, []byte]

	mu      sync.Mutex
	holders map[uuid.UUID]cachedHolders
}

// New creates a Retriever.
func New(store meta.Store, hub *channel.Hub, pipeline *crypto.Pipeline, stage *staging.Store, logger *slog.Logger) *Retriever {
	logger = logging.Default(logger)
	return &Retriever{
		store:    store,
		hub:      hub,
		pipeline: pipeline,
		staging:  stage,
		logger:   logger.With("component", "retrieve"),
		now:      time.Now,
		holders:  make(map[uuid.UUID]cachedHolders),
	}
}

// liveHolders returns the chunk's live holders, cached for holderTTL.
func (r *Retriever) liveHolders(ctx context.Context, chunkID uuid.UUID) ([]meta.Holder, error) {
	r.mu.Lock()
	c, ok := r.holders[chunkID]
	r.mu.Unlock()
	if ok && r.now().Before(c.expires) {
		return c.holders, nil
	}

	all, err := r.store.HoldersByChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	var live []meta.Holder
	for _, h := range all {
		if h.Live() {
			live = append(live, h)
		}
	}
	// Best holders first; FindHealthyDevices ranks the same way.
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && live[j].Device.Reliability > live[j-1].Device.Reliability; j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}

	r.mu.Lock()
	r.holders[chunkID] = cachedHolders{holders: live, expires: r.now().Add(holderTTL)}
	r.mu.Unlock()
	return live, nil
}

// forget drops a chunk's cached holder list after a failed fetch so the
// next attempt sees fresh placement state.
func (r *Retriever) forget(chunkID uuid.UUID) {
	r.mu.Lock()
	delete(r.holders, chunkID)
	r.mu.Unlock()
}

// FetchCiphertext returns a chunk's verified ciphertext. Staged copies are
// preferred; otherwise holders are tried in order until one serves bytes
// matching the pinned ciphertext hash. Holders that serve bad bytes have
// their placement marked unhealthy on the spot.
//
// Concurrent calls for the same chunk share a single fetch.
func (r *Retriever) FetchCiphertext(ctx context.Context, chunk *meta.Chunk) ([]byte, error) {
	return r.group.Do(chunk.ID, func() ([]byte, error) {
		return r.fetch(ctx, chunk)
	})
}

func (r *Retriever) fetch(ctx context.Context, chunk *meta.Chunk) ([]byte, error) {
	if ct, err := r.staging.Get(chunk.ID); err == nil {
		if crypto.Hash(ct) == chunk.CiphertextHash {
			return ct, nil
		}
		r.logger.Warn("staged ciphertext corrupt", "chunk", chunk.ID)
		r.staging.Remove(chunk.ID)
	}

	holders, err := r.liveHolders(ctx, chunk.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %s: %w", chunk.ID, err)
	}

	for _, h := range holders {
		ct, err := r.hub.RequestChunk(ctx, h.Device.LogicalID, chunk.ID.String())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("holder fetch failed",
				"chunk", chunk.ID, "device", h.Device.LogicalID, "error", err)
			continue
		}
		if crypto.Hash(ct) != chunk.CiphertextHash {
			r.logger.Warn("holder served corrupt ciphertext",
				"chunk", chunk.ID, "device", h.Device.LogicalID)
			if err := r.store.SetPlacementHealth(ctx, h.Placement.ID, false, time.Time{}); err != nil {
				r.logger.Error("placement update failed", "placement", h.Placement.ID, "error", err)
			}
			continue
		}
		return ct, nil
	}

	r.forget(chunk.ID)
	return nil, fmt.Errorf("chunk %s: tried %d holders: %w", chunk.ID, len(holders), ErrUnavailable)
}

// RetrieveFile fetches, decrypts and reassembles a file, then verifies
// the plaintext against the hash pinned at upload.
func (r *Retriever) RetrieveFile(ctx context.Context, fileID uuid.UUID) ([]byte, *meta.File, error) {
	file, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieve file %s: %w", fileID, err)
	}
	if file.State == meta.FileDeleted {
		return nil, nil, fmt.Errorf("retrieve file %s: %w", fileID, meta.ErrNotFound)
	}
	chunks, err := r.store.ChunksByFile(ctx, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieve file %s: %w", fileID, err)
	}
	if len(chunks) == 0 {
		return nil, nil, fmt.Errorf("retrieve file %s: no chunks: %w", fileID, ErrUnavailable)
	}

	// Chunks are fetched and decrypted concurrently; the sequence order
	// of ChunksByFile fixes the reassembly order.
	pieces := make([][]byte, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		i := i
		g.Go(func() error {
			plaintext, err := r.decryptChunk(gctx, file, &chunks[i])
			if err != nil {
				return fmt.Errorf("chunk %d: %w", chunks[i].Sequence, err)
			}
			pieces[i] = plaintext
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("retrieve file %s: %w", fileID, err)
	}

	var buf bytes.Buffer
	buf.Grow(int(file.SizeBytes))
	for _, p := range pieces {
		buf.Write(p)
	}

	if crypto.Hash(buf.Bytes()) != file.PlaintextHash {
		return nil, nil, fmt.Errorf("retrieve file %s: %w", fileID, ErrCorrupt)
	}
	return buf.Bytes(), file, nil
}

func (r *Retriever) decryptChunk(ctx context.Context, file *meta.File, chunk *meta.Chunk) ([]byte, error) {
	ct, err := r.FetchCiphertext(ctx, chunk)
	if err != nil {
		return nil, err
	}

	iv, err := crypto.DecodeHex(chunk.IV)
	if err != nil {
		return nil, err
	}
	tag, err := crypto.DecodeHex(chunk.AuthTag)
	if err != nil {
		return nil, err
	}
	hash, err := crypto.DecodeHex(chunk.CiphertextHash)
	if err != nil {
		return nil, err
	}
	return r.pipeline.DecryptChunk(crypto.ChunkCipher{
		Ciphertext:     ct,
		IV:             iv,
		Tag:            tag,
		AAD:            []byte(chunk.AAD),
		CiphertextHash: hash,
	}, file.WrappedDEK, file.ID.String(), chunk.Sequence)
}
