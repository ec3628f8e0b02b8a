// Package chunker splits a file buffer into encrypted chunks.
//
// The split is governed by a SizePolicy chosen at configuration time;
// encryption goes through the crypto pipeline so the chunker never sees
// key material. The whole-file plaintext hash is pinned here, before any
// chunk leaves the coordinator.
package chunker

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"weft/internal/crypto"
)

var (
	// ErrEmptyFile is returned for zero-length uploads.
	ErrEmptyFile = errors.New("empty file")
	// ErrTooLarge is returned when a file exceeds the configured maximum.
	ErrTooLarge = errors.New("file exceeds maximum size")
)

const (
	gib = int64(1) << 30
	mib = int64(1) << 20
)

// SizePolicy decides the chunk size for a file of the given total size.
type SizePolicy interface {
	// ChunkSize returns the size of every chunk but possibly the last.
	ChunkSize(fileSize int64) int64
}

// AdaptivePolicy is the tiered policy: one chunk up to 1 GiB, 500 MiB
// chunks up to 5 GiB, 1 GiB chunks beyond.
type AdaptivePolicy struct{}

func (AdaptivePolicy) ChunkSize(fileSize int64) int64 {
	switch {
	case fileSize <= gib:
		return fileSize
	case fileSize <= 5*gib:
		return 500 * mib
	default:
		return gib
	}
}

// FixedPolicy always cuts chunks of the same size. The legacy deployment
// runs with 5 MiB.
type FixedPolicy struct {
	Size int64
}

func (p FixedPolicy) ChunkSize(int64) int64 {
	return p.Size
}

// FileMeta is the per-file output of ProcessFile.
type FileMeta struct {
	FileID        uuid.UUID
	Name          string
	MIME          string
	SizeBytes     int64
	PlaintextHash string
	WrappedDEK    string
	DEKID         string
	ChunkCount    int
}

// ChunkRecord is one encrypted piece, ready to be persisted and staged.
// Ciphertext is transient: it goes to the staging store, never to the
// metadata store.
type ChunkRecord struct {
	Sequence       int
	SizeBytes      int64
	IV             string
	AuthTag        string
	AAD            string
	CiphertextHash string
	Ciphertext     []byte
}

// Chunker converts file buffers into encrypted chunk sequences.
type Chunker struct {
	pipeline *crypto.Pipeline
	policy   SizePolicy
	maxSize  int64
}

// New creates a Chunker. maxSize bounds accepted files.
func New(pipeline *crypto.Pipeline, policy SizePolicy, maxSize int64) *Chunker {
	return &Chunker{pipeline: pipeline, policy: policy, maxSize: maxSize}
}

// ProcessFile hashes buf, issues a wrapped DEK for the file, splits buf
// per the sizing policy and encrypts each piece. Chunk sizes in the
// returned records are ciphertext sizes.
func (c *Chunker) ProcessFile(buf []byte, name, mime string, fileID uuid.UUID) (FileMeta, []ChunkRecord, error) {
	if len(buf) == 0 {
		return FileMeta{}, nil, ErrEmptyFile
	}
	if int64(len(buf)) > c.maxSize {
		return FileMeta{}, nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(buf), c.maxSize)
	}

	wrappedDEK, dekID, err := c.pipeline.IssueWrappedDEK()
	if err != nil {
		return FileMeta{}, nil, fmt.Errorf("issue dek: %w", err)
	}

	size := int64(len(buf))
	chunkSize := c.policy.ChunkSize(size)
	count := int((size + chunkSize - 1) / chunkSize)

	records := make([]ChunkRecord, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := min(start+chunkSize, size)

		cc, err := c.pipeline.EncryptChunk(buf[start:end], wrappedDEK, fileID.String(), i)
		if err != nil {
			return FileMeta{}, nil, fmt.Errorf("encrypt chunk %d: %w", i, err)
		}
		records = append(records, ChunkRecord{
			Sequence:       i,
			SizeBytes:      int64(len(cc.Ciphertext)),
			IV:             crypto.EncodeHex(cc.IV),
			AuthTag:        crypto.EncodeHex(cc.Tag),
			AAD:            string(cc.AAD),
			CiphertextHash: crypto.EncodeHex(cc.CiphertextHash),
			Ciphertext:     cc.Ciphertext,
		})
	}

	return FileMeta{
		FileID:        fileID,
		Name:          name,
		MIME:          mime,
		SizeBytes:     size,
		PlaintextHash: crypto.Hash(buf),
		WrappedDEK:    wrappedDEK,
		DEKID:         dekID,
		ChunkCount:    count,
	}, records, nil
}
