// Package staging is the file-backed temporary ciphertext store.
//
// Ciphertext lands here between upload and confirmed distribution, one
// file per chunk at <root>/<chunk_id>.chunk. Writes are atomic (temp
// file + rename) and a periodic sweep evicts entries by mtime, so a
// crashed distribution never leaks staged bytes forever.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"weft/internal/logging"
)

// ErrNotStaged is returned when a chunk has no staged ciphertext.
var ErrNotStaged = errors.New("chunk not staged")

const suffix = ".chunk"

// Store is the staging area rooted at a single directory. It is a
// single-writer-per-chunk store; concurrent writers of distinct chunks
// are fine.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the staging directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	logger = logging.Default(logger)
	return &Store{dir: dir, logger: logger.With("component", "staging")}, nil
}

func (s *Store) path(chunkID uuid.UUID) string {
	return filepath.Join(s.dir, chunkID.String()+suffix)
}

// Put atomically writes a chunk's ciphertext.
func (s *Store) Put(chunkID uuid.UUID, ciphertext []byte) error {
	tmp, err := os.CreateTemp(s.dir, "stage-*.tmp")
	if err != nil {
		return fmt.Errorf("stage chunk %s: %w", chunkID, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("stage chunk %s: %w", chunkID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("stage chunk %s: %w", chunkID, err)
	}
	if err := os.Rename(tmpPath, s.path(chunkID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("stage chunk %s: %w", chunkID, err)
	}
	return nil
}

// Get reads a staged chunk's ciphertext.
func (s *Store) Get(chunkID uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(s.path(chunkID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotStaged
	}
	if err != nil {
		return nil, fmt.Errorf("read staged chunk %s: %w", chunkID, err)
	}
	return data, nil
}

// Remove deletes a staged chunk. Removing an absent chunk is a no-op.
func (s *Store) Remove(chunkID uuid.UUID) error {
	err := os.Remove(s.path(chunkID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove staged chunk %s: %w", chunkID, err)
	}
	return nil
}

// Sweep evicts staged chunks whose mtime is older than ttl and returns
// the number removed.
func (s *Store) Sweep(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("sweep staging dir: %w", err)
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Warn("evict failed", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("staging sweep", "evicted", removed)
	}
	return removed, nil
}
