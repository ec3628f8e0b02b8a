// Package sqlite provides the SQLite-backed metadata store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"weft/internal/meta"
)

const timeFormat = time.RFC3339Nano

// Store is the SQLite-backed meta.Store implementation.
type Store struct {
	db   *sql.DB
	path string
}

var _ meta.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Set pragmas.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the job queue can share the same
// database file and write-ahead log.
func (s *Store) DB() *sql.DB {
	return s.db
}

// mapErr translates driver-level uniqueness violations to meta.ErrDuplicate.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return meta.ErrDuplicate
	}
	return err
}

func scanTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// Devices

const deviceColumns = `id, logical_id, type, owner_id, total_bytes, available_bytes,
	state, last_seen_at, uptime_ms, downtime_ms, reliability, model, os, app`

func scanDevice(row interface{ Scan(...any) error }) (*meta.Device, error) {
	var d meta.Device
	var state, lastSeen string
	err := row.Scan(&d.ID, &d.LogicalID, &d.Type, &d.OwnerID, &d.TotalBytes,
		&d.AvailableBytes, &state, &lastSeen, &d.UptimeMS, &d.DowntimeMS,
		&d.Reliability, &d.Model, &d.OS, &d.App)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meta.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.State = meta.DeviceState(state)
	d.LastSeenAt, err = scanTime(lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen_at %q: %w", lastSeen, err)
	}
	return &d, nil
}

func (s *Store) PutDevice(ctx context.Context, d meta.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			logical_id = excluded.logical_id,
			type = excluded.type,
			owner_id = excluded.owner_id,
			total_bytes = excluded.total_bytes,
			available_bytes = excluded.available_bytes,
			state = excluded.state,
			last_seen_at = excluded.last_seen_at,
			uptime_ms = excluded.uptime_ms,
			downtime_ms = excluded.downtime_ms,
			reliability = excluded.reliability,
			model = excluded.model,
			os = excluded.os,
			app = excluded.app
	`, d.ID, d.LogicalID, d.Type, d.OwnerID, d.TotalBytes, d.AvailableBytes,
		string(d.State), d.LastSeenAt.UTC().Format(timeFormat),
		d.UptimeMS, d.DowntimeMS, d.Reliability, d.Model, d.OS, d.App)
	if err != nil {
		return fmt.Errorf("put device %q: %w", d.LogicalID, mapErr(err))
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (*meta.Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	return scanDevice(row)
}

func (s *Store) GetDeviceByLogicalID(ctx context.Context, logicalID string) (*meta.Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE logical_id = ?", logicalID)
	return scanDevice(row)
}

func (s *Store) listDevices(ctx context.Context, where string, args ...any) ([]meta.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var result []meta.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (s *Store) ListDevices(ctx context.Context) ([]meta.Device, error) {
	return s.listDevices(ctx, "ORDER BY logical_id")
}

func (s *Store) ListStaleDevices(ctx context.Context, cutoff time.Time) ([]meta.Device, error) {
	return s.listDevices(ctx, "WHERE state = ? AND last_seen_at < ?",
		string(meta.DeviceOnline), cutoff.UTC().Format(timeFormat))
}

func (s *Store) FindHealthyDevices(ctx context.Context, minFree int64, minScore float64, limit int) ([]meta.Device, error) {
	return s.listDevices(ctx, `
		WHERE state = ? AND available_bytes >= ? AND reliability >= ?
		ORDER BY reliability DESC, available_bytes DESC, id
		LIMIT ?`,
		string(meta.DeviceOnline), minFree, minScore, limit)
}

func (s *Store) AddDeviceCapacity(ctx context.Context, id uuid.UUID, delta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET available_bytes = max(0, min(total_bytes, available_bytes + ?))
		WHERE id = ?
	`, delta, id)
	if err != nil {
		return fmt.Errorf("adjust device capacity %q: %w", id, err)
	}
	return requireRow(res, "device", id.String())
}

// Files

const fileColumns = `id, name, mime, size_bytes, owner_id, wrapped_dek, dek_id,
	plaintext_hash, state, chunk_count, created_at`

func (s *Store) CreateFile(ctx context.Context, f meta.File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Name, f.MIME, f.SizeBytes, f.OwnerID, f.WrappedDEK, f.DEKID,
		f.PlaintextHash, string(f.State), f.ChunkCount,
		f.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("create file %q: %w", f.ID, mapErr(err))
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*meta.File, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = ?", id)

	var f meta.File
	var state, createdAt string
	err := row.Scan(&f.ID, &f.Name, &f.MIME, &f.SizeBytes, &f.OwnerID,
		&f.WrappedDEK, &f.DEKID, &f.PlaintextHash, &state, &f.ChunkCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meta.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %q: %w", id, err)
	}
	f.State = meta.FileState(state)
	f.CreatedAt, err = scanTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return &f, nil
}

func (s *Store) SetFileState(ctx context.Context, id uuid.UUID, state meta.FileState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE files SET state = ? WHERE id = ?", string(state), id)
	if err != nil {
		return fmt.Errorf("set file %q state: %w", id, err)
	}
	return requireRow(res, "file", id.String())
}

func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete file %q: %w", id, err)
	}
	return nil
}

// Chunks

const chunkColumns = `id, file_id, sequence, size_bytes, iv, auth_tag, aad,
	ciphertext_hash, state, current_replicas, target_replicas`

func scanChunk(row interface{ Scan(...any) error }) (*meta.Chunk, error) {
	var c meta.Chunk
	var state string
	err := row.Scan(&c.ID, &c.FileID, &c.Sequence, &c.SizeBytes, &c.IV,
		&c.AuthTag, &c.AAD, &c.CiphertextHash, &state,
		&c.CurrentReplicas, &c.TargetReplicas)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meta.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.State = meta.ChunkState(state)
	return &c, nil
}

func (s *Store) CreateChunk(ctx context.Context, c meta.Chunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.FileID, c.Sequence, c.SizeBytes, c.IV, c.AuthTag, c.AAD,
		c.CiphertextHash, string(c.State), c.CurrentReplicas, c.TargetReplicas)
	if err != nil {
		return fmt.Errorf("create chunk %q: %w", c.ID, mapErr(err))
	}
	return nil
}

func (s *Store) GetChunk(ctx context.Context, id uuid.UUID) (*meta.Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE id = ?", id)
	return scanChunk(row)
}

func (s *Store) listChunks(ctx context.Context, where string, args ...any) ([]meta.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var result []meta.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *Store) ChunksByFile(ctx context.Context, fileID uuid.UUID) ([]meta.Chunk, error) {
	return s.listChunks(ctx, "WHERE file_id = ? ORDER BY sequence", fileID)
}

func (s *Store) ChunksInStates(ctx context.Context, states ...meta.ChunkState) ([]meta.Chunk, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return s.listChunks(ctx, "WHERE state IN ("+placeholders+") ORDER BY id", args...)
}

func (s *Store) SetChunkState(ctx context.Context, id uuid.UUID, state meta.ChunkState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET state = ? WHERE id = ?", string(state), id)
	if err != nil {
		return fmt.Errorf("set chunk %q state: %w", id, err)
	}
	return requireRow(res, "chunk", id.String())
}

func (s *Store) AddChunkReplicas(ctx context.Context, id uuid.UUID, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET current_replicas = max(0, current_replicas + ?)
		WHERE id = ?
	`, delta, id)
	if err != nil {
		return fmt.Errorf("adjust chunk %q replicas: %w", id, err)
	}
	return requireRow(res, "chunk", id.String())
}

func (s *Store) SetChunkReplicas(ctx context.Context, id uuid.UUID, n int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET current_replicas = ? WHERE id = ?", n, id)
	if err != nil {
		return fmt.Errorf("set chunk %q replicas: %w", id, err)
	}
	return requireRow(res, "chunk", id.String())
}

// Placements

func (s *Store) CreatePlacement(ctx context.Context, p meta.Placement) error {
	var verifiedAt *string
	if !p.LastVerifiedAt.IsZero() {
		v := p.LastVerifiedAt.UTC().Format(timeFormat)
		verifiedAt = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO placements (id, chunk_id, device_id, local_path, healthy, last_verified_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.ChunkID, p.DeviceID, p.LocalPath, p.Healthy, verifiedAt)
	if err != nil {
		return fmt.Errorf("create placement %q: %w", p.ID, mapErr(err))
	}
	return nil
}

func scanPlacement(row interface{ Scan(...any) error }, dst *meta.Placement) error {
	var verifiedAt *string
	err := row.Scan(&dst.ID, &dst.ChunkID, &dst.DeviceID, &dst.LocalPath,
		&dst.Healthy, &verifiedAt)
	if err != nil {
		return err
	}
	if verifiedAt != nil {
		dst.LastVerifiedAt, err = scanTime(*verifiedAt)
		if err != nil {
			return fmt.Errorf("parse last_verified_at %q: %w", *verifiedAt, err)
		}
	}
	return nil
}

func (s *Store) HoldersByChunk(ctx context.Context, chunkID uuid.UUID) ([]meta.Holder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.chunk_id, p.device_id, p.local_path, p.healthy, p.last_verified_at,
		       `+prefixColumns("d", deviceColumns)+`
		FROM placements p
		JOIN devices d ON d.id = p.device_id
		WHERE p.chunk_id = ?
	`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("holders for chunk %q: %w", chunkID, err)
	}
	defer rows.Close()

	var result []meta.Holder
	for rows.Next() {
		var h meta.Holder
		var verifiedAt *string
		var state, lastSeen string
		err := rows.Scan(&h.Placement.ID, &h.Placement.ChunkID, &h.Placement.DeviceID,
			&h.Placement.LocalPath, &h.Placement.Healthy, &verifiedAt,
			&h.Device.ID, &h.Device.LogicalID, &h.Device.Type, &h.Device.OwnerID,
			&h.Device.TotalBytes, &h.Device.AvailableBytes, &state, &lastSeen,
			&h.Device.UptimeMS, &h.Device.DowntimeMS, &h.Device.Reliability,
			&h.Device.Model, &h.Device.OS, &h.Device.App)
		if err != nil {
			return nil, fmt.Errorf("scan holder: %w", err)
		}
		if verifiedAt != nil {
			h.Placement.LastVerifiedAt, err = scanTime(*verifiedAt)
			if err != nil {
				return nil, fmt.Errorf("parse last_verified_at %q: %w", *verifiedAt, err)
			}
		}
		h.Device.State = meta.DeviceState(state)
		h.Device.LastSeenAt, err = scanTime(lastSeen)
		if err != nil {
			return nil, fmt.Errorf("parse last_seen_at %q: %w", lastSeen, err)
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *Store) PlacementsByDevice(ctx context.Context, deviceID uuid.UUID) ([]meta.Placement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chunk_id, device_id, local_path, healthy, last_verified_at
		FROM placements WHERE device_id = ?
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("placements for device %q: %w", deviceID, err)
	}
	defer rows.Close()

	var result []meta.Placement
	for rows.Next() {
		var p meta.Placement
		if err := scanPlacement(rows, &p); err != nil {
			return nil, fmt.Errorf("scan placement: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) SetPlacementHealth(ctx context.Context, id uuid.UUID, healthy bool, verifiedAt time.Time) error {
	var err error
	var res sql.Result
	if verifiedAt.IsZero() {
		res, err = s.db.ExecContext(ctx,
			"UPDATE placements SET healthy = ? WHERE id = ?", healthy, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE placements SET healthy = ?, last_verified_at = ? WHERE id = ?",
			healthy, verifiedAt.UTC().Format(timeFormat), id)
	}
	if err != nil {
		return fmt.Errorf("set placement %q health: %w", id, err)
	}
	return requireRow(res, "placement", id.String())
}

func (s *Store) DeletePlacement(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM placements WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete placement %q: %w", id, err)
	}
	return nil
}

// requireRow converts a zero-row update into meta.ErrNotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %q: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, meta.ErrNotFound)
	}
	return nil
}

// prefixColumns rewrites "a, b, c" to "t.a, t.b, t.c" for joins.
func prefixColumns(table, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
