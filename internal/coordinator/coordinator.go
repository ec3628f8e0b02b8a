// Package coordinator wires the control plane together and owns its
// lifecycle: the metadata store, the job queue and its workers, the
// device channel hub and the periodic control loops.
//
// The coordinator carries no replication logic of its own; it builds
// the components, connects their hooks and exposes the file facade the
// API surface calls.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"weft/internal/channel"
	"weft/internal/chunker"
	"weft/internal/config"
	"weft/internal/crypto"
	"weft/internal/device"
	"weft/internal/distribute"
	"weft/internal/heal"
	"weft/internal/health"
	"weft/internal/logging"
	"weft/internal/meta"
	"weft/internal/meta/sqlite"
	"weft/internal/placement"
	"weft/internal/queue"
	"weft/internal/reap"
	"weft/internal/retrieve"
	"weft/internal/staging"
	"weft/internal/sysmetrics"
	"weft/internal/work"
)

// stagingSweepInterval is how often the staging TTL eviction runs.
const stagingSweepInterval = time.Hour

// Coordinator is the assembled control plane.
type Coordinator struct {
	cfg    config.Config
	logger *slog.Logger

	store   *sqlite.Store
	queue   *queue.Queue
	staging *staging.Store
	chunker *chunker.Chunker

	devices *device.Registry
	hub     *channel.Hub
	placer  *placement.Engine
	dist    *distribute.Distributor
	ret     *retrieve.Retriever
	scanner *health.Scanner

	sched   *Scheduler
	workers []*queue.Worker
}

// New builds and wires every component. The caller is expected to have
// validated cfg.
func New(cfg config.Config, logger *slog.Logger) (*Coordinator, error) {
	logger = logging.Default(logger)

	pipeline, err := crypto.NewPipeline(cfg.KEKHex)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.NewStore(cfg.MetaPath)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(store.DB(), logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	stage, err := staging.NewStore(cfg.StagingDir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	var policy chunker.SizePolicy = chunker.AdaptivePolicy{}
	if cfg.ChunkPolicy == config.ChunkPolicyFixed {
		policy = chunker.FixedPolicy{Size: cfg.FixedChunkSize}
	}

	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		queue:   q,
		staging: stage,
		chunker: chunker.New(pipeline, policy, cfg.MaxFileSize),
		devices: device.NewRegistry(store, logger),
		hub: channel.NewHub(channel.Timeouts{
			Write:  cfg.WriteTimeout,
			Read:   cfg.ReadTimeout,
			Delete: cfg.DeleteTimeout,
		}, logger),
	}
	c.placer = placement.NewEngine(store, cfg.RedundancyFactor, cfg.MinReliability, logger)
	c.dist = distribute.New(store, c.hub, stage, logger)
	c.ret = retrieve.New(store, c.hub, pipeline, stage, logger)
	c.scanner = health.NewScanner(store, q, cfg.SafetyMargin, logger)

	// A device leaving the online state triggers the targeted scan of
	// everything it holds, without waiting for the next full pass.
	c.devices.OnNotOnline(func(ctx context.Context, deviceID uuid.UUID) {
		if err := c.scanner.DetectAffected(ctx, deviceID); err != nil {
			logger.Error("affected scan failed", "device", deviceID, "error", err)
		}
	})

	healer := heal.New(store, c.placer, c.dist, c.ret, logger)
	reaper := reap.New(store, c.hub, stage, cfg.SafetyMargin, logger)

	c.workers = []*queue.Worker{
		q.Worker("heal", []string{queue.TypeHealChunk}, heal.Concurrency, healer.Handle),
		q.Worker("reap", []string{queue.TypeDeleteFile, queue.TypeTrimExcess}, 2,
			func(ctx context.Context, job queue.Job) error {
				if job.Type == queue.TypeDeleteFile {
					return reaper.HandleDeleteFile(ctx, job)
				}
				return reaper.HandleTrimExcess(ctx, job)
			}),
		q.Worker("distribute", []string{queue.TypeDistributeFile}, 2,
			func(ctx context.Context, job queue.Job) error {
				var p work.DistributeFile
				if err := job.Decode(&p); err != nil {
					return err
				}
				return c.dist.DistributeFile(ctx, p.FileID)
			}),
	}
	return c, nil
}

// Run starts the workers and the periodic loops, then blocks until ctx
// is cancelled. On return everything has shut down and the store is
// closed.
func (c *Coordinator) Run(ctx context.Context) error {
	sched, err := newScheduler(c.logger)
	if err != nil {
		return err
	}
	c.sched = sched

	jobs := []struct {
		name      string
		interval  time.Duration
		immediate bool
		task      func(context.Context)
	}{
		{"health-scan", c.cfg.ScanInterval, true, func(ctx context.Context) {
			if _, err := c.scanner.ScanAll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("health scan failed", "error", err)
			}
		}},
		{"trim-pass", c.cfg.TrimInterval, false, func(ctx context.Context) {
			if _, err := c.scanner.TrimPass(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("trim pass failed", "error", err)
			}
		}},
		{"device-staleness", c.cfg.DeviceOfflineThreshold / 3, false, func(ctx context.Context) {
			if err := c.devices.MarkStale(ctx, c.cfg.DeviceOfflineThreshold); err != nil && ctx.Err() == nil {
				c.logger.Error("staleness sweep failed", "error", err)
			}
		}},
		{"staging-sweep", stagingSweepInterval, false, func(context.Context) {
			if _, err := c.staging.Sweep(c.cfg.StagingTTL); err != nil {
				c.logger.Error("staging sweep failed", "error", err)
			}
		}},
		{"summary", c.cfg.SummaryInterval, false, c.logSummary},
	}
	for _, j := range jobs {
		task := j.task
		if err := sched.Every(j.name, j.interval, j.immediate, func() { task(ctx) }); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, w := range c.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	sched.Start()
	c.logger.Info("coordinator running",
		"redundancy", c.cfg.RedundancyFactor, "margin", c.cfg.SafetyMargin)

	<-ctx.Done()

	if err := sched.Stop(); err != nil {
		c.logger.Error("scheduler shutdown", "error", err)
	}
	wg.Wait()
	return c.store.Close()
}

// Devices exposes the device registry to the API surface.
func (c *Coordinator) Devices() *device.Registry { return c.devices }

// Hub exposes the channel hub to the API surface.
func (c *Coordinator) Hub() *channel.Hub { return c.hub }

// Store exposes the metadata store for read endpoints.
func (c *Coordinator) Store() meta.Store { return c.store }

// UploadFile runs the upload pipeline: chunk and encrypt, persist the
// metadata, stage the ciphertext, place every chunk and queue the
// asynchronous distribution. On placement failure the upload is rolled
// back and the error returned to the caller.
func (c *Coordinator) UploadFile(ctx context.Context, name, mime, ownerID string, data []byte) (*meta.File, error) {
	fileID := uuid.New()
	fm, records, err := c.chunker.ProcessFile(data, name, mime, fileID)
	if err != nil {
		return nil, fmt.Errorf("upload %q: %w", name, err)
	}

	file := meta.File{
		ID:            fileID,
		Name:          fm.Name,
		MIME:          fm.MIME,
		SizeBytes:     fm.SizeBytes,
		OwnerID:       ownerID,
		WrappedDEK:    fm.WrappedDEK,
		DEKID:         fm.DEKID,
		PlaintextHash: fm.PlaintextHash,
		State:         meta.FileUploading,
		ChunkCount:    fm.ChunkCount,
		CreatedAt:     time.Now(),
	}
	if err := c.store.CreateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("upload %q: %w", name, err)
	}

	for i := range records {
		rec := &records[i]
		chunkID := uuid.New()
		err := c.store.CreateChunk(ctx, meta.Chunk{
			ID:             chunkID,
			FileID:         fileID,
			Sequence:       rec.Sequence,
			SizeBytes:      rec.SizeBytes,
			IV:             rec.IV,
			AuthTag:        rec.AuthTag,
			AAD:            rec.AAD,
			CiphertextHash: rec.CiphertextHash,
			State:          meta.ChunkPending,
			TargetReplicas: c.cfg.RedundancyFactor,
		})
		if err != nil {
			c.rollbackUpload(fileID)
			return nil, fmt.Errorf("upload %q: %w", name, err)
		}
		if err := c.staging.Put(chunkID, rec.Ciphertext); err != nil {
			c.rollbackUpload(fileID)
			return nil, fmt.Errorf("upload %q: %w", name, err)
		}
		if _, err := c.placer.Assign(ctx, chunkID, rec.SizeBytes); err != nil {
			c.rollbackUpload(fileID)
			return nil, fmt.Errorf("upload %q: %w", name, err)
		}
	}

	_, err = c.queue.Enqueue(ctx, queue.TypeDistributeFile,
		work.DistributeFile{FileID: fileID}, queue.WithPriority(2))
	if err != nil {
		c.rollbackUpload(fileID)
		return nil, fmt.Errorf("upload %q: %w", name, err)
	}

	c.logger.Info("file uploaded",
		"file", fileID, "name", name, "size", fm.SizeBytes, "chunks", fm.ChunkCount)
	return &file, nil
}

// rollbackUpload removes a half-uploaded file: staged ciphertext first,
// then the metadata cascade.
func (c *Coordinator) rollbackUpload(fileID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	chunks, err := c.store.ChunksByFile(ctx, fileID)
	if err == nil {
		for i := range chunks {
			c.staging.Remove(chunks[i].ID)
		}
	}
	if err := c.store.DeleteFile(ctx, fileID); err != nil && !errors.Is(err, meta.ErrNotFound) {
		c.logger.Error("upload rollback failed", "file", fileID, "error", err)
	}
}

// DownloadFile reassembles a file from the fleet.
func (c *Coordinator) DownloadFile(ctx context.Context, fileID uuid.UUID) ([]byte, *meta.File, error) {
	return c.ret.RetrieveFile(ctx, fileID)
}

// DeleteFile marks a file deleted and queues the replica reap. User
// requests reap ahead of housekeeping deletes.
func (c *Coordinator) DeleteFile(ctx context.Context, fileID uuid.UUID, reason string, userRequested bool) error {
	if err := c.store.SetFileState(ctx, fileID, meta.FileDeleted); err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	priority := 2
	if userRequested {
		priority = 1
	}
	_, err := c.queue.Enqueue(ctx, queue.TypeDeleteFile,
		work.DeleteFile{FileID: fileID, Reason: reason}, queue.WithPriority(priority))
	if err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	c.logger.Info("file delete queued", "file", fileID, "reason", reason)
	return nil
}

// logSummary writes the periodic fleet digest.
func (c *Coordinator) logSummary(ctx context.Context) {
	devices, err := c.store.ListDevices(ctx)
	if err != nil {
		c.logger.Error("summary failed", "error", err)
		return
	}
	byState := map[meta.DeviceState]int{}
	for _, d := range devices {
		byState[d.State]++
	}

	chunkCounts := map[meta.ChunkState]int{}
	for _, st := range []meta.ChunkState{
		meta.ChunkPending, meta.ChunkReplicating, meta.ChunkHealthy,
		meta.ChunkDegraded, meta.ChunkLost,
	} {
		chunks, err := c.store.ChunksInStates(ctx, st)
		if err != nil {
			c.logger.Error("summary failed", "error", err)
			return
		}
		chunkCounts[st] = len(chunks)
	}

	heals, _ := c.queue.Pending(ctx, queue.TypeHealChunk)
	trims, _ := c.queue.Pending(ctx, queue.TypeTrimExcess)
	proc := sysmetrics.Sample()

	c.logger.Info("fleet summary",
		"devices_online", byState[meta.DeviceOnline],
		"devices_offline", byState[meta.DeviceOffline],
		"devices_suspended", byState[meta.DeviceSuspended],
		"chunks_healthy", chunkCounts[meta.ChunkHealthy],
		"chunks_degraded", chunkCounts[meta.ChunkDegraded],
		"chunks_lost", chunkCounts[meta.ChunkLost],
		"chunks_replicating", chunkCounts[meta.ChunkReplicating],
		"heals_pending", heals,
		"trims_pending", trims,
		"cpu_pct", proc.CPUPercent,
		"heap_bytes", proc.HeapBytes,
		"goroutines", proc.Goroutines,
	)
}
