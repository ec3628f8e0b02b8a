package reap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"weft/internal/channel"
	"weft/internal/channel/channeltest"
	"weft/internal/logging"
	"weft/internal/meta"
	"weft/internal/meta/sqlite"
	"weft/internal/queue"
	"weft/internal/staging"
	"weft/internal/work"
)

type env struct {
	store   *sqlite.Store
	hub     *channel.Hub
	staging *staging.Store
	reaper  *Reaper
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	stage, err := staging.NewStore(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatalf("staging.NewStore: %v", err)
	}
	hub := channel.NewHub(channel.Timeouts{
		Write: 200 * time.Millisecond, Read: 200 * time.Millisecond, Delete: 200 * time.Millisecond,
	}, logging.Discard())

	return &env{
		store:   store,
		hub:     hub,
		staging: stage,
		reaper:  New(store, hub, stage, 2, logging.Discard()),
	}
}

func (e *env) addDevice(t *testing.T, logicalID string, reliability float64) meta.Device {
	t.Helper()
	d := meta.Device{
		ID: uuid.New(), LogicalID: logicalID, TotalBytes: 1 << 30,
		AvailableBytes: 1 << 29, State: meta.DeviceOnline,
		LastSeenAt: time.Now().UTC(), Reliability: reliability,
	}
	if err := e.store.PutDevice(context.Background(), d); err != nil {
		t.Fatalf("PutDevice: %v", err)
	}
	return d
}

func (e *env) addFile(t *testing.T, chunkCount int) (meta.File, []meta.Chunk) {
	t.Helper()
	ctx := context.Background()

	f := meta.File{
		ID: uuid.New(), Name: "f", SizeBytes: int64(chunkCount) * 64, OwnerID: "o",
		WrappedDEK: "00", DEKID: "00", PlaintextHash: "00",
		State: meta.FileDeleted, ChunkCount: chunkCount, CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	chunks := make([]meta.Chunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		c := meta.Chunk{
			ID: uuid.New(), FileID: f.ID, Sequence: i, SizeBytes: 64,
			IV: "00", AuthTag: "00", AAD: "{}", CiphertextHash: "00",
			State: meta.ChunkHealthy, TargetReplicas: 1,
		}
		if err := e.store.CreateChunk(ctx, c); err != nil {
			t.Fatalf("CreateChunk: %v", err)
		}
		chunks = append(chunks, c)
	}
	return f, chunks
}

func (e *env) placeOn(t *testing.T, chunkID uuid.UUID, d meta.Device) {
	t.Helper()
	err := e.store.CreatePlacement(context.Background(), meta.Placement{
		ID: uuid.New(), ChunkID: chunkID, DeviceID: d.ID,
		Healthy: true, LastVerifiedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePlacement: %v", err)
	}
}

func deleteJob(t *testing.T, fileID uuid.UUID, reason string) queue.Job {
	t.Helper()
	raw, err := msgpack.Marshal(work.DeleteFile{FileID: fileID, Reason: reason})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.Job{ID: uuid.New(), Type: queue.TypeDeleteFile, Payload: raw}
}

func trimJob(t *testing.T, chunkID uuid.UUID) queue.Job {
	t.Helper()
	raw, err := msgpack.Marshal(work.TrimExcess{ChunkID: chunkID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.Job{ID: uuid.New(), Type: queue.TypeTrimExcess, Payload: raw}
}

func TestDeleteFileEmptiesDevicesAndMetadata(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f, chunks := e.addFile(t, 2)
	a := e.addDevice(t, "a", 95)
	b := e.addDevice(t, "b", 90)
	clientA := channeltest.Connect(e.hub, "a")
	clientB := channeltest.Connect(e.hub, "b")
	for _, c := range chunks {
		e.placeOn(t, c.ID, a)
		e.placeOn(t, c.ID, b)
		clientA.Store(c.ID.String(), []byte("ct"))
		clientB.Store(c.ID.String(), []byte("ct"))
		if err := e.staging.Put(c.ID, []byte("ct")); err != nil {
			t.Fatalf("staging.Put: %v", err)
		}
	}

	if err := e.reaper.HandleDeleteFile(ctx, deleteJob(t, f.ID, "user request")); err != nil {
		t.Fatalf("HandleDeleteFile: %v", err)
	}

	if clientA.Count() != 0 || clientB.Count() != 0 {
		t.Errorf("devices still hold chunks: a=%d b=%d", clientA.Count(), clientB.Count())
	}
	if _, err := e.store.GetFile(ctx, f.ID); !errors.Is(err, meta.ErrNotFound) {
		t.Errorf("file metadata survived: %v", err)
	}
	for _, c := range chunks {
		if _, err := e.store.GetChunk(ctx, c.ID); !errors.Is(err, meta.ErrNotFound) {
			t.Errorf("chunk %s metadata survived", c.ID)
		}
		if _, err := e.staging.Get(c.ID); !errors.Is(err, staging.ErrNotStaged) {
			t.Errorf("chunk %s still staged", c.ID)
		}
	}

	// Each device dropped two 64-byte chunks and got the bytes back.
	for _, d := range []meta.Device{a, b} {
		got, _ := e.store.GetDevice(ctx, d.ID)
		if want := d.AvailableBytes + 128; got.AvailableBytes != want {
			t.Errorf("device %s available = %d, want %d", d.LogicalID, got.AvailableBytes, want)
		}
	}
}

func TestDeleteFileSurvivesUnreachableHolder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f, chunks := e.addFile(t, 1)
	reachable := e.addDevice(t, "reachable", 95)
	e.addDevice(t, "away", 90) // never connects
	client := channeltest.Connect(e.hub, "reachable")
	e.placeOn(t, chunks[0].ID, reachable)
	client.Store(chunks[0].ID.String(), []byte("ct"))

	away, _ := e.store.GetDeviceByLogicalID(ctx, "away")
	e.placeOn(t, chunks[0].ID, *away)

	if err := e.reaper.HandleDeleteFile(ctx, deleteJob(t, f.ID, "expired")); err != nil {
		t.Fatalf("HandleDeleteFile: %v", err)
	}

	// Metadata wins: the file is gone even though one holder kept bytes.
	if _, err := e.store.GetFile(ctx, f.ID); !errors.Is(err, meta.ErrNotFound) {
		t.Errorf("file metadata survived: %v", err)
	}
	if client.Count() != 0 {
		t.Errorf("reachable device still holds %d chunks", client.Count())
	}
}

func TestDeleteFileAcksMissingFile(t *testing.T) {
	e := newEnv(t)
	if err := e.reaper.HandleDeleteFile(context.Background(), deleteJob(t, uuid.New(), "gone")); err != nil {
		t.Fatalf("HandleDeleteFile on missing file: %v", err)
	}
}

func TestTrimExcessDropsLeastReliableFirst(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Target 1, margin 2: five live replicas means two must go, and they
	// must be the two weakest holders.
	_, chunks := e.addFile(t, 1)
	c := chunks[0]
	scores := map[string]float64{"v": 99, "w": 95, "x": 90, "y": 85, "z": 80}
	clients := make(map[string]*channeltest.Device)
	for id, score := range scores {
		d := e.addDevice(t, id, score)
		e.placeOn(t, c.ID, d)
		clients[id] = channeltest.Connect(e.hub, id)
		clients[id].Store(c.ID.String(), []byte("ct"))
	}
	if err := e.store.SetChunkReplicas(ctx, c.ID, 5); err != nil {
		t.Fatalf("SetChunkReplicas: %v", err)
	}

	if err := e.reaper.HandleTrimExcess(ctx, trimJob(t, c.ID)); err != nil {
		t.Fatalf("HandleTrimExcess: %v", err)
	}

	for _, id := range []string{"y", "z"} {
		if clients[id].Has(c.ID.String()) {
			t.Errorf("weak holder %s kept the chunk", id)
		}
	}
	for _, id := range []string{"v", "w", "x"} {
		if !clients[id].Has(c.ID.String()) {
			t.Errorf("strong holder %s lost the chunk", id)
		}
	}

	got, _ := e.store.GetChunk(ctx, c.ID)
	if got.CurrentReplicas != 3 {
		t.Errorf("replicas = %d, want 3", got.CurrentReplicas)
	}
	holders, _ := e.store.HoldersByChunk(ctx, c.ID)
	if len(holders) != 3 {
		t.Errorf("placement rows = %d, want 3", len(holders))
	}
}

func TestTrimExcessNoOpWithinMargin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, chunks := e.addFile(t, 1)
	c := chunks[0]
	for _, id := range []string{"a", "b", "c"} {
		d := e.addDevice(t, id, 90)
		e.placeOn(t, c.ID, d)
	}

	if err := e.reaper.HandleTrimExcess(ctx, trimJob(t, c.ID)); err != nil {
		t.Fatalf("HandleTrimExcess: %v", err)
	}
	holders, _ := e.store.HoldersByChunk(ctx, c.ID)
	if len(holders) != 3 {
		t.Errorf("placement rows = %d, want untouched 3", len(holders))
	}
}

func TestTrimExcessDegradesUnreachableVictim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, chunks := e.addFile(t, 1)
	c := chunks[0]

	// The weakest holder is not connected; trim must degrade it and still
	// shed the remaining excess from the next weakest.
	scores := map[string]float64{"v": 99, "w": 95, "x": 90, "y": 85, "unreachable": 80}
	clients := make(map[string]*channeltest.Device)
	for id, score := range scores {
		d := e.addDevice(t, id, score)
		e.placeOn(t, c.ID, d)
		if id != "unreachable" {
			clients[id] = channeltest.Connect(e.hub, id)
			clients[id].Store(c.ID.String(), []byte("ct"))
		}
	}
	if err := e.store.SetChunkReplicas(ctx, c.ID, 5); err != nil {
		t.Fatalf("SetChunkReplicas: %v", err)
	}

	if err := e.reaper.HandleTrimExcess(ctx, trimJob(t, c.ID)); err != nil {
		t.Fatalf("HandleTrimExcess: %v", err)
	}

	if clients["y"].Has(c.ID.String()) {
		t.Error("holder y kept the chunk")
	}
	holders, _ := e.store.HoldersByChunk(ctx, c.ID)
	for _, h := range holders {
		if h.Device.LogicalID == "unreachable" {
			if h.Placement.Healthy {
				t.Error("unreachable victim placement left healthy")
			}
			return
		}
	}
	t.Error("unreachable victim placement row missing")
}

func TestTrimExcessAcksMissingChunk(t *testing.T) {
	e := newEnv(t)
	if err := e.reaper.HandleTrimExcess(context.Background(), trimJob(t, uuid.New())); err != nil {
		t.Fatalf("HandleTrimExcess on missing chunk: %v", err)
	}
}
