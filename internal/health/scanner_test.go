package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"weft/internal/logging"
	"weft/internal/meta"
	"weft/internal/meta/sqlite"
	"weft/internal/queue"
)

func TestHealPriority(t *testing.T) {
	tests := []struct {
		live, target int
		want         int
	}{
		{0, 3, 1},
		{1, 3, 2},
		{2, 3, 3},
		{1, 5, 2},
		{2, 5, 2},
		{3, 5, 3},
		{1, 2, 3},
	}
	for _, tt := range tests {
		if got := healPriority(tt.live, tt.target); got != tt.want {
			t.Errorf("healPriority(%d, %d) = %d, want %d", tt.live, tt.target, got, tt.want)
		}
	}
}

func TestHealBackoff(t *testing.T) {
	if got := healBackoff(1); got != 2*time.Second {
		t.Errorf("backoff for critical = %v, want 2s", got)
	}
	for _, prio := range []int{2, 3} {
		if got := healBackoff(prio); got != 5*time.Second {
			t.Errorf("backoff for priority %d = %v, want 5s", prio, got)
		}
	}
}

type env struct {
	store   *sqlite.Store
	queue   *queue.Queue
	scanner *Scanner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q, err := queue.New(store.DB(), logging.Discard())
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return &env{
		store:   store,
		queue:   q,
		scanner: NewScanner(store, q, 2, logging.Discard()),
	}
}

func (e *env) addDevice(t *testing.T, state meta.DeviceState) meta.Device {
	t.Helper()
	d := meta.Device{
		ID: uuid.New(), LogicalID: uuid.NewString(), TotalBytes: 1 << 30,
		AvailableBytes: 1 << 30, State: state,
		LastSeenAt: time.Now().UTC(), Reliability: 90,
	}
	if err := e.store.PutDevice(context.Background(), d); err != nil {
		t.Fatalf("PutDevice: %v", err)
	}
	return d
}

// addChunk creates a chunk in the given state with live holders on fresh
// online devices and dead holders on fresh offline devices.
func (e *env) addChunk(t *testing.T, state meta.ChunkState, target, live, dead int) meta.Chunk {
	t.Helper()
	ctx := context.Background()

	f := meta.File{
		ID: uuid.New(), Name: "f", SizeBytes: 1024, OwnerID: "o",
		WrappedDEK: "00", DEKID: "00", PlaintextHash: "00",
		State: meta.FileActive, ChunkCount: 1, CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	c := meta.Chunk{
		ID: uuid.New(), FileID: f.ID, Sequence: 0, SizeBytes: 1024,
		IV: "00", AuthTag: "00", AAD: "{}", CiphertextHash: "00",
		State: state, CurrentReplicas: live, TargetReplicas: target,
	}
	if err := e.store.CreateChunk(ctx, c); err != nil {
		t.Fatalf("CreateChunk: %v", err)
	}
	for i := 0; i < live+dead; i++ {
		devState := meta.DeviceOnline
		if i >= live {
			devState = meta.DeviceOffline
		}
		d := e.addDevice(t, devState)
		err := e.store.CreatePlacement(ctx, meta.Placement{
			ID: uuid.New(), ChunkID: c.ID, DeviceID: d.ID,
			Healthy: true, LastVerifiedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CreatePlacement: %v", err)
		}
	}
	return c
}

func (e *env) pending(t *testing.T, typ string) int {
	t.Helper()
	n, err := e.queue.Pending(context.Background(), typ)
	if err != nil {
		t.Fatalf("Pending(%s): %v", typ, err)
	}
	return n
}

func TestScanHealsUnderReplicated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	c := e.addChunk(t, meta.ChunkHealthy, 3, 1, 2)

	rep, err := e.scanner.ScanAll(ctx)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if rep.Scanned != 1 || rep.Heals != 1 || rep.Lost != 0 {
		t.Fatalf("report = %+v, want 1 scanned, 1 heal", rep)
	}

	got, _ := e.store.GetChunk(ctx, c.ID)
	if got.State != meta.ChunkDegraded {
		t.Errorf("state = %s, want degraded", got.State)
	}
	if got.CurrentReplicas != 1 {
		t.Errorf("replicas = %d, want recount to 1", got.CurrentReplicas)
	}
	if n := e.pending(t, queue.TypeHealChunk); n != 1 {
		t.Errorf("pending heals = %d, want 1", n)
	}
}

func TestScanMarksLostChunks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	c := e.addChunk(t, meta.ChunkDegraded, 3, 0, 3)

	rep, err := e.scanner.ScanAll(ctx)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if rep.Lost != 1 {
		t.Fatalf("report = %+v, want 1 lost", rep)
	}
	got, _ := e.store.GetChunk(ctx, c.ID)
	if got.State != meta.ChunkLost {
		t.Errorf("state = %s, want lost", got.State)
	}
	// Lost chunks are still queued for healing in case a holder returns.
	if n := e.pending(t, queue.TypeHealChunk); n != 1 {
		t.Errorf("pending heals = %d, want 1", n)
	}
}

func TestScanTrimsOverReplicated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Margin is 2, so 4 live replicas of a target-1 chunk is one too many.
	c := e.addChunk(t, meta.ChunkHealthy, 1, 4, 0)

	rep, err := e.scanner.ScanAll(ctx)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if rep.Trims != 1 || rep.Heals != 0 {
		t.Fatalf("report = %+v, want 1 trim", rep)
	}
	got, _ := e.store.GetChunk(ctx, c.ID)
	if got.State != meta.ChunkHealthy {
		t.Errorf("state = %s, want healthy", got.State)
	}
	if n := e.pending(t, queue.TypeTrimExcess); n != 1 {
		t.Errorf("pending trims = %d, want 1", n)
	}
}

func TestScanToleratesReplicasWithinMargin(t *testing.T) {
	e := newEnv(t)

	// 3 live for target 1 is at the margin, not over it.
	e.addChunk(t, meta.ChunkHealthy, 1, 3, 0)

	rep, err := e.scanner.ScanAll(context.Background())
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if rep.Trims != 0 || rep.Heals != 0 {
		t.Fatalf("report = %+v, want no work", rep)
	}
}

func TestScanPromotesRecoveredChunk(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	c := e.addChunk(t, meta.ChunkDegraded, 2, 2, 0)

	if _, err := e.scanner.ScanAll(ctx); err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	got, _ := e.store.GetChunk(ctx, c.ID)
	if got.State != meta.ChunkHealthy {
		t.Errorf("state = %s, want healthy after recount", got.State)
	}
	if n := e.pending(t, queue.TypeHealChunk); n != 0 {
		t.Errorf("pending heals = %d, want 0", n)
	}
}

func TestTrimPassOnlyTouchesOverReplicated(t *testing.T) {
	e := newEnv(t)

	e.addChunk(t, meta.ChunkHealthy, 1, 4, 0) // over
	e.addChunk(t, meta.ChunkHealthy, 1, 2, 0) // within margin
	e.addChunk(t, meta.ChunkDegraded, 3, 1, 0)

	trims, err := e.scanner.TrimPass(context.Background())
	if err != nil {
		t.Fatalf("TrimPass: %v", err)
	}
	if trims != 1 {
		t.Fatalf("trims = %d, want 1", trims)
	}
	if n := e.pending(t, queue.TypeHealChunk); n != 0 {
		t.Errorf("trim pass enqueued heals: %d", n)
	}
}

func TestDetectAffectedDegradesAndQueues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// One device holds the only replica of a target-2 chunk.
	lost := e.addDevice(t, meta.DeviceOffline)
	c := e.addChunk(t, meta.ChunkHealthy, 2, 0, 0)
	err := e.store.CreatePlacement(ctx, meta.Placement{
		ID: uuid.New(), ChunkID: c.ID, DeviceID: lost.ID,
		Healthy: true, LastVerifiedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePlacement: %v", err)
	}

	if err := e.scanner.DetectAffected(ctx, lost.ID); err != nil {
		t.Fatalf("DetectAffected: %v", err)
	}

	holders, _ := e.store.HoldersByChunk(ctx, c.ID)
	if len(holders) != 1 || holders[0].Placement.Healthy {
		t.Fatal("placement on the lost device not degraded")
	}
	got, _ := e.store.GetChunk(ctx, c.ID)
	if got.State != meta.ChunkLost {
		t.Errorf("state = %s, want lost", got.State)
	}
	if n := e.pending(t, queue.TypeHealChunk); n != 1 {
		t.Errorf("pending heals = %d, want 1", n)
	}
}

func TestDetectAffectedSkipsPendingChunks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	d := e.addDevice(t, meta.DeviceOffline)
	c := e.addChunk(t, meta.ChunkPending, 2, 0, 0)
	err := e.store.CreatePlacement(ctx, meta.Placement{
		ID: uuid.New(), ChunkID: c.ID, DeviceID: d.ID, Healthy: true,
	})
	if err != nil {
		t.Fatalf("CreatePlacement: %v", err)
	}

	if err := e.scanner.DetectAffected(ctx, d.ID); err != nil {
		t.Fatalf("DetectAffected: %v", err)
	}
	got, _ := e.store.GetChunk(ctx, c.ID)
	if got.State != meta.ChunkPending {
		t.Errorf("state = %s, want still pending", got.State)
	}
	if n := e.pending(t, queue.TypeHealChunk); n != 0 {
		t.Errorf("pending heals = %d, want 0", n)
	}
}
