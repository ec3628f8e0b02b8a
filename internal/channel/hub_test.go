package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"weft/internal/logging"
)

// scriptConn is an in-memory Conn whose responses are scripted per test.
type scriptConn struct {
	mu      sync.Mutex
	sent    []Msg
	closed  bool
	respond func(event string, payload any)
}

func (c *scriptConn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, Msg{Event: event, Data: data})
	fn := c.respond
	c.mu.Unlock()

	if fn != nil {
		go fn(event, payload)
	}
	return nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func fastTimeouts() Timeouts {
	return Timeouts{Write: 200 * time.Millisecond, Read: 200 * time.Millisecond, Delete: 200 * time.Millisecond}
}

func TestBindReplacesExistingConn(t *testing.T) {
	h := NewHub(fastTimeouts(), logging.Discard())

	old := &scriptConn{}
	h.Bind("dev-a", old)
	if !h.Connected("dev-a") {
		t.Fatal("device not connected after Bind")
	}

	replacement := &scriptConn{}
	h.Bind("dev-a", replacement)
	if !old.isClosed() {
		t.Error("replaced conn not closed")
	}

	// A stale unbind from the replaced conn must not detach the new one.
	h.Unbind("dev-a", old)
	if !h.Connected("dev-a") {
		t.Fatal("stale unbind detached the replacement conn")
	}

	h.Unbind("dev-a", replacement)
	if h.Connected("dev-a") {
		t.Fatal("device still connected after Unbind")
	}
}

func TestSendChunkConfirmed(t *testing.T) {
	h := NewHub(fastTimeouts(), logging.Discard())
	conn := &scriptConn{}
	conn.respond = func(event string, payload any) {
		if event != EvChunkAssign {
			return
		}
		a := payload.(AssignPayload)
		data, _ := json.Marshal(ConfirmPayload{ChunkID: a.ChunkID, Success: true})
		h.Deliver("dev-a", EvChunkConfirm+":"+a.ChunkID, data)
	}
	h.Bind("dev-a", conn)

	err := h.SendChunk(context.Background(), "dev-a", AssignPayload{ChunkID: "chunk-1"})
	if err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
}

func TestSendChunkRejected(t *testing.T) {
	h := NewHub(fastTimeouts(), logging.Discard())
	conn := &scriptConn{}
	conn.respond = func(event string, payload any) {
		a := payload.(AssignPayload)
		data, _ := json.Marshal(ConfirmPayload{ChunkID: a.ChunkID, Success: false, Error: "disk full"})
		h.Deliver("dev-a", EvChunkConfirm+":"+a.ChunkID, data)
	}
	h.Bind("dev-a", conn)

	err := h.SendChunk(context.Background(), "dev-a", AssignPayload{ChunkID: "chunk-1"})
	if !errors.Is(err, ErrDeviceRejected) {
		t.Fatalf("got %v, want ErrDeviceRejected", err)
	}
}

func TestSendChunkTimesOut(t *testing.T) {
	h := NewHub(fastTimeouts(), logging.Discard())
	h.Bind("dev-a", &scriptConn{}) // never responds

	err := h.SendChunk(context.Background(), "dev-a", AssignPayload{ChunkID: "chunk-1"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestSendChunkNotConnected(t *testing.T) {
	h := NewHub(fastTimeouts(), logging.Discard())

	err := h.SendChunk(context.Background(), "ghost", AssignPayload{ChunkID: "chunk-1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestRequestChunkReturnsBytes(t *testing.T) {
	h := NewHub(fastTimeouts(), logging.Discard())
	want := []byte("ciphertext payload")
	conn := &scriptConn{}
	conn.respond = func(event string, payload any) {
		r := payload.(RequestPayload)
		data, _ := json.Marshal(DataPayload{
			Success:    true,
			DataBase64: base64.StdEncoding.EncodeToString(want),
		})
		h.Deliver("dev-a", EvChunkData+":"+r.ChunkID, data)
	}
	h.Bind("dev-a", conn)

	got, err := h.RequestChunk(context.Background(), "dev-a", "chunk-1")
	if err != nil {
		t.Fatalf("RequestChunk: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("RequestChunk = %q, want %q", got, want)
	}
}

func TestDeleteChunkAck(t *testing.T) {
	h := NewHub(fastTimeouts(), logging.Discard())
	conn := &scriptConn{}
	conn.respond = func(event string, payload any) {
		d := payload.(DeletePayload)
		data, _ := json.Marshal(DeletedPayload{Success: true})
		h.Deliver("dev-a", EvChunkDeleted+":"+d.ChunkID, data)
	}
	h.Bind("dev-a", conn)

	if err := h.DeleteChunk(context.Background(), "dev-a", "chunk-1", "deleted"); err != nil {
		t.Fatalf("DeleteChunk: %v", err)
	}
}

func TestConcurrentCallsCorrelateByChunk(t *testing.T) {
	h := NewHub(Timeouts{Write: time.Second, Read: time.Second, Delete: time.Second}, logging.Discard())
	conn := &scriptConn{}
	conn.respond = func(event string, payload any) {
		a := payload.(AssignPayload)
		// Answer the second chunk first to prove correlation is by key,
		// not ordering.
		if a.ChunkID == "chunk-1" {
			time.Sleep(50 * time.Millisecond)
		}
		data, _ := json.Marshal(ConfirmPayload{ChunkID: a.ChunkID, Success: true})
		h.Deliver("dev-a", EvChunkConfirm+":"+a.ChunkID, data)
	}
	h.Bind("dev-a", conn)

	errs := make(chan error, 2)
	for _, id := range []string{"chunk-1", "chunk-2"} {
		id := id
		go func() {
			errs <- h.SendChunk(context.Background(), "dev-a", AssignPayload{ChunkID: id})
		}()
	}
	for j := 0; j < 2; j++ {
		if err := <-errs; err != nil {
			t.Fatalf("SendChunk: %v", err)
		}
	}
}

func TestCancelledContextAborts(t *testing.T) {
	h := NewHub(Timeouts{Write: time.Minute}, logging.Discard())
	h.Bind("dev-a", &scriptConn{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := h.SendChunk(ctx, "dev-a", AssignPayload{ChunkID: "chunk-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestAllowRateLimitsBoundDevices(t *testing.T) {
	h := NewHub(fastTimeouts(), logging.Discard())

	if !h.Allow("unbound") {
		t.Fatal("unbound device should always be allowed")
	}

	h.Bind("dev-a", &scriptConn{})
	allowed := 0
	for j := 0; j < 1000; j++ {
		if h.Allow("dev-a") {
			allowed++
		}
	}
	// Burst is 100; a tight loop cannot earn many more tokens.
	if allowed < 100 || allowed > 150 {
		t.Fatalf("allowed %d of 1000 events, want about the burst size", allowed)
	}
}
