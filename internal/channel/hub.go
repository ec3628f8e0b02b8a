package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"weft/internal/logging"
)

var (
	// ErrNotConnected is returned when the device has no bound channel.
	ErrNotConnected = errors.New("device not connected")
	// ErrTimeout is returned when the device does not answer in time.
	ErrTimeout = errors.New("device request timed out")
	// ErrDeviceRejected is returned when the device answers with failure.
	ErrDeviceRejected = errors.New("device rejected request")
)

// Conn is one open duplex channel to a device. Send must be safe for
// concurrent use.
type Conn interface {
	Send(event string, payload any) error
	Close() error
}

// Timeouts bounds the three request/response round trips.
type Timeouts struct {
	Write  time.Duration
	Read   time.Duration
	Delete time.Duration
}

// DefaultTimeouts matches the configuration defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{Write: 30 * time.Second, Read: 60 * time.Second, Delete: 60 * time.Second}
}

// binding is the live state for one connected device.
type binding struct {
	conn    Conn
	pending map[string]chan json.RawMessage
	limiter *rate.Limiter
}

// Hub is the connection registry. It is the only mutator of live
// channels; everything else reaches devices through its calls.
type Hub struct {
	mu       sync.Mutex
	devices  map[string]*binding
	timeouts Timeouts
	logger   *slog.Logger

	// Inbound events per device are rate limited to keep one chatty
	// device from starving the rest of the accept loop.
	eventRate  rate.Limit
	eventBurst int
}

// NewHub creates a Hub with the given round-trip timeouts.
func NewHub(t Timeouts, logger *slog.Logger) *Hub {
	logger = logging.Default(logger)
	return &Hub{
		devices:    make(map[string]*binding),
		timeouts:   t,
		logger:     logger.With("component", "channel"),
		eventRate:  rate.Limit(50),
		eventBurst: 100,
	}
}

// Bind attaches a logical device id to a channel. A previous channel for
// the same id is closed; its in-flight calls fail with ErrNotConnected.
func (h *Hub) Bind(logicalID string, conn Conn) {
	h.mu.Lock()
	old := h.devices[logicalID]
	h.devices[logicalID] = &binding{
		conn:    conn,
		pending: make(map[string]chan json.RawMessage),
		limiter: rate.NewLimiter(h.eventRate, h.eventBurst),
	}
	h.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}
	h.logger.Info("device bound", "device", logicalID, "replaced", old != nil)
}

// Unbind detaches a device if conn is still its bound channel. Stale
// unbinds from an already-replaced channel are ignored.
func (h *Hub) Unbind(logicalID string, conn Conn) {
	h.mu.Lock()
	b := h.devices[logicalID]
	if b == nil || b.conn != conn {
		h.mu.Unlock()
		return
	}
	delete(h.devices, logicalID)
	h.mu.Unlock()
	h.logger.Info("device unbound", "device", logicalID)
}

// Connected reports whether a device has a bound channel.
func (h *Hub) Connected(logicalID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[logicalID] != nil
}

// Deliver routes an inbound response event to the waiter registered
// under key. Events nobody waits for are dropped; the device may answer
// after the watchdog already gave up.
func (h *Hub) Deliver(logicalID, key string, data json.RawMessage) {
	h.mu.Lock()
	b := h.devices[logicalID]
	var ch chan json.RawMessage
	if b != nil {
		ch = b.pending[key]
		delete(b.pending, key)
	}
	h.mu.Unlock()

	if ch != nil {
		ch <- data
	}
}

// Allow applies the per-device inbound rate limit. Events from unbound
// devices are always allowed; registration has to get through.
func (h *Hub) Allow(logicalID string) bool {
	h.mu.Lock()
	b := h.devices[logicalID]
	h.mu.Unlock()
	if b == nil {
		return true
	}
	return b.limiter.Allow()
}

// call sends an event and waits for the response registered under key.
func (h *Hub) call(ctx context.Context, logicalID, event string, payload any, key string, timeout time.Duration) (json.RawMessage, error) {
	h.mu.Lock()
	b := h.devices[logicalID]
	if b == nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("%q: %w", logicalID, ErrNotConnected)
	}
	ch := make(chan json.RawMessage, 1)
	b.pending[key] = ch
	conn := b.conn
	h.mu.Unlock()

	abort := func() {
		h.mu.Lock()
		if cur := h.devices[logicalID]; cur == b {
			delete(b.pending, key)
		}
		h.mu.Unlock()
	}

	if err := conn.Send(event, payload); err != nil {
		abort()
		return nil, fmt.Errorf("send %s to %q: %w", event, logicalID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-ch:
		return data, nil
	case <-timer.C:
		abort()
		return nil, fmt.Errorf("%s to %q after %s: %w", event, logicalID, timeout, ErrTimeout)
	case <-ctx.Done():
		abort()
		return nil, ctx.Err()
	}
}

// SendChunk ships ciphertext to a device and waits for its confirm.
func (h *Hub) SendChunk(ctx context.Context, logicalID string, a AssignPayload) error {
	data, err := h.call(ctx, logicalID, EvChunkAssign, a,
		EvChunkConfirm+":"+a.ChunkID, h.timeouts.Write)
	if err != nil {
		return err
	}

	var confirm ConfirmPayload
	if err := json.Unmarshal(data, &confirm); err != nil {
		return fmt.Errorf("parse confirm from %q: %w", logicalID, err)
	}
	if !confirm.Success {
		return fmt.Errorf("%q: %s: %w", logicalID, confirm.Error, ErrDeviceRejected)
	}
	return nil
}

// RequestChunk fetches a chunk's ciphertext from a holder.
func (h *Hub) RequestChunk(ctx context.Context, logicalID, chunkID string) ([]byte, error) {
	data, err := h.call(ctx, logicalID, EvChunkRequest, RequestPayload{ChunkID: chunkID},
		EvChunkData+":"+chunkID, h.timeouts.Read)
	if err != nil {
		return nil, err
	}

	var resp DataPayload
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse chunk data from %q: %w", logicalID, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%q: %s: %w", logicalID, resp.Error, ErrDeviceRejected)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.DataBase64)
	if err != nil {
		return nil, fmt.Errorf("decode chunk data from %q: %w", logicalID, err)
	}
	return raw, nil
}

// DeleteChunk instructs a holder to drop a chunk. A timeout is reported
// as ErrTimeout; callers treat it as non-fatal and leave the placement
// for later reconciliation.
func (h *Hub) DeleteChunk(ctx context.Context, logicalID, chunkID, reason string) error {
	data, err := h.call(ctx, logicalID, EvChunkDelete,
		DeletePayload{ChunkID: chunkID, Reason: reason},
		EvChunkDeleted+":"+chunkID, h.timeouts.Delete)
	if err != nil {
		return err
	}

	var resp DeletedPayload
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parse delete ack from %q: %w", logicalID, err)
	}
	if !resp.Success {
		return fmt.Errorf("%q: %s: %w", logicalID, resp.Error, ErrDeviceRejected)
	}
	return nil
}
