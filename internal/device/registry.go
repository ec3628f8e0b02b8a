// Package device maintains the fleet registry: identity, lifecycle
// state, capacity and the reliability score that placement ranks by.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"weft/internal/logging"
	"weft/internal/meta"
)

// RegisterPayload is what a device presents on its first event.
type RegisterPayload struct {
	LogicalID  string
	Type       string
	OwnerID    string
	TotalBytes int64
	Model      string
	OS         string
	App        string
}

// Health is the introspection view of a single device.
type Health struct {
	Online                bool
	Score                 float64
	UptimePct             float64
	ConsecutiveDowntimeMS int64
	LastSeenAt            time.Time
}

// Registry is the device lifecycle service. All state lives in the
// metadata store; the registry only computes transitions and scores.
type Registry struct {
	store  meta.Store
	logger *slog.Logger
	now    func() time.Time

	// onNotOnline is invoked after a device leaves the ONLINE state, so
	// the health scanner can re-examine the chunks it holds. May be nil.
	onNotOnline func(ctx context.Context, deviceID uuid.UUID)
}

// NewRegistry creates a Registry over the metadata store.
func NewRegistry(store meta.Store, logger *slog.Logger) *Registry {
	logger = logging.Default(logger)
	return &Registry{
		store:  store,
		logger: logger.With("component", "device"),
		now:    time.Now,
	}
}

// OnNotOnline registers the hook fired when a device goes OFFLINE or
// SUSPENDED. Set once at wiring time, before any traffic.
func (r *Registry) OnNotOnline(fn func(ctx context.Context, deviceID uuid.UUID)) {
	r.onNotOnline = fn
}

// Score is the reliability function: the uptime share of total observed
// time, rounded to two decimals. A device with no history scores 100.
func Score(uptimeMS, downtimeMS int64) float64 {
	total := uptimeMS + downtimeMS
	if total == 0 {
		return 100
	}
	score := 100 * float64(uptimeMS) / float64(total)
	score = math.Round(score*100) / 100
	return math.Min(100, math.Max(0, score))
}

// Register upserts a device by logical id. A new device comes up ONLINE
// with a clean history; a returning device has the gap since it was last
// seen booked as downtime.
func (r *Registry) Register(ctx context.Context, p RegisterPayload) (*meta.Device, error) {
	now := r.now()

	d, err := r.store.GetDeviceByLogicalID(ctx, p.LogicalID)
	if err == nil {
		// The gap since the device was last seen counts as downtime, even
		// on a reconnect without a clean disconnect. SUSPENDED is
		// terminal: the row is refreshed but the device stays suspended.
		if d.State != meta.DeviceSuspended {
			d.DowntimeMS += now.Sub(d.LastSeenAt).Milliseconds()
			d.State = meta.DeviceOnline
		}
		d.Type = p.Type
		d.OwnerID = p.OwnerID
		d.TotalBytes = p.TotalBytes
		d.Model, d.OS, d.App = p.Model, p.OS, p.App
		d.LastSeenAt = now
		d.Reliability = Score(d.UptimeMS, d.DowntimeMS)
		if err := r.store.PutDevice(ctx, *d); err != nil {
			return nil, err
		}
		r.logger.Info("device reconnected", "device", d.LogicalID, "score", d.Reliability)
		return d, nil
	}
	if err != meta.ErrNotFound {
		return nil, fmt.Errorf("register %q: %w", p.LogicalID, err)
	}

	d = &meta.Device{
		ID:             uuid.New(),
		LogicalID:      p.LogicalID,
		Type:           p.Type,
		OwnerID:        p.OwnerID,
		TotalBytes:     p.TotalBytes,
		AvailableBytes: p.TotalBytes,
		State:          meta.DeviceOnline,
		LastSeenAt:     now,
		Reliability:    100,
		Model:          p.Model,
		OS:             p.OS,
		App:            p.App,
	}
	if err := r.store.PutDevice(ctx, *d); err != nil {
		return nil, err
	}
	r.logger.Info("device registered", "device", d.LogicalID, "capacity", d.TotalBytes)
	return d, nil
}

// Heartbeat books the interval since the last event as uptime and
// refreshes the available capacity. A heartbeat from an OFFLINE device
// revives it: the quiet gap is booked as downtime, as on reconnect.
// SUSPENDED stays terminal.
func (r *Registry) Heartbeat(ctx context.Context, logicalID string, availableBytes int64) (*meta.Device, error) {
	d, err := r.store.GetDeviceByLogicalID(ctx, logicalID)
	if err != nil {
		return nil, fmt.Errorf("heartbeat %q: %w", logicalID, err)
	}
	now := r.now()

	switch d.State {
	case meta.DeviceOnline:
		d.UptimeMS += now.Sub(d.LastSeenAt).Milliseconds()
	case meta.DeviceOffline:
		d.DowntimeMS += now.Sub(d.LastSeenAt).Milliseconds()
		d.State = meta.DeviceOnline
		r.logger.Info("device revived by heartbeat", "device", d.LogicalID)
	}
	d.LastSeenAt = now
	if availableBytes >= 0 {
		d.AvailableBytes = min(availableBytes, d.TotalBytes)
	}
	d.Reliability = Score(d.UptimeMS, d.DowntimeMS)
	if err := r.store.PutDevice(ctx, *d); err != nil {
		return nil, err
	}
	return d, nil
}

// SetAvailable updates only the reported free capacity.
func (r *Registry) SetAvailable(ctx context.Context, logicalID string, availableBytes int64) error {
	d, err := r.store.GetDeviceByLogicalID(ctx, logicalID)
	if err != nil {
		return fmt.Errorf("storage update %q: %w", logicalID, err)
	}
	d.AvailableBytes = min(max(availableBytes, 0), d.TotalBytes)
	return r.store.PutDevice(ctx, *d)
}

// MarkOffline transitions an ONLINE device to OFFLINE, booking the
// elapsed interval as downtime, and triggers a targeted health check for
// its chunks. Idempotent when already offline.
func (r *Registry) MarkOffline(ctx context.Context, logicalID string) error {
	return r.transition(ctx, logicalID, meta.DeviceOffline)
}

// Suspend is the terminal transition. A suspended device keeps its row
// but is never placed on again.
func (r *Registry) Suspend(ctx context.Context, logicalID, reason string) error {
	if err := r.transition(ctx, logicalID, meta.DeviceSuspended); err != nil {
		return err
	}
	r.logger.Warn("device suspended", "device", logicalID, "reason", reason)
	return nil
}

func (r *Registry) transition(ctx context.Context, logicalID string, to meta.DeviceState) error {
	d, err := r.store.GetDeviceByLogicalID(ctx, logicalID)
	if err != nil {
		return fmt.Errorf("transition %q: %w", logicalID, err)
	}
	if d.State == to {
		return nil
	}

	now := r.now()
	wasOnline := d.State == meta.DeviceOnline
	if wasOnline {
		d.DowntimeMS += now.Sub(d.LastSeenAt).Milliseconds()
		d.LastSeenAt = now
		d.Reliability = Score(d.UptimeMS, d.DowntimeMS)
	}
	d.State = to
	if err := r.store.PutDevice(ctx, *d); err != nil {
		return err
	}
	r.logger.Info("device state change",
		"device", logicalID, "state", string(to), "score", d.Reliability)

	if wasOnline && r.onNotOnline != nil {
		r.onNotOnline(ctx, d.ID)
	}
	return nil
}

// MarkStale finds online devices that have missed the heartbeat window
// and marks them offline. Run on a schedule.
func (r *Registry) MarkStale(ctx context.Context, threshold time.Duration) error {
	stale, err := r.store.ListStaleDevices(ctx, r.now().Add(-threshold))
	if err != nil {
		return fmt.Errorf("list stale devices: %w", err)
	}
	for _, d := range stale {
		if err := r.MarkOffline(ctx, d.LogicalID); err != nil {
			r.logger.Error("mark stale device offline", "device", d.LogicalID, "error", err)
		}
	}
	return nil
}

// FindHealthy returns placement candidates per the ranked store query.
func (r *Registry) FindHealthy(ctx context.Context, minFree int64, minScore float64, limit int) ([]meta.Device, error) {
	return r.store.FindHealthyDevices(ctx, minFree, minScore, limit)
}

// Health reports a device's current quality metrics.
func (r *Registry) Health(ctx context.Context, logicalID string) (*Health, error) {
	d, err := r.store.GetDeviceByLogicalID(ctx, logicalID)
	if err != nil {
		return nil, fmt.Errorf("health %q: %w", logicalID, err)
	}

	h := &Health{
		Online:     d.State == meta.DeviceOnline,
		Score:      d.Reliability,
		LastSeenAt: d.LastSeenAt,
	}
	if total := d.UptimeMS + d.DowntimeMS; total > 0 {
		h.UptimePct = math.Round(10000*float64(d.UptimeMS)/float64(total)) / 100
	} else {
		h.UptimePct = 100
	}
	if !h.Online {
		h.ConsecutiveDowntimeMS = r.now().Sub(d.LastSeenAt).Milliseconds()
	}
	return h, nil
}
