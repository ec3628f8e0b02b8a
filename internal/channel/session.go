package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"weft/internal/device"
	"weft/internal/logging"
	"weft/internal/meta"
)

// Transport is a Conn the session can also read from. The websocket
// connection implements it; tests use an in-memory pipe.
type Transport interface {
	Conn
	Receive() (Msg, error)
}

// Session drives one device connection: it answers the device lifecycle
// events itself and routes chunk responses into the hub's pending calls.
type Session struct {
	hub     *Hub
	devices *device.Registry
	conn    Transport
	logger  *slog.Logger

	// logicalID is empty until the device registers.
	logicalID string
}

// NewSession creates a session for a freshly accepted connection.
func NewSession(hub *Hub, devices *device.Registry, conn Transport, logger *slog.Logger) *Session {
	logger = logging.Default(logger)
	return &Session{
		hub:     hub,
		devices: devices,
		conn:    conn,
		logger:  logger.With("component", "session"),
	}
}

// Run reads events until the connection drops or ctx is cancelled. On
// exit the device is unbound and marked offline.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()

	// Unblock Receive on shutdown.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if ctx.Err() == nil && s.logicalID != "" {
				s.logger.Info("device connection lost", "device", s.logicalID, "error", err)
			}
			return
		}
		if msg.Event == EvDisconnect {
			return
		}
		if s.logicalID != "" && !s.hub.Allow(s.logicalID) {
			s.logger.Warn("event rate limit exceeded", "device", s.logicalID, "event", msg.Event)
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg Msg) {
	switch {
	case msg.Event == EvRegister:
		s.handleRegister(ctx, msg.Data)
	case msg.Event == EvPing:
		s.handlePing(ctx, msg.Data)
	case msg.Event == EvStorageUpdate:
		s.handleStorageUpdate(ctx, msg.Data)
	case msg.Event == EvChunkConfirm:
		// Confirms carry their chunk id in the payload; normalize to the
		// keyed form the pending-call table uses.
		var confirm ConfirmPayload
		if err := json.Unmarshal(msg.Data, &confirm); err != nil || confirm.ChunkID == "" {
			s.logger.Warn("malformed chunk confirm", "device", s.logicalID)
			return
		}
		s.hub.Deliver(s.logicalID, EvChunkConfirm+":"+confirm.ChunkID, msg.Data)
	case strings.HasPrefix(msg.Event, EvChunkData+":"),
		strings.HasPrefix(msg.Event, EvChunkDeleted+":"):
		s.hub.Deliver(s.logicalID, msg.Event, msg.Data)
	default:
		s.logger.Warn("unknown event", "device", s.logicalID, "event", msg.Event)
	}
}

func (s *Session) handleRegister(ctx context.Context, data json.RawMessage) {
	var p RegisterPayload
	if err := json.Unmarshal(data, &p); err != nil || p.LogicalDeviceID == "" {
		s.conn.Send(EvRegistered, RegisteredPayload{Success: false, Message: "malformed registration"})
		return
	}

	d, err := s.devices.Register(ctx, device.RegisterPayload{
		LogicalID:  p.LogicalDeviceID,
		Type:       p.DeviceType,
		OwnerID:    p.OwnerID,
		TotalBytes: p.TotalCapacityBytes,
		Model:      p.Model,
		OS:         p.OS,
		App:        p.App,
	})
	if err != nil {
		s.logger.Error("registration failed", "device", p.LogicalDeviceID, "error", err)
		s.conn.Send(EvRegistered, RegisteredPayload{Success: false, Message: "registration failed"})
		return
	}
	if d.State == meta.DeviceSuspended {
		s.conn.Send(EvRegistered, RegisteredPayload{
			Success: false,
			Message: "device suspended",
			Device:  deviceView(d),
		})
		return
	}

	s.logicalID = p.LogicalDeviceID
	s.hub.Bind(s.logicalID, s.conn)
	s.conn.Send(EvRegistered, RegisteredPayload{Success: true, Device: deviceView(d)})
}

func (s *Session) handlePing(ctx context.Context, data json.RawMessage) {
	var p PingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	logicalID := p.LogicalDeviceID
	if logicalID == "" {
		logicalID = s.logicalID
	}
	if logicalID == "" {
		s.conn.Send(EvPong, PongPayload{Success: false})
		return
	}

	d, err := s.devices.Heartbeat(ctx, logicalID, p.AvailableCapacityBytes)
	if err != nil {
		s.conn.Send(EvPong, PongPayload{Success: false, TimestampMS: time.Now().UnixMilli()})
		return
	}
	h, err := s.devices.Health(ctx, logicalID)
	if err != nil {
		s.conn.Send(EvPong, PongPayload{Success: false, TimestampMS: time.Now().UnixMilli()})
		return
	}
	s.conn.Send(EvPong, PongPayload{
		Success:     true,
		TimestampMS: time.Now().UnixMilli(),
		State:       string(d.State),
		Score:       h.Score,
		UptimePct:   h.UptimePct,
	})
}

func (s *Session) handleStorageUpdate(ctx context.Context, data json.RawMessage) {
	if s.logicalID == "" {
		return
	}
	var p StorageUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if err := s.devices.SetAvailable(ctx, s.logicalID, p.AvailableCapacityBytes); err != nil {
		s.logger.Error("storage update failed", "device", s.logicalID, "error", err)
	}
}

// teardown unbinds the connection and marks the device offline, which
// in turn triggers the targeted health check for its chunks.
func (s *Session) teardown() {
	s.conn.Close()
	if s.logicalID == "" {
		return
	}
	s.hub.Unbind(s.logicalID, s.conn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.devices.MarkOffline(ctx, s.logicalID); err != nil {
		s.logger.Error("mark offline failed", "device", s.logicalID, "error", err)
	}
}

func deviceView(d *meta.Device) *DeviceView {
	return &DeviceView{
		LogicalDeviceID: d.LogicalID,
		State:           string(d.State),
		Reliability:     d.Reliability,
	}
}
