// Package channeltest provides an in-memory storage device for tests.
//
// A Device binds itself to a hub and answers chunk traffic the way a
// real device client would: it keeps ciphertext in a map and confirms,
// serves or deletes it on request. Failure modes are switchable per
// device so tests can script unreachable, rejecting or corrupting
// holders.
package channeltest

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"weft/internal/channel"
)

// Device is a scripted in-memory device client.
type Device struct {
	hub       *channel.Hub
	logicalID string

	mu     sync.Mutex
	chunks map[string][]byte

	// RejectWrites makes the device answer every assign with a failure.
	RejectWrites bool
	// Silent drops every request unanswered, so calls time out.
	Silent bool
	// Corrupt makes the device serve flipped ciphertext bytes.
	Corrupt bool
}

// Connect creates a Device and binds it to the hub under logicalID.
func Connect(hub *channel.Hub, logicalID string) *Device {
	d := &Device{
		hub:       hub,
		logicalID: logicalID,
		chunks:    make(map[string][]byte),
	}
	hub.Bind(logicalID, d)
	return d
}

// Send implements channel.Conn. Responses are delivered synchronously;
// the hub registers the pending call before sending, so this is safe.
func (d *Device) Send(event string, payload any) error {
	if d.Silent {
		return nil
	}
	switch p := payload.(type) {
	case channel.AssignPayload:
		d.handleAssign(p)
	case channel.RequestPayload:
		d.handleRequest(p)
	case channel.DeletePayload:
		d.handleDelete(p)
	}
	return nil
}

// Close implements channel.Conn.
func (d *Device) Close() error { return nil }

func (d *Device) handleAssign(p channel.AssignPayload) {
	if d.RejectWrites {
		d.deliver(channel.EvChunkConfirm+":"+p.ChunkID,
			channel.ConfirmPayload{ChunkID: p.ChunkID, Success: false, Error: "storage unavailable"})
		return
	}
	raw, err := base64.StdEncoding.DecodeString(p.CiphertextBase64)
	if err != nil {
		d.deliver(channel.EvChunkConfirm+":"+p.ChunkID,
			channel.ConfirmPayload{ChunkID: p.ChunkID, Success: false, Error: "bad payload"})
		return
	}
	d.mu.Lock()
	d.chunks[p.ChunkID] = raw
	d.mu.Unlock()
	d.deliver(channel.EvChunkConfirm+":"+p.ChunkID,
		channel.ConfirmPayload{ChunkID: p.ChunkID, Success: true})
}

func (d *Device) handleRequest(p channel.RequestPayload) {
	d.mu.Lock()
	raw, ok := d.chunks[p.ChunkID]
	d.mu.Unlock()
	if !ok {
		d.deliver(channel.EvChunkData+":"+p.ChunkID,
			channel.DataPayload{Success: false, Error: "not found"})
		return
	}
	if d.Corrupt {
		raw = append([]byte(nil), raw...)
		raw[0] ^= 0x01
	}
	d.deliver(channel.EvChunkData+":"+p.ChunkID,
		channel.DataPayload{Success: true, DataBase64: base64.StdEncoding.EncodeToString(raw)})
}

func (d *Device) handleDelete(p channel.DeletePayload) {
	d.mu.Lock()
	delete(d.chunks, p.ChunkID)
	d.mu.Unlock()
	d.deliver(channel.EvChunkDeleted+":"+p.ChunkID, channel.DeletedPayload{Success: true})
}

func (d *Device) deliver(key string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	d.hub.Deliver(d.logicalID, key, data)
}

// Store seeds the device with ciphertext for a chunk, bypassing the
// assign round trip. For tests that need a pre-populated holder.
func (d *Device) Store(chunkID string, ciphertext []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks[chunkID] = append([]byte(nil), ciphertext...)
}

// Has reports whether the device holds ciphertext for a chunk.
func (d *Device) Has(chunkID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.chunks[chunkID]
	return ok
}

// Count returns how many chunks the device holds.
func (d *Device) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chunks)
}

// Bytes returns the stored ciphertext for a chunk, or nil.
func (d *Device) Bytes(chunkID string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chunks[chunkID]
}
