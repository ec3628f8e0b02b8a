// Package config defines the coordinator configuration.
//
// Configuration is a plain struct filled in by the entrypoint (flags and
// environment). Components receive the values they need at construction;
// nothing in here is reloaded at runtime.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingKEK is returned when no key-encryption key is configured.
	ErrMissingKEK = errors.New("missing key-encryption key")
	// ErrBadKEK is returned when the configured KEK is not 32 bytes of hex.
	ErrBadKEK = errors.New("key-encryption key must be 64 hex characters")
)

// Chunk sizing policy names accepted by Validate.
const (
	ChunkPolicyAdaptive = "adaptive"
	ChunkPolicyFixed    = "fixed"
)

// Config holds every tunable of the coordinator.
type Config struct {
	// KEKHex is the master key-encryption key, 32 bytes hex encoded.
	KEKHex string

	// RedundancyFactor is the target number of live replicas per chunk.
	RedundancyFactor int
	// SafetyMargin is the number of replicas tolerated above the target
	// before the reaper trims.
	SafetyMargin int
	// MinReliability is the minimum device reliability score eligible for
	// new placements.
	MinReliability float64

	ScanInterval    time.Duration
	TrimInterval    time.Duration
	SummaryInterval time.Duration

	// DeviceOfflineThreshold is how long a device may go without a ping
	// before it is considered offline.
	DeviceOfflineThreshold time.Duration

	// ChunkPolicy selects the sizing policy: "adaptive" or "fixed".
	ChunkPolicy string
	// FixedChunkSize is the chunk size used by the fixed policy.
	FixedChunkSize int64

	// StagingDir is the root of the temporary ciphertext store.
	StagingDir string
	// StagingTTL is how long staged ciphertext is kept before eviction.
	StagingTTL time.Duration

	// MetaPath is the sqlite database file holding metadata and jobs.
	MetaPath string

	// WriteTimeout, ReadTimeout and DeleteTimeout bound the three device
	// channel round trips.
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	DeleteTimeout time.Duration

	// MaxFileSize rejects uploads larger than this many bytes.
	MaxFileSize int64
}

// Defaults returns a Config with every knob at its default value.
// The KEK has no default and must be provided.
func Defaults() Config {
	return Config{
		RedundancyFactor:       3,
		SafetyMargin:           2,
		MinReliability:         70,
		ScanInterval:           60 * time.Minute,
		TrimInterval:           12 * time.Hour,
		SummaryInterval:        24 * time.Hour,
		DeviceOfflineThreshold: 90 * time.Second,
		ChunkPolicy:            ChunkPolicyAdaptive,
		FixedChunkSize:         5 << 20,
		StagingDir:             "staging",
		StagingTTL:             24 * time.Hour,
		MetaPath:               "weft.db",
		WriteTimeout:           30 * time.Second,
		ReadTimeout:            60 * time.Second,
		DeleteTimeout:          60 * time.Second,
		MaxFileSize:            10 << 30,
	}
}

// Validate checks the configuration for fatal problems. It is called once
// at startup; any error here aborts the process.
func (c *Config) Validate() error {
	if c.KEKHex == "" {
		return ErrMissingKEK
	}
	raw, err := hex.DecodeString(c.KEKHex)
	if err != nil || len(raw) != 32 {
		return ErrBadKEK
	}
	if c.RedundancyFactor < 2 || c.RedundancyFactor > 5 {
		return fmt.Errorf("redundancy factor %d out of range [2,5]", c.RedundancyFactor)
	}
	if c.SafetyMargin < 0 {
		return fmt.Errorf("safety margin %d must be non-negative", c.SafetyMargin)
	}
	if c.MinReliability < 0 || c.MinReliability > 100 {
		return fmt.Errorf("min reliability %v out of range [0,100]", c.MinReliability)
	}
	switch c.ChunkPolicy {
	case ChunkPolicyAdaptive:
	case ChunkPolicyFixed:
		if c.FixedChunkSize <= 0 {
			return fmt.Errorf("fixed chunk size must be positive")
		}
	default:
		return fmt.Errorf("unknown chunk policy %q", c.ChunkPolicy)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive")
	}
	return nil
}
