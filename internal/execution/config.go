// Package execution drives one task from its first engine signal to a
// terminal state.
package execution

import (
	"fmt"
	"strings"
	"time"
)

// DisconnectPolicy decides what happens to a task whose consumer leaves.
type DisconnectPolicy string

const (
	// DisconnectDetach keeps the task running; later output is dropped.
	DisconnectDetach DisconnectPolicy = "detach"
	// DisconnectAbort cancels the task.
	DisconnectAbort DisconnectPolicy = "abort"
)

// ParseDisconnectPolicy accepts "detach" (or empty) and "abort".
func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch p := DisconnectPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", DisconnectDetach:
		return DisconnectDetach, nil
	case DisconnectAbort:
		return DisconnectAbort, nil
	default:
		return "", fmt.Errorf("unknown disconnect policy %q", s)
	}
}

// Config holds the resolved values the coordinator consumes.
type Config struct {
	// ChunkThreshold is the result size in bytes above which delivery is
	// split. Zero disables chunking.
	ChunkThreshold int
	// ChunkSize is the preferred piece size in bytes.
	ChunkSize int
	// MaxChunks bounds the number of pieces; pieces grow to fit.
	MaxChunks int
	// ChunkInterval paces pieces. Zero sends them back to back.
	ChunkInterval time.Duration
	// TelemetryTimeout bounds the usage sink call.
	TelemetryTimeout time.Duration
	Disconnect       DisconnectPolicy
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ChunkThreshold:   64 * 1024,
		ChunkSize:        16 * 1024,
		MaxChunks:        64,
		TelemetryTimeout: 2 * time.Second,
		Disconnect:       DisconnectDetach,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkSize < 4 {
		c.ChunkSize = 4
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = d.MaxChunks
	}
	if c.TelemetryTimeout <= 0 {
		c.TelemetryTimeout = d.TelemetryTimeout
	}
	if c.Disconnect == "" {
		c.Disconnect = DisconnectDetach
	}
	return c
}
