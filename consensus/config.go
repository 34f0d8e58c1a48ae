package consensus

import (
	"fmt"
	"time"

	hraft "github.com/hashicorp/raft"
)

// Config holds the tunables of one engine.
type Config struct {
	LocalID   hraft.ServerID
	LocalAddr hraft.ServerAddress

	// ElectionTimeout is the minimum election timeout; the effective timeout
	// is randomised in [ElectionTimeout, 2*ElectionTimeout).
	ElectionTimeout time.Duration

	// HeartbeatInterval is how often the leader contacts idle followers.
	HeartbeatInterval time.Duration

	// RPCTimeout bounds every outgoing consensus RPC.
	RPCTimeout time.Duration

	// MaxAppendEntries caps the entries sent in one AppendEntries request.
	MaxAppendEntries int

	// SnapshotThreshold is the number of applied entries after which a
	// snapshot is taken automatically. Zero disables automatic snapshots.
	SnapshotThreshold uint64

	// TrailingLogs is the number of entries kept in the log behind a snapshot
	// so slightly lagging followers can catch up without one.
	TrailingLogs uint64
}

// DefaultConfig returns defaults suitable for a LAN cluster.
func DefaultConfig() *Config {
	return &Config{
		ElectionTimeout:   1000 * time.Millisecond,
		HeartbeatInterval: 150 * time.Millisecond,
		RPCTimeout:        1000 * time.Millisecond,
		MaxAppendEntries:  64,
		SnapshotThreshold: 8192,
		TrailingLogs:      1024,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch {
	case c.LocalID == "":
		return fmt.Errorf("%w: LocalID is empty", ErrInvalidConfig)
	case c.LocalAddr == "":
		return fmt.Errorf("%w: LocalAddr is empty", ErrInvalidConfig)
	case c.ElectionTimeout <= 0 || c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.HeartbeatInterval >= c.ElectionTimeout:
		return fmt.Errorf("%w: HeartbeatInterval must be below ElectionTimeout", ErrInvalidConfig)
	case c.MaxAppendEntries <= 0:
		return fmt.Errorf("%w: MaxAppendEntries must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) rpcTimeout() time.Duration {
	if c.RPCTimeout > 0 {
		return c.RPCTimeout
	}
	return c.ElectionTimeout
}

func (c *Config) tickInterval() time.Duration {
	t := c.ElectionTimeout / 10
	if t < time.Millisecond {
		t = time.Millisecond
	}
	return t
}
