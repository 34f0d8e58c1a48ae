// Package config loads the settings of a metasrv node from an optional YAML
// file. Command line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"metasrv/consensus"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the complete node configuration.
type Config struct {
	NodeID   string `yaml:"nodeID"`
	RaftAddr string `yaml:"raftAddr"`
	HTTPAddr string `yaml:"httpAddr"`
	JoinAddr string `yaml:"joinAddr"`
	DataDir  string `yaml:"dataDir"`
	Inmem    bool   `yaml:"inmem"`

	Auth AuthConfig `yaml:"auth"`
	Raft RaftConfig `yaml:"raft"`
	Log  LogConfig  `yaml:"log"`
}

// AuthConfig holds the handshake principal and the token signing key shared
// by every node of the cluster.
type AuthConfig struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	SigningKey string `yaml:"signingKey"`
}

// RaftConfig holds consensus timing and log retention.
type RaftConfig struct {
	ElectionTimeout   time.Duration `yaml:"electionTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	RPCTimeout        time.Duration `yaml:"rpcTimeout"`
	ApplyTimeout      time.Duration `yaml:"applyTimeout"`
	MaxAppendEntries  int           `yaml:"maxAppendEntries"`
	SnapshotThreshold uint64        `yaml:"snapshotThreshold"`
	TrailingLogs      uint64        `yaml:"trailingLogs"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultHTTPAddr = "localhost:13000"
	DefaultRaftAddr = "localhost:14000"
)

// Default returns a Config with default values.
func Default() *Config {
	rc := consensus.DefaultConfig()
	return &Config{
		RaftAddr: DefaultRaftAddr,
		HTTPAddr: DefaultHTTPAddr,
		Auth: AuthConfig{
			Username: "root",
		},
		Raft: RaftConfig{
			ElectionTimeout:   rc.ElectionTimeout,
			HeartbeatInterval: rc.HeartbeatInterval,
			RPCTimeout:        rc.RPCTimeout,
			ApplyTimeout:      10 * time.Second,
			MaxAppendEntries:  rc.MaxAppendEntries,
			SnapshotThreshold: rc.SnapshotThreshold,
			TrailingLogs:      rc.TrailingLogs,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults. ${VAR} references are
// replaced with environment variables before parsing. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data over the defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.RaftAddr == "" {
		add("raftAddr", "must be set")
	}
	if c.HTTPAddr == "" {
		add("httpAddr", "must be set")
	}
	if !c.Inmem && c.DataDir == "" {
		add("dataDir", "must be set unless inmem is enabled")
	}
	if c.Auth.Username == "" {
		add("auth.username", "must be set")
	}
	// Nodes verify each other's tokens, so every multi-node or durable
	// setup needs the shared key.
	if c.Auth.SigningKey == "" && (c.JoinAddr != "" || !c.Inmem) {
		add("auth.signingKey", "must be set unless running a single in-memory node")
	}
	if c.Raft.ElectionTimeout <= 0 {
		add("raft.electionTimeout", "must be positive")
	}
	if c.Raft.HeartbeatInterval <= 0 || c.Raft.HeartbeatInterval >= c.Raft.ElectionTimeout {
		add("raft.heartbeatInterval", "must be positive and below raft.electionTimeout")
	}
	if c.Raft.MaxAppendEntries <= 0 {
		add("raft.maxAppendEntries", "must be positive")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		add("log.level", err.Error())
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		add("log.format", "must be text or json")
	}
	return errors.Join(errs...)
}

// LocalID returns the node id, defaulting to the raft address.
func (c *Config) LocalID() string {
	if c.NodeID != "" {
		return c.NodeID
	}
	return c.RaftAddr
}

// Consensus returns the engine tunables.
func (c *Config) Consensus() *consensus.Config {
	return &consensus.Config{
		ElectionTimeout:   c.Raft.ElectionTimeout,
		HeartbeatInterval: c.Raft.HeartbeatInterval,
		RPCTimeout:        c.Raft.RPCTimeout,
		MaxAppendEntries:  c.Raft.MaxAppendEntries,
		SnapshotThreshold: c.Raft.SnapshotThreshold,
		TrailingLogs:      c.Raft.TrailingLogs,
	}
}

// Apply configures logger according to the log settings.
func (l LogConfig) Apply(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if strings.ToLower(l.Format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
