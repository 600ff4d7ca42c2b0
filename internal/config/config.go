// Package config loads YAML configuration for the master, the storage nodes
// and the client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/goccy/go-yaml"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalYAML implements yaml.InterfaceMarshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ByteSize is a size written in human units ("1MB", "512KB").
type ByteSize struct {
	datasize.ByteSize
}

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (s *ByteSize) UnmarshalYAML(b []byte) error {
	var str string
	if err := yaml.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := datasize.ParseString(str)
	if err != nil {
		return fmt.Errorf("size %q: %w", str, err)
	}
	s.ByteSize = v
	return nil
}

// MarshalYAML implements yaml.InterfaceMarshaler.
func (s ByteSize) MarshalYAML() (interface{}, error) {
	return s.HumanReadable(), nil
}

// LoggerConfig controls zerolog output.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetadataConfig selects where the master persists its metadata set.
type MetadataConfig struct {
	Backend string `yaml:"backend"` // "json" or "sqlite"
	Path    string `yaml:"path"`
}

// Master configures the metadata coordinator.
type Master struct {
	Logger           LoggerConfig   `yaml:"logger"`
	Listen           string         `yaml:"listen"`
	Admin            string         `yaml:"admin"` // admin HTTP API, empty disables it
	AdminRateLimit   int            `yaml:"admin_rate_limit"` // requests per minute and client IP, 0 disables
	Nodes            []string       `yaml:"nodes"`
	HeartbeatTimeout Duration       `yaml:"heartbeat_timeout"`
	Replicas         int            `yaml:"replicas"`
	MaxBlocksPerFile int            `yaml:"max_blocks_per_file"`
	IOTimeout        Duration       `yaml:"io_timeout"`
	Metadata         MetadataConfig `yaml:"metadata"`
}

// Node configures one storage node.
type Node struct {
	Logger            LoggerConfig `yaml:"logger"`
	Listen            string       `yaml:"listen"`
	Advertise         string       `yaml:"advertise"` // address announced in heartbeats, defaults to Listen
	Master            string       `yaml:"master"`
	DataDir           string       `yaml:"data_dir"`
	HeartbeatInterval Duration     `yaml:"heartbeat_interval"`
	IOTimeout         Duration     `yaml:"io_timeout"`
	MaxBlockSize      ByteSize     `yaml:"max_block_size"`
}

// Client configures the client library.
type Client struct {
	Logger           LoggerConfig `yaml:"logger"`
	Master           string       `yaml:"master"`
	BlockSize        ByteSize     `yaml:"block_size"`
	Timeout          Duration     `yaml:"timeout"`           // per connection I/O
	OperationTimeout Duration     `yaml:"operation_timeout"` // whole store/retrieve/delete, 0 means none
}

// DefaultMaster returns a baseline development config.
func DefaultMaster() Master {
	return Master{
		Logger:           LoggerConfig{Level: "info"},
		Listen:           "localhost:5000",
		Admin:            "localhost:8080",
		AdminRateLimit:   600,
		Nodes:            []string{"localhost:5001", "localhost:5002", "localhost:5003"},
		HeartbeatTimeout: Duration{10 * time.Second},
		Replicas:         1,
		MaxBlocksPerFile: protocol.MaxBlockCount,
		IOTimeout:        Duration{30 * time.Second},
		Metadata:         MetadataConfig{Backend: "json", Path: "data/metadata.json"},
	}
}

// DefaultNode returns a baseline development config.
func DefaultNode() Node {
	return Node{
		Logger:            LoggerConfig{Level: "info"},
		Listen:            "localhost:5001",
		Master:            "localhost:5000",
		DataDir:           "data/blocks",
		HeartbeatInterval: Duration{5 * time.Second},
		IOTimeout:         Duration{30 * time.Second},
		MaxBlockSize:      ByteSize{64 * datasize.MB},
	}
}

// DefaultClient returns a baseline development config.
func DefaultClient() Client {
	return Client{
		Logger:    LoggerConfig{Level: "warn"},
		Master:    "localhost:5000",
		BlockSize: ByteSize{datasize.MB},
		Timeout:   Duration{30 * time.Second},
	}
}

// load decodes the YAML file at path over def. A missing file yields def.
func load[T any](path string, def T) (T, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return def, false, nil
	}
	if err != nil {
		return def, false, fmt.Errorf("read config: %w", err)
	}
	cfg := def
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return def, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, true, nil
}

// LoadMaster reads a master config. found is false when path does not exist
// and defaults were used.
func LoadMaster(path string) (cfg Master, found bool, err error) {
	if cfg, found, err = load(path, DefaultMaster()); err != nil {
		return cfg, found, err
	}
	return cfg, found, cfg.Validate()
}

// LoadNode reads a storage node config.
func LoadNode(path string) (cfg Node, found bool, err error) {
	if cfg, found, err = load(path, DefaultNode()); err != nil {
		return cfg, found, err
	}
	return cfg, found, cfg.Validate()
}

// LoadClient reads a client config.
func LoadClient(path string) (cfg Client, found bool, err error) {
	if cfg, found, err = load(path, DefaultClient()); err != nil {
		return cfg, found, err
	}
	return cfg, found, cfg.Validate()
}

// NodeAddresses parses the configured storage node list.
func (m Master) NodeAddresses() ([]protocol.Address, error) {
	addrs := make([]protocol.Address, 0, len(m.Nodes))
	for _, s := range m.Nodes {
		a, err := protocol.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// Validate checks the master config.
func (m Master) Validate() error {
	if m.Listen == "" {
		return errors.New("master: listen address required")
	}
	if m.HeartbeatTimeout.Duration <= 0 {
		return errors.New("master: heartbeat_timeout must be positive")
	}
	if m.AdminRateLimit < 0 {
		return errors.New("master: admin_rate_limit must not be negative")
	}
	if m.Replicas < 1 {
		return errors.New("master: replicas must be at least 1")
	}
	if m.MaxBlocksPerFile < 1 || m.MaxBlocksPerFile > protocol.MaxBlockCount {
		return fmt.Errorf("master: max_blocks_per_file must be between 1 and %d", protocol.MaxBlockCount)
	}
	if m.Metadata.Path == "" {
		return errors.New("master: metadata.path required")
	}
	switch m.Metadata.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("master: unknown metadata backend %q", m.Metadata.Backend)
	}
	if _, err := m.NodeAddresses(); err != nil {
		return fmt.Errorf("master: %w", err)
	}
	return nil
}

// AdvertiseAddress returns the address the node announces to the master.
func (n Node) AdvertiseAddress() (protocol.Address, error) {
	if n.Advertise != "" {
		return protocol.ParseAddress(n.Advertise)
	}
	return protocol.ParseAddress(n.Listen)
}

// Validate checks the node config.
func (n Node) Validate() error {
	if n.Listen == "" || n.Master == "" || n.DataDir == "" {
		return errors.New("node: listen, master and data_dir are required")
	}
	addr, err := n.AdvertiseAddress()
	if err != nil {
		return fmt.Errorf("node: advertise: %w", err)
	}
	// Heartbeats carry the host in a "::" separated line.
	if strings.Contains(addr.Host, protocol.Separator) {
		return fmt.Errorf("node: advertise host %q contains %q; use a hostname or IPv4 address", addr.Host, protocol.Separator)
	}
	if n.HeartbeatInterval.Duration <= 0 {
		return errors.New("node: heartbeat_interval must be positive")
	}
	if n.MaxBlockSize.Bytes() == 0 {
		return errors.New("node: max_block_size must be positive")
	}
	return nil
}

// Validate checks the client config.
func (c Client) Validate() error {
	if c.Master == "" {
		return errors.New("client: master address required")
	}
	if c.BlockSize.Bytes() == 0 {
		return errors.New("client: block_size must be positive")
	}
	if c.Timeout.Duration < 0 || c.OperationTimeout.Duration < 0 {
		return errors.New("client: timeouts must not be negative")
	}
	return nil
}
