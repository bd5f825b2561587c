package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/life-stream-dev/life-stream-sensornet/internal/utils"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// Upper bounds of the radio network
const (
	MaxClientsLimit = 8
	MaxTopicsLimit  = 64
)

// DefaultPath is read when no path is given
const DefaultPath = "config.json"

type NetworkConfig struct {
	MaxClients    int      `json:"max_clients" yaml:"max_clients"`
	Topics        []string `json:"topics" yaml:"topics"`
	BrokerAddress string   `json:"broker_address" yaml:"broker_address"`
	BrokerPort    int      `json:"broker_port" yaml:"broker_port"`
}

type ProtocolConfig struct {
	ConnectTimeout  string `json:"connect_timeout" yaml:"connect_timeout"`
	ReadPeriod      string `json:"read_period" yaml:"read_period"`
	RetryInterval   string `json:"retry_interval" yaml:"retry_interval"`
	MaxRetries      int    `json:"max_retries" yaml:"max_retries"`
	LivenessTimeout string `json:"liveness_timeout" yaml:"liveness_timeout"`
	DedupWindow     int    `json:"dedup_window" yaml:"dedup_window"`
}

type SubscriptionConfig struct {
	Topic string `json:"topic" yaml:"topic"`
	QoS   string `json:"qos" yaml:"qos"`
}

type NodeConfig struct {
	ClientID        int                  `json:"client_id" yaml:"client_id"`
	Topic           string               `json:"topic" yaml:"topic"`
	QoS             string               `json:"qos" yaml:"qos"`
	Subscribe       []SubscriptionConfig `json:"subscribe" yaml:"subscribe"`
	Source          string               `json:"source" yaml:"source"`
	Seed            uint64               `json:"seed" yaml:"seed"`
	Smoothing       bool                 `json:"smoothing" yaml:"smoothing"`
	SmoothingWindow int                  `json:"smoothing_window" yaml:"smoothing_window"`
}

type DatabaseConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type BridgeConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
}

type Config struct {
	Network   NetworkConfig  `json:"network" yaml:"network"`
	Protocol  ProtocolConfig `json:"protocol" yaml:"protocol"`
	Node      NodeConfig     `json:"node" yaml:"node"`
	Database  DatabaseConfig `json:"database" yaml:"database"`
	Journal   JournalConfig  `json:"journal" yaml:"journal"`
	Bridge    BridgeConfig   `json:"bridge" yaml:"bridge"`
	DebugMode bool           `json:"debug_mode" yaml:"debug_mode"`
	AppName   string         `json:"app_name" yaml:"app_name"`
	LogPath   string         `json:"log_path" yaml:"log_path"`
}

// Timing is the protocol section with its durations parsed
type Timing struct {
	ConnectTimeout  time.Duration
	ReadPeriod      time.Duration
	RetryInterval   time.Duration
	LivenessTimeout time.Duration
}

var config Config
var initialized = false

// DefaultConfig is written out when the configuration file is missing
func DefaultConfig() Config {
	return Config{
		Network: NetworkConfig{
			MaxClients:    2,
			Topics:        append([]string(nil), wire.DefaultTopics...),
			BrokerAddress: "127.0.0.1",
			BrokerPort:    1884,
		},
		Protocol: ProtocolConfig{
			ConnectTimeout:  "5s",
			ReadPeriod:      "10s",
			RetryInterval:   "2s",
			MaxRetries:      3,
			LivenessTimeout: "60s",
			DedupWindow:     16,
		},
		Node: NodeConfig{
			Topic:           wire.DefaultTopics[0],
			QoS:             "LOW",
			Subscribe:       []SubscriptionConfig{},
			Source:          "temperature",
			SmoothingWindow: 8,
		},
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               27017,
			Database:           "sensornet",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        10,
		},
		Journal: JournalConfig{Path: "journal/events.cbor"},
		Bridge: BridgeConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "sensornet-bridge",
			TopicPrefix: "sensornet",
		},
		AppName: "sensornet",
		LogPath: "logs",
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, c Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "\t")
}

// ReadConfig loads path, JSON unless the extension says YAML. A missing file is
// created with the defaults and reported as an error so it can be edited first.
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	bytes, err := os.ReadFile(path)

	if err != nil {
		data, _ := marshal(path, DefaultConfig())
		_ = os.WriteFile(path, data, 0644)
		return DefaultConfig(), errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	c := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(bytes, &c)
	} else {
		err = json.Unmarshal(bytes, &c)
	}
	if err != nil {
		return c, fmt.Errorf("the configuration file is not valid: %w", err)
	}

	applyEnvOverrides(&c)
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("validating config: %w", err)
	}

	config = c
	initialized = true
	return c, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig(DefaultPath)
}

// applyEnvOverrides lets deployments change the address and credentials without editing the file
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("SENSORNET_BROKER_ADDRESS"); v != "" {
		c.Network.BrokerAddress = v
	}
	if v := os.Getenv("SENSORNET_CLIENT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Node.ClientID = id
		}
	}
	if v := os.Getenv("SENSORNET_DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("SENSORNET_BRIDGE_PASSWORD"); v != "" {
		c.Bridge.Password = v
	}
}

// Validate checks ranges and that every name and duration parses
func (c *Config) Validate() error {
	var errs []error
	if c.Network.MaxClients < 1 || c.Network.MaxClients > MaxClientsLimit {
		errs = append(errs, fmt.Errorf("network.max_clients must be between 1 and %d", MaxClientsLimit))
	}
	if len(c.Network.Topics) < 1 || len(c.Network.Topics) > MaxTopicsLimit {
		errs = append(errs, fmt.Errorf("network.topics must list between 1 and %d topics", MaxTopicsLimit))
	}
	seen := make(map[string]struct{}, len(c.Network.Topics))
	for _, name := range c.Network.Topics {
		key := strings.ToUpper(name)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("network.topics lists %q twice", name))
		}
		seen[key] = struct{}{}
	}
	if c.Network.BrokerPort < 0 || c.Network.BrokerPort > 65535 {
		errs = append(errs, errors.New("network.broker_port out of range"))
	}

	if _, err := c.Protocol.Timing(); err != nil {
		errs = append(errs, err)
	}
	if c.Protocol.MaxRetries < 0 {
		errs = append(errs, errors.New("protocol.max_retries must not be negative"))
	}

	if c.Node.ClientID < 0 || c.Node.ClientID >= c.Network.MaxClients {
		errs = append(errs, fmt.Errorf("node.client_id %d outside 0..%d", c.Node.ClientID, c.Network.MaxClients-1))
	}
	if c.Node.Topic != "" {
		if _, err := c.Network.Topic(c.Node.Topic); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseQoS(c.Node.QoS); err != nil {
		errs = append(errs, err)
	}
	for _, sub := range c.Node.Subscribe {
		if _, err := c.Network.Topic(sub.Topic); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseQoS(sub.QoS); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Bridge.Enabled && c.Bridge.QoS > 2 {
		errs = append(errs, errors.New("bridge.qos must be 0, 1 or 2"))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	return errors.Join(errs...)
}

// Timing parses the protocol durations. Every one must be positive.
func (p ProtocolConfig) Timing() (Timing, error) {
	var t Timing
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"protocol.connect_timeout", p.ConnectTimeout, &t.ConnectTimeout},
		{"protocol.read_period", p.ReadPeriod, &t.ReadPeriod},
		{"protocol.retry_interval", p.RetryInterval, &t.RetryInterval},
		{"protocol.liveness_timeout", p.LivenessTimeout, &t.LivenessTimeout},
	}
	for _, f := range fields {
		d, err := utils.ParseStringTime(f.value)
		if err != nil {
			return Timing{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if d <= 0 {
			return Timing{}, fmt.Errorf("%s must be positive", f.name)
		}
		*f.dst = d
	}
	return t, nil
}

// Topic resolves a topic name, case-insensitively, to its index
func (n NetworkConfig) Topic(name string) (wire.Topic, error) {
	for i, topic := range n.Topics {
		if strings.EqualFold(topic, name) {
			return wire.Topic(i), nil
		}
	}
	return 0, fmt.Errorf("unknown topic %q", name)
}

// TopicName returns the configured name of topic
func (n NetworkConfig) TopicName(topic wire.Topic) string {
	if int(topic) < len(n.Topics) {
		return n.Topics[topic]
	}
	return fmt.Sprintf("TOPIC_%d", topic)
}

// BrokerEndpoint is the host:port of the broker link server
func (n NetworkConfig) BrokerEndpoint() string {
	return fmt.Sprintf("%s:%d", n.BrokerAddress, n.BrokerPort)
}

// ParseQoS reads LOW or HIGH; empty means LOW
func ParseQoS(s string) (wire.QoS, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LOW", "0":
		return wire.QoSLow, nil
	case "HIGH", "1":
		return wire.QoSHigh, nil
	default:
		return 0, fmt.Errorf("unknown qos %q", s)
	}
}
