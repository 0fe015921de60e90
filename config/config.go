package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport types understood by the CLI
const (
	TransportSTOMP = "stomp"
	TransportMQTT  = "mqtt"
	TransportNATS  = "nats"
	TransportRedis = "redis"
)

type Config struct {
	Transport    TransportConfig   `json:"transport" yaml:"transport"`
	Tenants      []string          `json:"tenants" yaml:"tenants"`
	Topics       []string          `json:"topics" yaml:"topics"`
	AlertTopic   string            `json:"alertTopic" yaml:"alertTopic"`
	Destinations DestinationConfig `json:"destinations" yaml:"destinations"`
	Reconnect    ReconnectConfig   `json:"reconnect" yaml:"reconnect"`
	Heartbeat    HeartbeatConfig   `json:"heartbeat" yaml:"heartbeat"`
	LocalEcho    bool              `json:"localEcho" yaml:"localEcho"`
	Logging      LogConfig         `json:"logging" yaml:"logging"`
	Metrics      MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type TransportConfig struct {
	Type           string    `json:"type" yaml:"type"`
	Endpoint       string    `json:"endpoint" yaml:"endpoint"`
	ConnectTimeout string    `json:"connectTimeout" yaml:"connectTimeout"` // Duration string
	TLS            TLSConfig `json:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enable   bool   `json:"enable" yaml:"enable"`
	CertFile string `json:"certFile" yaml:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
	CAFile   string `json:"caFile" yaml:"caFile"`
}

type DestinationConfig struct {
	SubscribePrefix string `json:"subscribePrefix" yaml:"subscribePrefix"`
	SendPrefix      string `json:"sendPrefix" yaml:"sendPrefix"`
}

type ReconnectConfig struct {
	MaxAttempts *int   `json:"maxAttempts" yaml:"maxAttempts"`
	Delay       string `json:"delay" yaml:"delay"` // Duration string
}

type HeartbeatConfig struct {
	Outgoing string `json:"outgoing" yaml:"outgoing"` // Duration string
	Incoming string `json:"incoming" yaml:"incoming"` // Duration string
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string `json:"outputPath" yaml:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string `json:"encoding" yaml:"encoding"`     // json or console
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

// DefaultMaxAttempts matches the reconnect budget of the browser clients
const DefaultMaxAttempts = 5

// Load reads and parses the configuration file. Files ending in .json are
// decoded as JSON, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &config)
	} else {
		err = yaml.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults fills every unset field with its default value
func (c *Config) SetDefaults() {
	// Transport
	if c.Transport.Type == "" {
		c.Transport.Type = TransportSTOMP
	}
	if c.Transport.Endpoint == "" {
		c.Transport.Endpoint = defaultEndpoint(c.Transport.Type)
	}
	if c.Transport.ConnectTimeout == "" {
		c.Transport.ConnectTimeout = "10s"
	}

	// Topics
	if len(c.Topics) == 0 {
		c.Topics = []string{"news", "alerts", "chat"}
	}
	if c.AlertTopic == "" {
		c.AlertTopic = "alerts"
	}
	if c.Destinations.SubscribePrefix == "" {
		c.Destinations.SubscribePrefix = "/topic/"
	}
	if c.Destinations.SendPrefix == "" {
		c.Destinations.SendPrefix = "/app/send/"
	}

	// Reconnect and heartbeat
	if c.Reconnect.MaxAttempts == nil {
		n := DefaultMaxAttempts
		c.Reconnect.MaxAttempts = &n
	}
	if c.Reconnect.Delay == "" {
		c.Reconnect.Delay = "5s"
	}
	if c.Heartbeat.Outgoing == "" {
		c.Heartbeat.Outgoing = "10s"
	}
	if c.Heartbeat.Incoming == "" {
		c.Heartbeat.Incoming = "10s"
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stderr"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	// Metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}
}

func defaultEndpoint(transportType string) string {
	switch transportType {
	case TransportMQTT:
		return "tcp://localhost:1883"
	case TransportNATS:
		return "nats://localhost:4222"
	case TransportRedis:
		return "redis://localhost:6379/0"
	default:
		return "ws://localhost:8080/ws/websocket"
	}
}

// Validate performs validation of all configuration values
func (c *Config) Validate() error {
	// Validate transport config
	switch c.Transport.Type {
	case TransportSTOMP, TransportMQTT, TransportNATS, TransportRedis:
	default:
		return fmt.Errorf("invalid transport type: %s", c.Transport.Type)
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("transport endpoint is required")
	}
	if _, err := time.ParseDuration(c.Transport.ConnectTimeout); err != nil {
		return fmt.Errorf("invalid connect timeout: %w", err)
	}

	// Validate TLS config if enabled
	if c.Transport.TLS.Enable {
		if c.Transport.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if c.Transport.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
		if c.Transport.TLS.CAFile == "" {
			return fmt.Errorf("tls ca file is required when tls is enabled")
		}
	}

	// Validate tenants and topics
	seen := make(map[string]struct{}, len(c.Tenants))
	for _, tenant := range c.Tenants {
		if tenant == "" {
			return fmt.Errorf("tenant names must not be empty")
		}
		if _, dup := seen[tenant]; dup {
			return fmt.Errorf("duplicate tenant: %s", tenant)
		}
		seen[tenant] = struct{}{}
	}

	topics := make(map[string]struct{}, len(c.Topics))
	for _, topic := range c.Topics {
		if topic == "" {
			return fmt.Errorf("topic names must not be empty")
		}
		if _, dup := topics[topic]; dup {
			return fmt.Errorf("duplicate topic: %s", topic)
		}
		topics[topic] = struct{}{}
	}

	// Validate reconnect and heartbeat config
	if c.Reconnect.MaxAttempts != nil && *c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must not be negative")
	}
	if d, err := time.ParseDuration(c.Reconnect.Delay); err != nil {
		return fmt.Errorf("invalid reconnect delay: %w", err)
	} else if d < 0 {
		return fmt.Errorf("reconnect delay must not be negative")
	}
	for name, value := range map[string]string{
		"outgoing": c.Heartbeat.Outgoing,
		"incoming": c.Heartbeat.Incoming,
	} {
		if d, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s heartbeat: %w", name, err)
		} else if d < 0 {
			return fmt.Errorf("%s heartbeat must not be negative", name)
		}
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", c.Logging.Encoding)
	}

	// Validate metrics config
	if c.Metrics.Enabled {
		if _, err := time.ParseDuration(c.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

// ConnectTimeout returns the parsed transport connect timeout
func (c *Config) ConnectTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Transport.ConnectTimeout)
	return d
}

// ReconnectDelay returns the parsed constant reconnect delay
func (c *Config) ReconnectDelay() time.Duration {
	d, _ := time.ParseDuration(c.Reconnect.Delay)
	return d
}

// MaxReconnectAttempts returns the configured retry budget
func (c *Config) MaxReconnectAttempts() int {
	if c.Reconnect.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *c.Reconnect.MaxAttempts
}

// HeartbeatIntervals returns the parsed outgoing and incoming heartbeat intervals
func (c *Config) HeartbeatIntervals() (outgoing, incoming time.Duration) {
	outgoing, _ = time.ParseDuration(c.Heartbeat.Outgoing)
	incoming, _ = time.ParseDuration(c.Heartbeat.Incoming)
	return outgoing, incoming
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(transportType, endpoint string, tenants []string, maxAttempts int, reconnectDelay time.Duration, metricsAddr, metricsPath string) {
	if transportType != "" && transportType != c.Transport.Type {
		c.Transport.Type = transportType
		c.Transport.Endpoint = defaultEndpoint(transportType)
	}
	if endpoint != "" {
		c.Transport.Endpoint = endpoint
	}
	if len(tenants) > 0 {
		c.Tenants = tenants
	}
	if maxAttempts >= 0 {
		c.Reconnect.MaxAttempts = &maxAttempts
	}
	if reconnectDelay > 0 {
		c.Reconnect.Delay = reconnectDelay.String()
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
}
