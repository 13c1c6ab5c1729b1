package config

import (
	"time"

	"github.com/rickgao/pricefeed-pool/internal/protocol"
)

// Config is the root configuration for a feed pool instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Feed     FeedConfig     `yaml:"feed"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Publish  PublishConfig  `yaml:"publish"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID     string `yaml:"id"`
	Region string `yaml:"region"`
}

// FeedConfig holds upstream WebSocket pool settings.
type FeedConfig struct {
	URLs               []string             `yaml:"urls"`
	Token              string               `yaml:"token"`      // Access token (prefer ${VAR})
	TokenPath          string               `yaml:"token_path"` // File holding the access token
	NumConnections     int                  `yaml:"num_connections"`
	DedupTTL           time.Duration        `yaml:"dedup_ttl"`
	HandshakeTimeout   time.Duration        `yaml:"handshake_timeout"`
	ReconnectBaseDelay time.Duration        `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration        `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration        `yaml:"ping_interval"`
	PingTimeout        time.Duration        `yaml:"ping_timeout"`
	WriteTimeout       time.Duration        `yaml:"write_timeout"`
	Subscriptions      []SubscriptionConfig `yaml:"subscriptions"`
}

// SubscriptionConfig is a subscription opened at startup.
type SubscriptionConfig struct {
	ID                 int64    `yaml:"id"`
	PriceFeedIDs       []int64  `yaml:"price_feed_ids"`
	Properties         []string `yaml:"properties"`
	Chains             []string `yaml:"chains"`
	DeliveryFormat     string   `yaml:"delivery_format"`
	Channel            string   `yaml:"channel"`
	JSONBinaryEncoding string   `yaml:"json_binary_encoding"`
	Parsed             *bool    `yaml:"parsed"`
}

// Request converts the subscription into its wire request.
func (s SubscriptionConfig) Request() protocol.Request {
	return protocol.Subscribe(s.ID, protocol.SubscribeParams{
		PriceFeedIDs:       s.PriceFeedIDs,
		Properties:         s.Properties,
		Chains:             s.Chains,
		DeliveryFormat:     s.DeliveryFormat,
		Channel:            s.Channel,
		JSONBinaryEncoding: s.JSONBinaryEncoding,
		Parsed:             s.Parsed,
	})
}

// ArchiveConfig holds the TimescaleDB archive writer settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// PublishConfig holds NATS republishing settings. Disabled when URL is empty.
type PublishConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"`
}

// MonitorConfig holds periodic stats reporting settings.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
