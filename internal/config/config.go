// Package config handles configuration loading, validation, and persistence
// for relaycore.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultPort       = 7777
	DefaultAPIPort    = 5080
)

// Config is the root configuration structure. Values come from
// config.json overlaid on the defaults, then from RELAYCORE_* environment
// variables.
type Config struct {
	mu   sync.RWMutex
	path string

	Network     NetworkConfig     `json:"network"`
	Reliability ReliabilityConfig `json:"reliability"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	API         APIConfig         `json:"api"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Journal     JournalConfig     `json:"journal"`
	Logging     LoggingConfig     `json:"logging"`
}

// NetworkConfig holds the UDP endpoint settings.
type NetworkConfig struct {
	Role           string `json:"role" env:"RELAYCORE_ROLE"`
	Host           string `json:"listen_host" env:"RELAYCORE_HOST"`
	Port           int    `json:"port" env:"RELAYCORE_PORT"`
	MaxDatagram    int    `json:"max_datagram_bytes" env:"RELAYCORE_MAX_DATAGRAM"`
	WriteTimeoutMS int    `json:"write_timeout_ms" env:"RELAYCORE_WRITE_TIMEOUT_MS"`
}

// ReliabilityConfig holds retransmission and duplicate suppression settings.
type ReliabilityConfig struct {
	RetryIntervalMS   int     `json:"retry_interval_ms" env:"RELAYCORE_RETRY_INTERVAL_MS"`
	InitialTimeoutMS  int     `json:"initial_timeout_ms" env:"RELAYCORE_INITIAL_TIMEOUT_MS"`
	MaxTimeoutMS      int     `json:"max_timeout_ms" env:"RELAYCORE_MAX_TIMEOUT_MS"`
	Multiplier        float64 `json:"multiplier" env:"RELAYCORE_BACKOFF_MULTIPLIER"`
	Jitter            float64 `json:"jitter" env:"RELAYCORE_BACKOFF_JITTER"`
	MaxRetries        int     `json:"max_retries" env:"RELAYCORE_MAX_RETRIES"`
	DedupRetentionSec int     `json:"dedup_retention_sec" env:"RELAYCORE_DEDUP_RETENTION_SEC"`
	DedupCapacity     int     `json:"dedup_capacity" env:"RELAYCORE_DEDUP_CAPACITY"`
}

// DispatchConfig sizes the dispatch worker pool.
type DispatchConfig struct {
	Workers   int `json:"workers" env:"RELAYCORE_WORKERS"`
	QueueSize int `json:"queue_size" env:"RELAYCORE_QUEUE_SIZE"`
}

// APIConfig holds the admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" env:"RELAYCORE_API_ENABLED"`
	Host           string   `json:"host" env:"RELAYCORE_API_HOST"`
	Port           int      `json:"port" env:"RELAYCORE_API_PORT"`
	AllowedOrigins []string `json:"allowed_origins" env:"RELAYCORE_API_ORIGINS"`
	RateLimitRPS   int      `json:"rate_limit_rps" env:"RELAYCORE_API_RATE_LIMIT"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" env:"RELAYCORE_MQTT_ENABLED"`
	BrokerURL   string `json:"broker_url" env:"RELAYCORE_MQTT_BROKER"`
	Port        int    `json:"port" env:"RELAYCORE_MQTT_PORT"`
	UseTLS      bool   `json:"use_tls" env:"RELAYCORE_MQTT_TLS"`
	CertFile    string `json:"cert_file" env:"RELAYCORE_MQTT_CERT"`
	KeyFile     string `json:"key_file" env:"RELAYCORE_MQTT_KEY"`
	CAFile      string `json:"ca_file" env:"RELAYCORE_MQTT_CA"`
	ClientID    string `json:"client_id" env:"RELAYCORE_MQTT_CLIENT_ID"`
	TopicPrefix string `json:"topic_prefix" env:"RELAYCORE_MQTT_TOPIC_PREFIX"`
}

// JournalConfig holds the SQLite journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled" env:"RELAYCORE_JOURNAL_ENABLED"`
	Path          string `json:"path" env:"RELAYCORE_JOURNAL_PATH"`
	RetentionDays int    `json:"retention_days" env:"RELAYCORE_JOURNAL_RETENTION_DAYS"`
	// PruneTime is the local "HH:MM" at which old rows are pruned daily.
	PruneTime     string `json:"prune_time" env:"RELAYCORE_JOURNAL_PRUNE_TIME"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level            string `json:"level" env:"RELAYCORE_LOG_LEVEL"`
	Directory        string `json:"directory" env:"RELAYCORE_LOG_DIR"`
	Console          bool   `json:"console" env:"RELAYCORE_LOG_CONSOLE"`
	MaxBackups       int    `json:"max_backups" env:"RELAYCORE_LOG_MAX_BACKUPS"`
	// StatsIntervalSec is how often node counters are logged. 0 disables it.
	StatsIntervalSec int    `json:"stats_interval_sec" env:"RELAYCORE_LOG_STATS_INTERVAL"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Role:           "server",
			Port:           DefaultPort,
			MaxDatagram:    1400,
			WriteTimeoutMS: 250,
		},
		Reliability: ReliabilityConfig{
			RetryIntervalMS:   50,
			InitialTimeoutMS:  200,
			MaxTimeoutMS:      2000,
			Multiplier:        2,
			Jitter:            0.2,
			MaxRetries:        5,
			DedupRetentionSec: 120,
			DedupCapacity:     65536,
		},
		Dispatch: DispatchConfig{
			Workers:   8,
			QueueSize: 1024,
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "relaycore",
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          filepath.Join("data", "journal.db"),
			RetentionDays: 14,
			PruneTime:     "04:00",
		},
		Logging: LoggingConfig{
			Level:            "info",
			Directory:        "logs",
			Console:          true,
			MaxBackups:       5,
			StatsIntervalSec: 300,
		},
	}
}

// Load reads configuration from <configDir>/config.json, creating it with
// defaults when missing, then applies environment overrides. Overrides are
// never written back to the file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	cfg := DefaultConfig()
	cfg.path = configPath

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
		if saveErr := cfg.Save(); saveErr != nil {
			return nil, fmt.Errorf("failed to save default config: %w", saveErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("configuration loaded")

		// Persist any default fields added since the file was written.
		if saveErr := cfg.Save(); saveErr != nil {
			log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network configuration.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetReliability returns a copy of the reliability configuration.
func (c *Config) GetReliability() ReliabilityConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reliability
}

// GetDispatch returns a copy of the dispatch configuration.
func (c *Config) GetDispatch() DispatchConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Dispatch
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetJournal returns a copy of the journal configuration.
func (c *Config) GetJournal() JournalConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Journal
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// RetryInterval is the retry scan period.
func (r ReliabilityConfig) RetryInterval() time.Duration {
	return time.Duration(r.RetryIntervalMS) * time.Millisecond
}

// InitialTimeout is the wait before the first retransmission.
func (r ReliabilityConfig) InitialTimeout() time.Duration {
	return time.Duration(r.InitialTimeoutMS) * time.Millisecond
}

// MaxTimeout caps the retransmission wait.
func (r ReliabilityConfig) MaxTimeout() time.Duration {
	return time.Duration(r.MaxTimeoutMS) * time.Millisecond
}

// DedupRetention is how long processed ids are remembered.
func (r ReliabilityConfig) DedupRetention() time.Duration {
	return time.Duration(r.DedupRetentionSec) * time.Second
}

// WriteTimeout bounds one datagram write.
func (n NetworkConfig) WriteTimeout() time.Duration {
	return time.Duration(n.WriteTimeoutMS) * time.Millisecond
}

// Retention is how long journal rows are kept.
func (j JournalConfig) Retention() time.Duration {
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

// StatsInterval is the period of the stats log line.
func (l LoggingConfig) StatsInterval() time.Duration {
	return time.Duration(l.StatsIntervalSec) * time.Second
}
