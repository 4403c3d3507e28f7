package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateNetwork(&cfg.Network, result)
	validateReliability(&cfg.Reliability, result)
	validateDispatch(&cfg.Dispatch, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateJournal(&cfg.Journal, result)

	if cfg.Logging.StatsIntervalSec < 0 {
		result.AddError("logging.stats_interval_sec", "stats interval cannot be negative")
	}
	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, falling back to info", cfg.Logging.Level))
	}

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	switch n.Role {
	case "server", "client":
	default:
		result.AddError("network.role", fmt.Sprintf("role must be server or client, got %q", n.Role))
	}

	if n.Role == "client" && n.Port != 0 {
		result.AddWarning("network.port", "clients normally bind an ephemeral port (0)")
	}
	if n.Role == "server" || n.Port != 0 {
		validatePort(n.Port, "network.port", result)
	}

	if n.MaxDatagram < 64 {
		result.AddError("network.max_datagram_bytes", "datagram limit must be at least 64 bytes")
	} else if n.MaxDatagram > 1472 {
		result.AddWarning("network.max_datagram_bytes",
			fmt.Sprintf("%d bytes exceeds a 1500-byte MTU and may fragment", n.MaxDatagram))
	}
	if n.WriteTimeoutMS < 1 {
		result.AddError("network.write_timeout_ms", "write timeout must be positive")
	}
}

func validateReliability(r *ReliabilityConfig, result *ValidationResult) {
	if r.RetryIntervalMS < 1 {
		result.AddError("reliability.retry_interval_ms", "retry interval must be positive")
	}
	if r.InitialTimeoutMS < 1 {
		result.AddError("reliability.initial_timeout_ms", "initial timeout must be positive")
	}
	if r.MaxTimeoutMS < r.InitialTimeoutMS {
		result.AddError("reliability.max_timeout_ms", "max timeout must not be below the initial timeout")
	}
	if r.Multiplier < 1 {
		result.AddError("reliability.multiplier", "backoff multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		result.AddError("reliability.jitter", "jitter must be in [0, 1)")
	}
	if r.MaxRetries < 0 {
		result.AddError("reliability.max_retries", "max retries must not be negative")
	} else if r.MaxRetries == 0 {
		result.AddWarning("reliability.max_retries", "reliable envelopes will never be retransmitted")
	}
	if r.DedupRetentionSec < 1 {
		result.AddError("reliability.dedup_retention_sec", "dedup retention must be positive")
	}
	if r.DedupCapacity < 1 {
		result.AddError("reliability.dedup_capacity", "dedup capacity must be positive")
	}
	if r.RetryIntervalMS > r.InitialTimeoutMS && r.InitialTimeoutMS > 0 {
		result.AddWarning("reliability.retry_interval_ms",
			"retry interval is longer than the initial timeout; retransmissions will be late")
	}
}

func validateDispatch(d *DispatchConfig, result *ValidationResult) {
	if d.Workers < 1 {
		result.AddError("dispatch.workers", "must have at least 1 worker")
	}
	if d.QueueSize < 1 {
		result.AddError("dispatch.queue_size", "queue size must be at least 1")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if a.Host != "127.0.0.1" && a.Host != "localhost" && len(a.AllowedOrigins) == 0 {
		result.AddWarning("api.allowed_origins", "API is reachable remotely with no allowed origins set")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if m.UseTLS && (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
}

func validateJournal(j *JournalConfig, result *ValidationResult) {
	if !j.Enabled {
		return
	}
	if strings.TrimSpace(j.Path) == "" {
		result.AddError("journal.path", "journal path is required when enabled")
	}
	if j.RetentionDays < 1 {
		result.AddError("journal.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", j.PruneTime); err != nil {
		result.AddError("journal.prune_time", fmt.Sprintf("prune time %q must be HH:MM", j.PruneTime))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
