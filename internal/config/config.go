// Package config manages goFIX engine configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete goFIX engine configuration.
type Config struct {
	Metrics  MetricsConfig   `koanf:"metrics"`
	Log      LogConfig       `koanf:"log"`
	Journal  JournalConfig   `koanf:"journal"`
	Sessions []SessionConfig `koanf:"sessions"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// JournalConfig holds the message journal (sqlite store) configuration.
type JournalConfig struct {
	// Path is the sqlite database file. Empty means an in-memory journal
	// that does not survive a restart.
	Path string `koanf:"path"`
}

// SessionConfig describes one declarative FIX session from the
// configuration file. Each entry creates a ConnectionHandler on daemon
// startup.
type SessionConfig struct {
	// Name is a unique label for the session, used in logs and metrics.
	Name string `koanf:"name"`

	// Role is either "initiator" (connects out) or "acceptor" (listens).
	Role string `koanf:"role"`

	// Addr is host:port. For an acceptor this is the local listen address;
	// for an initiator this is the remote address to dial.
	Addr string `koanf:"addr"`

	// SenderCompID is this session's own CompID (tag 49 on outbound msgs).
	SenderCompID string `koanf:"sender_comp_id"`

	// TargetCompID is the counterparty's CompID (tag 56 on outbound msgs).
	TargetCompID string `koanf:"target_comp_id"`

	// SenderSubID / TargetSubID are optional tags 50 / 57.
	SenderSubID string `koanf:"sender_sub_id"`
	TargetSubID string `koanf:"target_sub_id"`

	// HeartBtInt is the heartbeat interval negotiated at Logon (tag 108).
	HeartBtInt time.Duration `koanf:"heartbt_int"`

	// ResetOnLogon is loaded from the reset_on_logon key. The engine does
	// not act on it: sequence numbers are not reset at Logon and no
	// outbound Logon carries ResetSeqNumFlag (tag 141).
	ResetOnLogon bool `koanf:"reset_on_logon"`
}

// SessionKey returns a unique identifier for the session based on
// (SenderCompID, TargetCompID). Validate uses it to reject duplicate
// sessions.
func (sc SessionConfig) SessionKey() string {
	return sc.SenderCompID + "|" + sc.TargetCompID
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Journal: JournalConfig{
			Path: "",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for goFIX configuration.
// Variables are named GOFIX_<section>_<key>, e.g., GOFIX_METRICS_ADDR.
const envPrefix = "GOFIX_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOFIX_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOFIX_METRICS_ADDR  -> metrics.addr
//	GOFIX_METRICS_PATH  -> metrics.path
//	GOFIX_LOG_LEVEL     -> log.level
//	GOFIX_LOG_FORMAT    -> log.format
//	GOFIX_JOURNAL_PATH  -> journal.path
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFIX_METRICS_ADDR -> metrics.addr.
// Strips the GOFIX_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
		"journal.path": defaults.Journal.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidSessionRole indicates a session has an unrecognized role.
	ErrInvalidSessionRole = errors.New("session role must be initiator or acceptor")

	// ErrEmptySessionAddr indicates a session has no address configured.
	ErrEmptySessionAddr = errors.New("session addr must not be empty")

	// ErrEmptyCompID indicates a session is missing a CompID.
	ErrEmptyCompID = errors.New("session sender_comp_id and target_comp_id must not be empty")

	// ErrInvalidHeartBtInt indicates the heartbeat interval is non-positive.
	ErrInvalidHeartBtInt = errors.New("session heartbt_int must be > 0")

	// ErrDuplicateSessionKey indicates two sessions share the same
	// (SenderCompID, TargetCompID) key.
	ErrDuplicateSessionKey = errors.New("duplicate session key")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	return validateSessions(cfg.Sessions)
}

// ValidSessionRoles lists the recognized session role strings.
var ValidSessionRoles = map[string]bool{
	"initiator": true,
	"acceptor":  true,
}

// validateSessions checks each declarative session entry for correctness.
func validateSessions(sessions []SessionConfig) error {
	seen := make(map[string]struct{}, len(sessions))

	for i, sc := range sessions {
		if !ValidSessionRoles[sc.Role] {
			return fmt.Errorf("sessions[%d] role %q: %w", i, sc.Role, ErrInvalidSessionRole)
		}

		if sc.Addr == "" {
			return fmt.Errorf("sessions[%d]: %w", i, ErrEmptySessionAddr)
		}

		if sc.SenderCompID == "" || sc.TargetCompID == "" {
			return fmt.Errorf("sessions[%d]: %w", i, ErrEmptyCompID)
		}

		if sc.HeartBtInt <= 0 {
			return fmt.Errorf("sessions[%d]: %w", i, ErrInvalidHeartBtInt)
		}

		key := sc.SessionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sessions[%d] key %q: %w", i, key, ErrDuplicateSessionKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
