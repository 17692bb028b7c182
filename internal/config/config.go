package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// LogFormat selects how log entries are rendered.
type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

// Default values applied by LoadConfig when a field is left empty.
const (
	DefaultMaxBodySize       ByteSize = 10 << 20 // 10 MiB
	DefaultMaxBufferSize     ByteSize = 1 << 20  // 1 MiB
	DefaultInitialWindowSize ByteSize = 65535
	DefaultChunkSize         ByteSize = 16 << 10
	DefaultMetricsNamespace           = "bytebody"
)

// Config is the top-level configuration structure for a host embedding the body core.
type Config struct {
	Body    *BodyConfig    `json:"body,omitempty" toml:"body,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty" toml:"metrics,omitempty"`

	// OriginalFilePath is the absolute path the config was loaded from.
	OriginalFilePath string `json:"-" toml:"-"`
}

// BodyConfig holds the size budgets and flow-control parameters handed to the body core.
type BodyConfig struct {
	MaxBodySize       *ByteSize `json:"max_body_size,omitempty" toml:"max_body_size,omitempty"`
	MaxBufferSize     *ByteSize `json:"max_buffer_size,omitempty" toml:"max_buffer_size,omitempty"`
	InitialWindowSize *ByteSize `json:"initial_window_size,omitempty" toml:"initial_window_size,omitempty"`
	ChunkSize         *ByteSize `json:"chunk_size,omitempty" toml:"chunk_size,omitempty"`
	// ClaimDiagnostics records the stack of the first claim so double claims can report it.
	ClaimDiagnostics *bool `json:"claim_diagnostics,omitempty" toml:"claim_diagnostics,omitempty"`
}

// Budgets returns the body and buffer budgets in bytes, falling back to defaults.
func (bc *BodyConfig) Budgets() (maxBodySize, maxBufferSize uint64) {
	maxBodySize, maxBufferSize = uint64(DefaultMaxBodySize), uint64(DefaultMaxBufferSize)
	if bc == nil {
		return
	}
	if bc.MaxBodySize != nil {
		maxBodySize = uint64(*bc.MaxBodySize)
	}
	if bc.MaxBufferSize != nil {
		maxBufferSize = uint64(*bc.MaxBufferSize)
	}
	return
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel        `json:"log_level,omitempty" toml:"log_level,omitempty"`
	Format   LogFormat       `json:"format,omitempty" toml:"format,omitempty"`
	ErrorLog *ErrorLogConfig `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// ErrorLogConfig configures where log entries are written.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// MetricsConfig configures the prometheus collector.
type MetricsConfig struct {
	Enabled   *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Namespace string `json:"namespace,omitempty" toml:"namespace,omitempty"`
}

// ByteSize is a byte count that accepts either an integer or a human readable
// string such as "8MiB" or "512 KB".
type ByteSize uint64

// ParseByteSize parses s as a byte count.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("byte size cannot be empty")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder for strings.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// UnmarshalTOML accepts TOML integers as well as strings.
func (b *ByteSize) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("byte size cannot be negative: %d", v)
		}
		*b = ByteSize(v)
		return nil
	case string:
		return b.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("byte size must be an integer or string, got %T", data)
	}
}

// UnmarshalJSON accepts JSON numbers as well as strings.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return b.UnmarshalText([]byte(s))
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid byte size %s: %w", string(data), err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText renders the size so configs round-trip through TOML and JSON.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(b), 10)), nil
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads the configuration file at path. The format is chosen by
// extension (.json, .toml); other extensions are auto-detected from content.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := Parse(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err == nil {
		cfg.OriginalFilePath = absPath
	} else {
		cfg.OriginalFilePath = path
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration document. ext is a
// file extension hint (".json", ".toml"); anything else triggers detection.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch ext {
	case ".json":
		if err := decodeJSON(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	case ".toml":
		if err := decodeTOML(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid TOML: %w", err)
		}
	default:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			if err := decodeJSON(data, &cfg); err != nil {
				return nil, fmt.Errorf("invalid JSON: %w", err)
			}
		} else if errT := decodeTOML(data, &cfg); errT != nil {
			return nil, fmt.Errorf("unable to detect configuration format (not JSON, TOML error: %v)", errT)
		}
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty input")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func decodeTOML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty input")
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown configuration keys: %v", undecoded)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Body == nil {
		cfg.Body = &BodyConfig{}
	}
	b := cfg.Body
	if b.MaxBodySize == nil {
		v := DefaultMaxBodySize
		b.MaxBodySize = &v
	}
	if b.MaxBufferSize == nil {
		v := DefaultMaxBufferSize
		b.MaxBufferSize = &v
	}
	if b.InitialWindowSize == nil {
		v := DefaultInitialWindowSize
		b.InitialWindowSize = &v
	}
	if b.ChunkSize == nil {
		v := DefaultChunkSize
		b.ChunkSize = &v
	}
	if b.ClaimDiagnostics == nil {
		f := false
		b.ClaimDiagnostics = &f
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatJSON
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == "" {
		cfg.Logging.ErrorLog.Target = "stderr"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Enabled == nil {
		t := true
		cfg.Metrics.Enabled = &t
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
}

// Validate checks a defaulted configuration for contradictory or out-of-range values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if b := cfg.Body; b != nil {
		if b.MaxBodySize != nil && *b.MaxBodySize == 0 {
			return fmt.Errorf("body.max_body_size must be greater than zero")
		}
		if b.MaxBufferSize != nil && b.MaxBodySize != nil && *b.MaxBufferSize > *b.MaxBodySize {
			return fmt.Errorf("body.max_buffer_size (%s) cannot exceed body.max_body_size (%s)", *b.MaxBufferSize, *b.MaxBodySize)
		}
		if b.InitialWindowSize != nil && (*b.InitialWindowSize == 0 || *b.InitialWindowSize > (1<<31)-1) {
			return fmt.Errorf("body.initial_window_size must be between 1 and 2147483647, got %d", uint64(*b.InitialWindowSize))
		}
		if b.ChunkSize != nil && *b.ChunkSize == 0 {
			return fmt.Errorf("body.chunk_size must be greater than zero")
		}
	}
	if l := cfg.Logging; l != nil {
		switch l.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is invalid; must be one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
		}
		switch l.Format {
		case LogFormatJSON, LogFormatConsole:
		default:
			return fmt.Errorf("logging.format %q is invalid; must be json or console", l.Format)
		}
		if l.ErrorLog != nil && IsFilePath(l.ErrorLog.Target) && !filepath.IsAbs(l.ErrorLog.Target) {
			return fmt.Errorf("logging.error_log.target %q must be stdout, stderr or an absolute file path", l.ErrorLog.Target)
		}
	}
	if m := cfg.Metrics; m != nil && m.Namespace != "" {
		for _, r := range m.Namespace {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return fmt.Errorf("metrics.namespace %q may only contain letters, digits and underscores", m.Namespace)
			}
		}
	}
	return nil
}
