// Package config holds process settings and the Config Store, the durable
// per-service permission state shared by the permission checker and the
// admin channel.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

const (
	defaultStatePath    = "hostgate-state.json"
	defaultMappingPath  = "hostgate-mapping.json"
	defaultCallTimeout  = 30 * time.Second
	defaultRate         = 20
	defaultBurst        = 40
	defaultMaxInFlight  = 16
	defaultMaxLineBytes = 4 << 20
	defaultLogLevel     = "info"
)

// Duration is a time.Duration that reads and writes as "30s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// plain numbers are milliseconds
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings are the process settings. Precedence when assembling them is
// flags > environment > file > defaults.
type Settings struct {
	StatePath       string   `json:"state_path,omitempty"`
	MappingPath     string   `json:"mapping_path,omitempty"`
	AuditDSN        string   `json:"audit_dsn,omitempty"`
	CallTimeout     Duration `json:"call_timeout,omitempty"`
	RatePerSecond   float64  `json:"rate_per_second,omitempty"`
	RateBurst       int      `json:"rate_burst,omitempty"`
	MaxInFlight     int      `json:"max_in_flight,omitempty"`
	MaxLineBytes    int      `json:"max_line_bytes,omitempty"`
	AdminAddr       string   `json:"admin_addr,omitempty"`
	LogLevel        string   `json:"log_level,omitempty"`
	TraceStdout     bool     `json:"trace_stdout,omitempty"`
	FileSearchRoot  string   `json:"filesearch_root,omitempty"`
	EventLogSource  string   `json:"eventlog_source,omitempty"`
	EventLogFixture string   `json:"eventlog_fixture,omitempty"`
}

// DefaultSettings returns Settings with secure defaults.
func DefaultSettings() Settings {
	return Settings{
		StatePath:      defaultStatePath,
		MappingPath:    defaultMappingPath,
		CallTimeout:    Duration(defaultCallTimeout),
		RatePerSecond:  defaultRate,
		RateBurst:      defaultBurst,
		MaxInFlight:    defaultMaxInFlight,
		MaxLineBytes:   defaultMaxLineBytes,
		LogLevel:       defaultLogLevel,
		EventLogSource: "fixture",
	}
}

// Merge applies non-zero values from source into s.
func (s *Settings) Merge(source *Settings) {
	if source.StatePath != "" {
		s.StatePath = source.StatePath
	}
	if source.MappingPath != "" {
		s.MappingPath = source.MappingPath
	}
	if source.AuditDSN != "" {
		s.AuditDSN = source.AuditDSN
	}
	if source.CallTimeout > 0 {
		s.CallTimeout = source.CallTimeout
	}
	if source.RatePerSecond > 0 {
		s.RatePerSecond = source.RatePerSecond
	}
	if source.RateBurst > 0 {
		s.RateBurst = source.RateBurst
	}
	if source.MaxInFlight > 0 {
		s.MaxInFlight = source.MaxInFlight
	}
	if source.MaxLineBytes > 0 {
		s.MaxLineBytes = source.MaxLineBytes
	}
	if source.AdminAddr != "" {
		s.AdminAddr = source.AdminAddr
	}
	if source.LogLevel != "" {
		s.LogLevel = source.LogLevel
	}
	if source.TraceStdout {
		s.TraceStdout = true
	}
	if source.FileSearchRoot != "" {
		s.FileSearchRoot = source.FileSearchRoot
	}
	if source.EventLogSource != "" {
		s.EventLogSource = source.EventLogSource
	}
	if source.EventLogFixture != "" {
		s.EventLogFixture = source.EventLogFixture
	}
}

// LoadSettings reads a JSON settings file (comments and trailing commas
// allowed), merges it with defaults, and returns the result.
func LoadSettings(filename string) (*Settings, error) {
	cfg := DefaultSettings()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var loaded Settings
	if err := json.Unmarshal(jsonc.ToJSON(data), &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}

// Environment variable names.
const (
	EnvStatePath       = "HOSTGATE_STATE_PATH"
	EnvMappingPath     = "HOSTGATE_MAPPING_PATH"
	EnvAuditDSN        = "HOSTGATE_AUDIT_DSN"
	EnvCallTimeout     = "HOSTGATE_CALL_TIMEOUT"
	EnvRate            = "HOSTGATE_RATE"
	EnvBurst           = "HOSTGATE_BURST"
	EnvMaxInFlight     = "HOSTGATE_MAX_IN_FLIGHT"
	EnvAdminAddr       = "HOSTGATE_ADMIN_ADDR"
	EnvLogLevel        = "HOSTGATE_LOG_LEVEL"
	EnvTraceStdout     = "HOSTGATE_TRACE_STDOUT"
	EnvFileSearchRoot  = "HOSTGATE_FILESEARCH_ROOT"
	EnvEventLogSource  = "HOSTGATE_EVENTLOG_SOURCE"
	EnvEventLogFixture = "HOSTGATE_EVENTLOG_FIXTURE"
)

// SettingsFromEnv builds a partial Settings from environment variables, for
// merging over file settings. Unset variables leave zero values.
func SettingsFromEnv(getenv func(string) string) (Settings, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	s := Settings{
		StatePath:       getenv(EnvStatePath),
		MappingPath:     getenv(EnvMappingPath),
		AuditDSN:        getenv(EnvAuditDSN),
		AdminAddr:       getenv(EnvAdminAddr),
		LogLevel:        getenv(EnvLogLevel),
		FileSearchRoot:  getenv(EnvFileSearchRoot),
		EventLogSource:  getenv(EnvEventLogSource),
		EventLogFixture: getenv(EnvEventLogFixture),
	}
	var errs []error
	if v := getenv(EnvCallTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvCallTimeout, err))
		}
		s.CallTimeout = Duration(d)
	}
	if v := getenv(EnvRate); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvRate, err))
		}
		s.RatePerSecond = f
	}
	if v := getenv(EnvBurst); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvBurst, err))
		}
		s.RateBurst = n
	}
	if v := getenv(EnvMaxInFlight); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMaxInFlight, err))
		}
		s.MaxInFlight = n
	}
	if v := getenv(EnvTraceStdout); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvTraceStdout, err))
		}
		s.TraceStdout = b
	}
	return s, errors.Join(errs...)
}

// Validate checks settings that have no safe fallback.
func (s Settings) Validate() error {
	var errs []error
	if s.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	if s.RatePerSecond <= 0 || s.RateBurst <= 0 {
		errs = append(errs, errors.New("rate_per_second and rate_burst must be positive"))
	}
	if s.MaxInFlight <= 0 {
		errs = append(errs, errors.New("max_in_flight must be positive"))
	}
	if s.MaxLineBytes <= 0 {
		errs = append(errs, errors.New("max_line_bytes must be positive"))
	}
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch s.EventLogSource {
	case "fixture", "command":
	default:
		errs = append(errs, fmt.Errorf("eventlog_source must be fixture or command, got %q", s.EventLogSource))
	}
	return errors.Join(errs...)
}

// ParseLogLevel maps debug|info|warn|error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return l, nil
}
