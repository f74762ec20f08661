package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/uxcore/pkg/server"
	"github.com/vango-dev/uxcore/pkg/transport"
	"github.com/vango-dev/uxcore/pkg/upload"
)

const (
	// FileName is the default name of the configuration file.
	FileName = "uxserver.yaml"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"
)

// ErrNotFound is returned by Load when the configuration file does not exist.
var ErrNotFound = errors.New("config: file not found")

// Config is the uxserver.yaml configuration.
type Config struct {
	// Server contains HTTP server configuration.
	Server ServerConfig `yaml:"server"`

	// Session contains session lifecycle configuration.
	Session SessionConfig `yaml:"session"`

	// Workers is the number of pool workers running session tasks.
	// Zero uses the gate default.
	Workers int `yaml:"workers,omitempty"`

	// Recording contains session recording configuration.
	Recording RecordingConfig `yaml:"recording"`

	// Uploads contains file upload configuration.
	Uploads UploadsConfig `yaml:"uploads"`

	// Metrics contains Prometheus configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains OpenTelemetry configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Log contains logging configuration.
	Log LogConfig `yaml:"log"`

	path string
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Address is the listen address.
	Address string `yaml:"address"`

	// ReadHeaderTimeout, IdleTimeout and ShutdownTimeout bound the HTTP server.
	ReadHeaderTimeout Duration `yaml:"read_header_timeout,omitempty"`
	IdleTimeout       Duration `yaml:"idle_timeout,omitempty"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout,omitempty"`

	// TrustedProxies lists proxy IPs or CIDRs whose forwarding headers are believed.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`

	// PollTimeout is the longest a long-poll request waits for commands.
	PollTimeout Duration `yaml:"poll_timeout,omitempty"`
}

// SessionConfig contains session lifecycle configuration.
type SessionConfig struct {
	// IdleTimeout closes sessions without client events for this long.
	// Zero disables the idle sweeper.
	IdleTimeout Duration `yaml:"idle_timeout,omitempty"`

	// SweepInterval is the idle sweeper period.
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`

	// MaxSessions caps concurrent sessions. Zero means no limit.
	MaxSessions int `yaml:"max_sessions,omitempty"`

	// MaxSessionsPerIP caps concurrent sessions of one client address.
	// Zero means no limit.
	MaxSessionsPerIP int `yaml:"max_sessions_per_ip,omitempty"`

	// StartTimeout bounds how long a transport waits for initialization.
	StartTimeout Duration `yaml:"start_timeout,omitempty"`
}

// RecordingConfig contains session recording configuration.
type RecordingConfig struct {
	// Dir enables recording into this directory.
	Dir string `yaml:"dir,omitempty"`

	// S3 archives finished recordings when Bucket is set.
	S3 S3Config `yaml:"s3,omitempty"`
}

// S3Config names the bucket that receives finished recordings.
type S3Config struct {
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// Enabled reports whether recordings are archived to S3.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// UploadsConfig contains file upload configuration.
type UploadsConfig struct {
	// Dir is where uploaded files are stored.
	// Default: os.TempDir()/uxcore-uploads.
	Dir string `yaml:"dir,omitempty"`

	// MaxSize is the maximum file size in bytes.
	MaxSize int64 `yaml:"max_size,omitempty"`

	// Expiry is how long uploaded files live before cleanup.
	Expiry Duration `yaml:"expiry,omitempty"`

	// AllowedTypes restricts accepted MIME types.
	AllowedTypes []string `yaml:"allowed_types,omitempty"`
}

// MetricsConfig contains Prometheus configuration.
type MetricsConfig struct {
	// Enabled mounts /metrics and installs the metrics interceptor.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace,omitempty"`
}

// TracingConfig contains OpenTelemetry configuration.
type TracingConfig struct {
	// Enabled installs the tracing interceptor.
	Enabled bool `yaml:"enabled"`

	// TracerName is the instrumentation scope name.
	TracerName string `yaml:"tracer_name,omitempty"`

	// IncludeClientIP records the client address on session spans.
	IncludeClientIP bool `yaml:"include_client_ip,omitempty"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`

	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           DefaultAddress,
			ReadHeaderTimeout: Duration(10 * time.Second),
			IdleTimeout:       Duration(120 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
			PollTimeout:       Duration(25 * time.Second),
		},
		Session: SessionConfig{
			StartTimeout: Duration(30 * time.Second),
		},
		Uploads: UploadsConfig{
			MaxSize: 10 * 1024 * 1024,
			Expiry:  Duration(time.Hour),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "uxcore",
		},
		Tracing: TracingConfig{
			TracerName: "uxcore",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads the configuration file at path. Fields the file omits keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes YAML configuration over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// applyDefaults fills fields an explicit empty value cleared.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Address == "" {
		c.Server.Address = d.Server.Address
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.PollTimeout == 0 {
		c.Server.PollTimeout = d.Server.PollTimeout
	}
	if c.Session.StartTimeout == 0 {
		c.Session.StartTimeout = d.Session.StartTimeout
	}
	if c.Uploads.MaxSize == 0 {
		c.Uploads.MaxSize = d.Uploads.MaxSize
	}
	if c.Uploads.Expiry == 0 {
		c.Uploads.Expiry = d.Uploads.Expiry
	}
	if c.Tracing.TracerName == "" {
		c.Tracing.TracerName = d.Tracing.TracerName
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	if c.Session.MaxSessions < 0 {
		errs = append(errs, errors.New("session.max_sessions must not be negative"))
	}
	if c.Session.MaxSessionsPerIP < 0 {
		errs = append(errs, errors.New("session.max_sessions_per_ip must not be negative"))
	}
	if c.Session.IdleTimeout < 0 || c.Session.SweepInterval < 0 || c.Session.StartTimeout < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}
	if c.Uploads.MaxSize < 0 {
		errs = append(errs, errors.New("uploads.max_size must not be negative"))
	}
	if c.Recording.S3.Enabled() && c.Recording.Dir == "" {
		errs = append(errs, errors.New("recording.s3 requires recording.dir"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Level, err)
	}
	return level, nil
}

// GateConfig converts the configuration into a server.GateConfig.
func (c *Config) GateConfig(logger *slog.Logger) *server.GateConfig {
	gc := server.DefaultGateConfig()
	if c.Workers > 0 {
		gc.Workers = c.Workers
	}
	gc.Session = &server.SessionConfig{
		IdleTimeout:      c.Session.IdleTimeout.Std(),
		SweepInterval:    c.Session.SweepInterval.Std(),
		MaxSessions:      c.Session.MaxSessions,
		MaxSessionsPerIP: c.Session.MaxSessionsPerIP,
		RecordingDir:     c.Recording.Dir,
		StartTimeout:     c.Session.StartTimeout.Std(),
	}
	gc.Logger = logger
	return gc
}

// ServerConfig converts the configuration into a server.ServerConfig.
func (c *Config) ServerConfig(logger *slog.Logger) *server.ServerConfig {
	sc := server.DefaultServerConfig()
	sc.Address = c.Server.Address
	if c.Server.ReadHeaderTimeout > 0 {
		sc.ReadHeaderTimeout = c.Server.ReadHeaderTimeout.Std()
	}
	if c.Server.IdleTimeout > 0 {
		sc.IdleTimeout = c.Server.IdleTimeout.Std()
	}
	sc.ShutdownTimeout = c.Server.ShutdownTimeout.Std()
	sc.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)

	lp := transport.DefaultLongPollConfig()
	lp.PollTimeout = c.Server.PollTimeout.Std()
	sc.LongPoll = lp

	sc.Upload = &upload.Config{
		MaxFileSize:  c.Uploads.MaxSize,
		AllowedTypes: append([]string(nil), c.Uploads.AllowedTypes...),
		TempExpiry:   c.Uploads.Expiry.Std(),
	}
	sc.UploadDir = c.Uploads.Dir
	sc.Logger = logger
	return sc
}
