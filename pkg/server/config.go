package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/vango-dev/uxcore/pkg/dispatch"
	"github.com/vango-dev/uxcore/pkg/icons"
	"github.com/vango-dev/uxcore/pkg/recorder"
	"github.com/vango-dev/uxcore/pkg/transport"
	"github.com/vango-dev/uxcore/pkg/upload"
)

// SessionConfig holds configuration for session lifecycle.
type SessionConfig struct {
	// IdleTimeout closes sessions with no client event for this long.
	// Zero disables the idle sweeper.
	// Default: 0.
	IdleTimeout time.Duration

	// SweepInterval is the period of the idle sweeper.
	// Default: IdleTimeout / 2, at least one second.
	SweepInterval time.Duration

	// MaxSessions is the maximum number of concurrent sessions.
	// Default: 0 (no limit).
	MaxSessions int

	// MaxSessionsPerIP is the maximum number of concurrent sessions for one
	// client address.
	// Default: 0 (no limit).
	MaxSessionsPerIP int

	// RecordingDir enables session recording into this directory.
	// Default: "" (disabled).
	RecordingDir string

	// StartTimeout bounds how long a transport waits for session
	// initialization. The initialization itself keeps running.
	// Default: 30 seconds.
	StartTimeout time.Duration
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		StartTimeout: 30 * time.Second,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func (c *SessionConfig) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	if d := c.IdleTimeout / 2; d > time.Second {
		return d
	}
	return time.Second
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Workers is the number of pool workers executing session tasks.
	// Default: 4 * GOMAXPROCS.
	Workers int

	// StrandBatch is how many tasks one session runs before yielding its worker.
	// Default: 32.
	StrandBatch int

	// Session configures session lifecycle.
	Session *SessionConfig

	// Dispatch configures each session's command dispatcher.
	Dispatch *dispatch.Config

	// IconThemes are the installed icon themes.
	// Default: icons.DefaultThemes().
	IconThemes []icons.Theme

	// DesktopIconTheme and MobileIconTheme name the default theme per
	// device class.
	// Default: "material-outline" and "material-filled".
	DesktopIconTheme string
	MobileIconTheme  string

	// Archiver receives finished session recordings. Optional.
	Archiver recorder.Archiver

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultGateConfig returns a GateConfig with sensible defaults.
func DefaultGateConfig() *GateConfig {
	return &GateConfig{
		Workers:          4 * runtime.GOMAXPROCS(0),
		StrandBatch:      32,
		Session:          DefaultSessionConfig(),
		Dispatch:         dispatch.DefaultConfig(),
		IconThemes:       icons.DefaultThemes(),
		DesktopIconTheme: "material-outline",
		MobileIconTheme:  "material-filled",
	}
}

// Clone returns a copy of the GateConfig.
func (c *GateConfig) Clone() *GateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Session = c.Session.Clone()
	if c.Dispatch != nil {
		d := *c.Dispatch
		clone.Dispatch = &d
	}
	clone.IconThemes = append([]icons.Theme(nil), c.IconThemes...)
	return &clone
}

// withDefaults returns a copy with zero fields filled from DefaultGateConfig.
func (c *GateConfig) withDefaults() *GateConfig {
	d := DefaultGateConfig()
	if c == nil {
		return d
	}
	out := c.Clone()
	if out.Workers <= 0 {
		out.Workers = d.Workers
	}
	if out.StrandBatch <= 0 {
		out.StrandBatch = d.StrandBatch
	}
	if out.Session == nil {
		out.Session = d.Session
	}
	if out.Session.StartTimeout <= 0 {
		out.Session.StartTimeout = d.Session.StartTimeout
	}
	if out.Dispatch == nil {
		out.Dispatch = d.Dispatch
	}
	if len(out.IconThemes) == 0 {
		out.IconThemes = d.IconThemes
	}
	if out.DesktopIconTheme == "" {
		out.DesktopIconTheme = d.DesktopIconTheme
	}
	if out.MobileIconTheme == "" {
		out.MobileIconTheme = d.MobileIconTheme
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// WithSessionConfig sets the session configuration and returns the config for chaining.
func (c *GateConfig) WithSessionConfig(sc *SessionConfig) *GateConfig {
	c.Session = sc
	return c
}

// WithWorkers sets the worker count and returns the config for chaining.
func (c *GateConfig) WithWorkers(n int) *GateConfig {
	c.Workers = n
	return c
}

// WithArchiver sets the recording archiver and returns the config for chaining.
func (c *GateConfig) WithArchiver(a recorder.Archiver) *GateConfig {
	c.Archiver = a
	return c
}

// WithLogger sets the logger and returns the config for chaining.
func (c *GateConfig) WithLogger(logger *slog.Logger) *GateConfig {
	c.Logger = logger
	return c
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	// Address is the listen address.
	// Default: ":8080".
	Address string

	// HTTP server timeouts. WriteTimeout stays zero by default because
	// long-poll requests and WebSockets outlive any fixed write budget.
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// WebSocket configures the WebSocket endpoint.
	WebSocket *transport.WebSocketConfig

	// LongPoll configures the long-poll endpoint.
	LongPoll *transport.LongPollConfig

	// Upload configures the upload endpoint.
	Upload *upload.Config

	// UploadDir is where uploaded files are stored.
	// Default: os.TempDir()/uxcore-uploads.
	UploadDir string

	// TrustedProxies lists proxy IPs or CIDRs whose forwarding headers are
	// believed when deriving the client address.
	TrustedProxies []string

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
// SECURITY: CheckOrigin enforces same-origin by default to prevent CSWSH.
func DefaultServerConfig() *ServerConfig {
	ws := transport.DefaultWebSocketConfig()
	ws.CheckOrigin = SameOriginCheck
	return &ServerConfig{
		Address:           ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		WebSocket:         ws,
		LongPoll:          transport.DefaultLongPollConfig(),
		Upload:            upload.DefaultConfig(),
	}
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
// This is the secure default for CheckOrigin.
// SECURITY: Uses proper URL parsing to avoid edge cases with string manipulation.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (e.g., same-origin request or curl)
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}

	return originURL.Host == host
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.WebSocket != nil {
		clone.WebSocket = c.WebSocket.Clone()
	}
	if c.LongPoll != nil {
		lp := *c.LongPoll
		clone.LongPoll = &lp
	}
	if c.Upload != nil {
		u := *c.Upload
		u.AllowedTypes = append([]string(nil), c.Upload.AllowedTypes...)
		clone.Upload = &u
	}
	clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	return &clone
}

func (c *ServerConfig) withDefaults() *ServerConfig {
	d := DefaultServerConfig()
	if c == nil {
		return d
	}
	out := c.Clone()
	if out.Address == "" {
		out.Address = d.Address
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	if out.WebSocket == nil {
		out.WebSocket = d.WebSocket
	}
	if out.LongPoll == nil {
		out.LongPoll = d.LongPoll
	}
	if out.Upload == nil {
		out.Upload = d.Upload
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithUploadDir sets the upload directory and returns the config for chaining.
func (c *ServerConfig) WithUploadDir(dir string) *ServerConfig {
	c.UploadDir = dir
	return c
}

// WithTrustedProxies sets the trusted proxies and returns the config for chaining.
func (c *ServerConfig) WithTrustedProxies(proxies ...string) *ServerConfig {
	c.TrustedProxies = proxies
	return c
}

// WithMetricsHandler sets the /metrics handler and returns the config for chaining.
func (c *ServerConfig) WithMetricsHandler(h http.Handler) *ServerConfig {
	c.MetricsHandler = h
	return c
}

// WithLogger sets the logger and returns the config for chaining.
func (c *ServerConfig) WithLogger(logger *slog.Logger) *ServerConfig {
	c.Logger = logger
	return c
}
