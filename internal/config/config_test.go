package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Address != DefaultAddress {
		t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, DefaultAddress)
	}
	if cfg.Session.StartTimeout.Std() != 30*time.Second {
		t.Errorf("Session.StartTimeout = %v, want 30s", cfg.Session.StartTimeout)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Tracing.Enabled {
		t.Error("Tracing.Enabled = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := Load(filepath.Join(tmpDir, FileName))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) error = %v, want ErrNotFound", err)
	}

	path := filepath.Join(tmpDir, FileName)
	data := `
server:
  address: "127.0.0.1:9000"
  trusted_proxies: ["10.0.0.0/8", "192.168.1.1"]
session:
  idle_timeout: 15m
  max_sessions: 100
  max_sessions_per_ip: 20
workers: 12
recording:
  dir: /tmp/rec
  s3:
    bucket: recordings
    prefix: prod/
uploads:
  max_size: 2048
  expiry: 10m
  allowed_types: [image/png]
log:
  format: json
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	if cfg.Server.Address != "127.0.0.1:9000" {
		t.Errorf("Server.Address = %q", cfg.Server.Address)
	}
	if len(cfg.Server.TrustedProxies) != 2 {
		t.Errorf("TrustedProxies = %v", cfg.Server.TrustedProxies)
	}
	if cfg.Session.IdleTimeout.Std() != 15*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 15m", cfg.Session.IdleTimeout)
	}
	if cfg.Session.MaxSessions != 100 {
		t.Errorf("Session.MaxSessions = %d, want 100", cfg.Session.MaxSessions)
	}
	if cfg.Session.MaxSessionsPerIP != 20 {
		t.Errorf("Session.MaxSessionsPerIP = %d, want 20", cfg.Session.MaxSessionsPerIP)
	}
	if cfg.Workers != 12 {
		t.Errorf("Workers = %d, want 12", cfg.Workers)
	}
	if !cfg.Recording.S3.Enabled() || cfg.Recording.S3.Prefix != "prod/" {
		t.Errorf("Recording.S3 = %+v", cfg.Recording.S3)
	}
	if cfg.Uploads.MaxSize != 2048 || cfg.Uploads.Expiry.Std() != 10*time.Minute {
		t.Errorf("Uploads = %+v", cfg.Uploads)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("Log = %+v", cfg.Log)
	}

	// Omitted fields keep their defaults.
	if cfg.Session.StartTimeout.Std() != 30*time.Second {
		t.Errorf("Session.StartTimeout = %v, want default 30s", cfg.Session.StartTimeout)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should keep its default")
	}
}

func TestParseEmptyValuesRestoreDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  address: \"\"\nlog:\n  format: \"\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Address != DefaultAddress {
		t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, DefaultAddress)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad duration", "session:\n  idle_timeout: soon\n", "invalid duration"},
		{"bad yaml", "server: [\n", ""},
		{"negative workers", "workers: -1\n", "workers"},
		{"negative max sessions", "session:\n  max_sessions: -5\n", "max_sessions"},
		{"negative per-ip limit", "session:\n  max_sessions_per_ip: -1\n", "max_sessions_per_ip"},
		{"negative duration", "session:\n  idle_timeout: -1s\n", "session durations"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"bad log level", "log:\n  level: loud\n", "log.level"},
		{"s3 without dir", "recording:\n  s3:\n    bucket: b\n", "recording.dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Workers = -1
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "workers") || !strings.Contains(msg, "log.format") {
		t.Errorf("Validate() = %q, want both problems reported", msg)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := LogConfig{Level: tt.level}.SlogLevel()
		if err != nil {
			t.Errorf("SlogLevel(%q) error = %v", tt.level, err)
			continue
		}
		if got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestGateConfig(t *testing.T) {
	cfg := Default()
	cfg.Workers = 3
	cfg.Session.IdleTimeout = Duration(time.Minute)
	cfg.Session.MaxSessions = 7
	cfg.Session.MaxSessionsPerIP = 3
	cfg.Recording.Dir = "/tmp/rec"
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	gc := cfg.GateConfig(logger)
	if gc.Workers != 3 {
		t.Errorf("Workers = %d, want 3", gc.Workers)
	}
	if gc.Session.IdleTimeout != time.Minute || gc.Session.MaxSessions != 7 || gc.Session.MaxSessionsPerIP != 3 {
		t.Errorf("Session = %+v", gc.Session)
	}
	if gc.Session.RecordingDir != "/tmp/rec" {
		t.Errorf("RecordingDir = %q", gc.Session.RecordingDir)
	}
	if gc.Session.StartTimeout != 30*time.Second {
		t.Errorf("StartTimeout = %v", gc.Session.StartTimeout)
	}
	if gc.Logger != logger {
		t.Error("Logger not propagated")
	}

	cfg.Workers = 0
	if gc := cfg.GateConfig(logger); gc.Workers <= 0 {
		t.Errorf("Workers = %d, want gate default", gc.Workers)
	}
}

func TestServerConfig(t *testing.T) {
	cfg := Default()
	cfg.Server.Address = ":9999"
	cfg.Server.TrustedProxies = []string{"10.0.0.1"}
	cfg.Server.PollTimeout = Duration(5 * time.Second)
	cfg.Uploads.Dir = "/tmp/up"
	cfg.Uploads.AllowedTypes = []string{"image/png"}

	sc := cfg.ServerConfig(nil)
	if sc.Address != ":9999" {
		t.Errorf("Address = %q", sc.Address)
	}
	if sc.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", sc.ShutdownTimeout)
	}
	if sc.LongPoll.PollTimeout != 5*time.Second {
		t.Errorf("LongPoll.PollTimeout = %v", sc.LongPoll.PollTimeout)
	}
	if sc.UploadDir != "/tmp/up" || sc.Upload.MaxFileSize != cfg.Uploads.MaxSize {
		t.Errorf("upload settings not propagated: dir=%q max=%d", sc.UploadDir, sc.Upload.MaxFileSize)
	}
	if sc.WebSocket == nil || sc.WebSocket.CheckOrigin == nil {
		t.Error("WebSocket defaults should be kept")
	}

	cfg.Server.TrustedProxies[0] = "changed"
	cfg.Uploads.AllowedTypes[0] = "changed"
	if sc.TrustedProxies[0] != "10.0.0.1" || sc.Upload.AllowedTypes[0] != "image/png" {
		t.Error("ServerConfig should copy slices")
	}
}
