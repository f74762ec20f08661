package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/uxcore/internal/config"
	"github.com/vango-dev/uxcore/pkg/component"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/recorder"
	"github.com/vango-dev/uxcore/pkg/server"
	"github.com/vango-dev/uxcore/pkg/upload"
	"github.com/vango-dev/uxcore/pkg/vtest"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDemoApp(t *testing.T) {
	h := vtest.NewHarness(t, server.ApplicationFunc(demoApp()))
	c := h.Connect()
	c.ExpectCommands(t, component.CommandSetEnabled)

	if err := c.Event("counter", component.EventClick, nil); err != nil {
		t.Fatalf("click: %v", err)
	}
	c.ExpectCommands(t, component.CommandSetEnabled, component.CommandSetCaption)

	file := &upload.File{Token: "tok-1", Filename: "a.txt", Size: 3}
	if err := h.Gate.HandleFileUpload("tok-1", file); err != nil {
		t.Fatalf("HandleFileUpload: %v", err)
	}
	if err := c.Event("file", component.EventUploaded, component.UploadedData{UUID: "tok-1"}); err != nil {
		t.Fatalf("uploaded: %v", err)
	}
	c.ExpectCommands(t,
		component.CommandSetEnabled,
		component.CommandSetCaption,
		component.CommandSetFileName,
		component.CommandSetCaption,
	)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.LogConfig{Format: "json", Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("json output = %q", out)
	}

	if _, err := newLogger(&buf, config.LogConfig{Format: "text", Level: "nope"}); err == nil {
		t.Error("expected error for bad level")
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("workers: 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 5 {
		t.Errorf("Workers = %d, want 5", cfg.Workers)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestBuildServerMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Uploads.Dir = t.TempDir()
	cfg.Tracing.Enabled = true

	srv, err := buildServer(context.Background(), cfg, testLogger(), server.ApplicationFunc(demoApp()))
	if err != nil {
		t.Fatalf("buildServer() error = %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"uxcore_active_sessions", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestBuildServerWithoutMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Uploads.Dir = t.TempDir()
	cfg.Metrics.Enabled = false

	srv, err := buildServer(context.Background(), cfg, testLogger(), server.ApplicationFunc(demoApp()))
	if err != nil {
		t.Fatalf("buildServer() error = %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want 404", rec.Code)
	}
}

func TestReplayCommand(t *testing.T) {
	rec, err := recorder.OpenFile(t.TempDir(), testStart)
	if err != nil {
		t.Fatal(err)
	}
	for i, name := range []string{"button.setCaption", "fileField.setFileName", "button.setCaption"} {
		cmd, err := protocol.NewCommand("c"+string(rune('1'+i%2)), name, map[string]int{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		cmd.Seq = uint64(i + 1)
		if err := rec.Record(cmd); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"replay", "--component", "c1", rec.Path()})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("replay: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("replay printed %d lines, want 2:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "button.setCaption") || !strings.Contains(lines[0], `{"i":0}`) {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--short"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != version {
		t.Errorf("version --short = %q, want %q", got, version)
	}
}
