package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/uxcore/internal/config"
	"github.com/vango-dev/uxcore/pkg/middleware"
	"github.com/vango-dev/uxcore/pkg/recorder"
	"github.com/vango-dev/uxcore/pkg/server"
	"github.com/vango-dev/uxcore/pkg/transport"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session server",
		Long: `Start the session server.

Configuration is read from --config, or from uxserver.yaml in the working
directory when present. Without either the defaults apply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}

			logger, err := newLogger(os.Stderr, cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			srv, err := buildServer(cmd.Context(), cfg, logger, server.ApplicationFunc(demoApp()))
			if err != nil {
				return err
			}
			return srv.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to "+config.FileName)
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides server.address)")

	return cmd
}

// buildServer wires hub, gate, observability and the HTTP surface for app.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, app server.Application) (*server.HTTPServer, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	gc := cfg.GateConfig(logger)
	if cfg.Recording.S3.Enabled() {
		archiver, err := newS3Archiver(ctx, cfg.Recording.S3)
		if err != nil {
			return nil, err
		}
		gc.Archiver = archiver
		logger.Info("archiving recordings to s3", "bucket", cfg.Recording.S3.Bucket, "prefix", cfg.Recording.S3.Prefix)
	}

	hub := transport.NewHub(logger)
	gate, err := server.NewGate(app, hub, gc)
	if err != nil {
		return nil, err
	}

	sc := cfg.ServerConfig(logger)

	if cfg.Tracing.Enabled {
		gate.Use(middleware.OpenTelemetry(
			middleware.WithTracerName(cfg.Tracing.TracerName),
			middleware.WithIncludeClientIP(cfg.Tracing.IncludeClientIP),
		))
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts := []middleware.MetricsOption{middleware.WithRegistry(reg)}
		if cfg.Metrics.Namespace != "" {
			opts = append(opts, middleware.WithNamespace(cfg.Metrics.Namespace))
		}
		middleware.Prometheus(opts...).Install(gate)
		sc.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	srv, err := server.NewHTTPServer(gate, hub, sc)
	if err != nil {
		gate.Shutdown(ctx)
		return nil, err
	}
	return srv, nil
}

func newS3Archiver(ctx context.Context, sc config.S3Config) (*recorder.S3Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if sc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(sc.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	archiver := recorder.NewS3Archiver(s3.NewFromConfig(awsCfg), sc.Bucket, sc.Prefix)
	archiver.RemoveLocal = true
	return archiver, nil
}
