package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skypro1111/audio-encoder-service/internal/config"
	"github.com/skypro1111/audio-encoder-service/internal/logging"
	"github.com/skypro1111/audio-encoder-service/internal/metrics"
	"github.com/skypro1111/audio-encoder-service/internal/server"
	"github.com/skypro1111/audio-encoder-service/internal/sink"
	"github.com/skypro1111/audio-encoder-service/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the UDP and HTTP servers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.Bool("udp_enabled", cfg.Server.Enabled),
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.String("codec", cfg.Encoder.Codec),
		slog.Int("sample_rate", cfg.Encoder.SampleRate),
		slog.Int("buffer_size", cfg.Encoder.BufferSize),
		slog.Bool("vad_enabled", cfg.VAD.Enabled),
		slog.String("output_directory", cfg.Output.Directory),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	registry, err := newRegistry()
	if err != nil {
		return err
	}

	var (
		writers sink.Multi
		output  *sink.Dir
		webhook *sink.Webhook
	)
	if cfg.Output.Directory != "" {
		output, err = sink.NewDir(cfg.Output.Directory, cfg.Output.SkipEmpty, logging.Component(logger, "sink"))
		if err != nil {
			return err
		}
		writers = append(writers, output)
	}
	if wh := cfg.Output.Webhook; wh.Endpoint != "" {
		webhook, err = sink.NewWebhook(sink.WebhookConfig{
			Endpoint:      wh.Endpoint,
			APIKey:        wh.APIKey,
			Timeout:       wh.GetTimeoutDuration(),
			MaxRetries:    wh.MaxRetries,
			MaxConcurrent: wh.MaxConcurrent,
			QueueSize:     wh.QueueSize,
			UserAgent:     serviceName + "/" + serviceVersion,
		}, logging.Component(logger, "webhook"))
		if err != nil {
			return err
		}
		writers = append(writers, webhook)
		logger.Info("Webhook uploads enabled", slog.String("endpoint", wh.Endpoint))
	}

	opts := []stream.Option{stream.WithMetrics(appMetrics)}
	if len(writers) > 0 {
		opts = append(opts, stream.WithSink(writers))
	}

	streamMgr := stream.NewManager(logging.Component(logger, "stream"), registry, managerConfig(cfg, logger), opts...)
	logger.Info("Stream manager initialized",
		slog.Duration("session_timeout", cfg.Session.GetTimeoutDuration()),
		slog.Int("max_sessions", cfg.Session.MaxSessions),
		slog.Any("codecs", registry.Names()),
	)

	var udpServer *server.UDPServer
	if cfg.Server.Enabled {
		udpServer = server.NewUDPServer(&cfg.Server, logging.Component(logger, "udp"), streamMgr, appMetrics)
		if err := udpServer.Start(); err != nil {
			streamMgr.Stop()
			return fmt.Errorf("failed to start UDP server: %w", err)
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		var httpOpts []server.HTTPOption
		if output != nil {
			httpOpts = append(httpOpts, server.WithOutput(output))
		}
		if webhook != nil {
			httpOpts = append(httpOpts, server.WithWebhook(webhook))
		}
		httpServer = server.NewHTTPServer(cfg.HTTP, logging.Component(logger, "http"), cfg, streamMgr, udpServer, appMetrics, httpOpts...)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop UDP server (stop accepting new packets)
	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
		}
	}

	// Close sessions, flushing pending audio to the sink
	streamMgr.Stop()

	if webhook != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()

		if err := webhook.Close(closeCtx); err != nil {
			logger.Warn("Pending uploads abandoned", slog.String("error", err.Error()))
		}
		stats := webhook.GetStats()
		logger.Info("Uploads finished",
			slog.Uint64("total", stats.TotalRequests),
			slog.Uint64("failed", stats.FailedRequests),
			slog.Uint64("dropped", stats.DroppedUploads),
		)
	}

	if output != nil {
		stats := output.GetStats()
		logger.Info("Output written",
			slog.String("directory", stats.Root),
			slog.Uint64("files", stats.FilesWritten),
			slog.Uint64("bytes", stats.BytesWritten),
		)
	}

	logger.Info("Service stopped")
	return nil
}

func managerConfig(cfg *config.Config, logger *slog.Logger) stream.ManagerConfig {
	return stream.ManagerConfig{
		Encoder:          cfg.Encoder,
		Detection:        cfg.VAD.Detection(logger),
		DetectionEnabled: cfg.VAD.Enabled,
		QueueSize:        cfg.Session.QueueSize,
		Timeout:          cfg.Session.GetTimeoutDuration(),
		MaxSessions:      cfg.Session.MaxSessions,
		FlushOnClose:     cfg.Session.FlushOnClose,
	}
}
