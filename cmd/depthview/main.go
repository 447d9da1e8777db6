package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"depthview-go/internal/config"
	"depthview-go/internal/ingest"
	"depthview-go/internal/metrics"
	"depthview-go/internal/output"
	"depthview-go/internal/pipeline"
	"depthview-go/internal/sensorctl"
	"depthview-go/internal/server"
	"depthview-go/internal/simulator"
	"depthview-go/internal/types"
)

func main() {
	cfg, err := env.ParseAs[config.AppConfig]()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// flags override env defaults
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP port for the web UI")
	flag.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "ZMQ endpoint of the depth daemon stream")
	flag.StringVar(&cfg.SensorBaseURL, "sensor-url", cfg.SensorBaseURL, "Base URL of the depth daemon control API")
	flag.StringVar(&cfg.SensorAPIVersion, "sensor-api-version", cfg.SensorAPIVersion, "Control API version")
	flag.DurationVar(&cfg.SensorPoll, "sensor-poll", cfg.SensorPoll, "Polling interval for daemon status")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of conversion workers")
	flag.Float64Var(&cfg.ClipMin, "clip-min", cfg.ClipMin, "Near clip bound in meters")
	flag.Float64Var(&cfg.ClipMax, "clip-max", cfg.ClipMax, "Far clip bound in meters")
	flag.BoolVar(&cfg.Smoothed, "smoothed", cfg.Smoothed, "Start with the smoothed depth variant")
	flag.DurationVar(&cfg.UIRate, "ui-rate", cfg.UIRate, "Preview push interval for websocket clients")
	flag.StringVar(&cfg.ExportDir, "export-dir", cfg.ExportDir, "Directory for exported PNGs")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Run with simulated depth data")
	flag.IntVar(&cfg.DebugWidth, "debug-width", cfg.DebugWidth, "Simulated frame width")
	flag.IntVar(&cfg.DebugHeight, "debug-height", cfg.DebugHeight, "Simulated frame height")
	flag.Float64Var(&cfg.DebugAcqRate, "debug-acq-rate", cfg.DebugAcqRate, "Simulated acquisition rate (frames/sec)")
	flag.BoolVar(&cfg.RawLogEnabled, "raw-log", cfg.RawLogEnabled, "Write raw CBOR messages to disk")
	flag.StringVar(&cfg.RawLogDir, "raw-log-dir", cfg.RawLogDir, "Directory for raw ingest logs")
	flag.IntVar(&cfg.IngestLogEvery, "ingest-log-every", cfg.IngestLogEvery, "Log every Nth ingest error")
	flag.BoolVar(&cfg.IngestFallback, "ingest-fallback", cfg.IngestFallback, "Fall back to the simulator when ingest fails")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	clip := types.ClipRange{Min: cfg.ClipMin, Max: cfg.ClipMax}
	if !clip.Valid() {
		logger.Fatal("invalid clip range", zap.Float64("min", cfg.ClipMin), zap.Float64("max", cfg.ClipMax))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	met := metrics.New(registry)

	var statusMu sync.Mutex
	status := map[string]any{
		"sensor":      "unknown",
		"stream":      "idle",
		"last_export": "",
	}
	setStatus := func(key string, value any) {
		statusMu.Lock()
		status[key] = value
		statusMu.Unlock()
	}

	var source pipeline.SourceControl
	var frames <-chan types.DepthFrame

	if cfg.Debug {
		ctrl := simulator.NewControl(types.ModeFor(cfg.Smoothed))
		source = ctrl
		frames = simulator.Stream(ctx, ctrl, cfg.DebugWidth, cfg.DebugHeight, cfg.DebugAcqRate)
		setStatus("sensor", "simulator")
		setStatus("stream", "receiving")
	} else {
		client := sensorctl.New(cfg.SensorBaseURL, cfg.SensorAPIVersion, logger)
		source = client

		if cfg.Smoothed {
			ok, err := client.Supports(ctx, types.ModeSmoothed)
			if err != nil {
				logger.Warn("capability check failed, assuming raw only", zap.Error(err))
				ok = false
			}
			if !ok {
				logger.Warn("smoothed depth unavailable on this sensor, starting raw")
				cfg.Smoothed = false
			}
		}
		if err := client.Configure(ctx, types.ModeFor(cfg.Smoothed)); err != nil {
			logger.Warn("sensor configure failed", zap.Error(err))
		}
		if err := client.Start(ctx); err != nil {
			logger.Warn("sensor start failed", zap.Error(err))
		}

		var recorder ingest.RawRecorder
		if cfg.RawLogEnabled {
			writer, err := output.NewRawLogWriter(cfg.RawLogDir, "raw_cbor")
			if err != nil {
				logger.Fatal("failed to start raw log", zap.Error(err))
			}
			logger.Info("recording raw ingest", zap.String("path", writer.Path()))
			recorder = writer
			go func() {
				<-ctx.Done()
				if err := writer.Close(); err != nil {
					logger.Warn("raw log close failed", zap.Error(err))
				}
			}()
		}

		ch, err := ingest.Stream(ctx, cfg.Endpoint, logger, ingest.Options{
			LogEvery: cfg.IngestLogEvery,
			Recorder: recorder,
			Metrics:  met,
		})
		if err != nil {
			if !cfg.IngestFallback {
				logger.Fatal("failed to start ingest", zap.Error(err))
			}
			logger.Warn("failed to start ingest, falling back to simulator", zap.Error(err))
			ctrl := simulator.NewControl(types.ModeFor(cfg.Smoothed))
			source = ctrl
			ch = simulator.Stream(ctx, ctrl, cfg.DebugWidth, cfg.DebugHeight, cfg.DebugAcqRate)
			setStatus("sensor", "simulator")
		} else {
			setStatus("sensor", "stream")
			go client.Poll(ctx, cfg.SensorPoll, func(update sensorctl.Status) {
				setStatus("sensor", update.Sensor)
				setStatus("stream", update.Stream)
			})
		}
		frames = ch
	}

	pipe, err := pipeline.New(clip, cfg.Workers, cfg.Smoothed, source, logger, met)
	if err != nil {
		logger.Fatal("pipeline", zap.Error(err))
	}
	go pipe.Run(ctx, frames)

	exportFn := func() (string, error) {
		path, err := output.SavePNG(cfg.ExportDir, pipe.Latest())
		switch {
		case err == nil:
			met.ExportsTotal.WithLabelValues(metrics.ExportOK).Inc()
			setStatus("last_export", time.Now().Format(time.RFC3339))
			logger.Info("exported frame", zap.String("path", path))
		case errors.Is(err, output.ErrPersistenceDenied):
			met.ExportsTotal.WithLabelValues(metrics.ExportDenied).Inc()
		default:
			met.ExportsTotal.WithLabelValues(metrics.ExportFailed).Inc()
		}
		return path, err
	}

	statusFn := func() map[string]any {
		statusMu.Lock()
		out := make(map[string]any, len(status)+2)
		for k, v := range status {
			out[k] = v
		}
		statusMu.Unlock()
		out["smoothing"] = pipe.Smoothing()
		out["mode"] = string(pipe.Mode())
		return out
	}

	logger.Info("starting web UI", zap.Int("port", cfg.Port))
	if err := server.Run(ctx, cfg, pipe, exportFn, statusFn, registry, logger); err != nil {
		logger.Info("server stopped", zap.Error(err))
	}
}
