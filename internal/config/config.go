package config

import "time"

// AppConfig holds the runtime configuration. Defaults come from env vars
// (DEPTHVIEW_*); cmd/depthview layers flag overrides on top.
type AppConfig struct {
	Port             int           `env:"DEPTHVIEW_PORT" envDefault:"8890"`
	Endpoint         string        `env:"DEPTHVIEW_ENDPOINT" envDefault:"tcp://localhost:31002"`
	SensorBaseURL    string        `env:"DEPTHVIEW_SENSOR_URL"`
	SensorAPIVersion string        `env:"DEPTHVIEW_SENSOR_API_VERSION" envDefault:"1.0"`
	SensorPoll       time.Duration `env:"DEPTHVIEW_SENSOR_POLL" envDefault:"1s"`

	Workers  int     `env:"DEPTHVIEW_WORKERS" envDefault:"2"`
	ClipMin  float64 `env:"DEPTHVIEW_CLIP_MIN" envDefault:"0"`
	ClipMax  float64 `env:"DEPTHVIEW_CLIP_MAX" envDefault:"5"`
	Smoothed bool    `env:"DEPTHVIEW_SMOOTHED"`

	UIRate    time.Duration `env:"DEPTHVIEW_UI_RATE" envDefault:"100ms"`
	ExportDir string        `env:"DEPTHVIEW_EXPORT_DIR" envDefault:"export"`

	Debug        bool    `env:"DEPTHVIEW_DEBUG"`
	DebugWidth   int     `env:"DEPTHVIEW_DEBUG_WIDTH" envDefault:"192"`
	DebugHeight  int     `env:"DEPTHVIEW_DEBUG_HEIGHT" envDefault:"256"`
	DebugAcqRate float64 `env:"DEPTHVIEW_DEBUG_ACQ_RATE" envDefault:"30"`

	RawLogEnabled  bool   `env:"DEPTHVIEW_RAW_LOG"`
	RawLogDir      string `env:"DEPTHVIEW_RAW_LOG_DIR" envDefault:"rawlog"`
	IngestLogEvery int    `env:"DEPTHVIEW_INGEST_LOG_EVERY" envDefault:"100"`
	IngestFallback bool   `env:"DEPTHVIEW_INGEST_FALLBACK" envDefault:"true"`
}
