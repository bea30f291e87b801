// Package config loads the receiver settings and detector profiles.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// AppConfig holds the runtime settings of std-udp-recv. Defaults come from
// STD_DAQ_* environment variables; command line flags override them.
type AppConfig struct {
	DetectorConfig string `env:"STD_DAQ_DETECTOR_CONFIG"`
	BindHost       string `env:"STD_DAQ_BIND_HOST" envDefault:"0.0.0.0"`
	// Port serves /healthz, /status, /config and /ws. 0 disables it.
	Port int `env:"STD_DAQ_HTTP_PORT" envDefault:"8888"`

	NotifyMode    string        `env:"STD_DAQ_NOTIFY_MODE" envDefault:"pub"`
	NotifyName    string        `env:"STD_DAQ_NOTIFY_NAME"`
	HighWaterMark int           `env:"STD_DAQ_HWM" envDefault:"100"`
	SendTimeout   time.Duration `env:"STD_DAQ_SEND_TIMEOUT" envDefault:"100ms"`
	AckRequired   bool          `env:"STD_DAQ_ACK_REQUIRED"`

	ClosePolicy  string        `env:"STD_DAQ_CLOSE_POLICY" envDefault:"reuse"`
	CloseLag     uint64        `env:"STD_DAQ_CLOSE_LAG" envDefault:"10"`
	CloseTimeout time.Duration `env:"STD_DAQ_CLOSE_TIMEOUT" envDefault:"1s"`

	RecvBuffer     int           `env:"STD_DAQ_RECV_BUFFER" envDefault:"67108864"`
	IngestLogEvery int           `env:"STD_DAQ_INGEST_LOG_EVERY" envDefault:"1000"`
	StatsInterval  time.Duration `env:"STD_DAQ_STATS_INTERVAL" envDefault:"10s"`
	CaptureDir     string        `env:"STD_DAQ_CAPTURE_DIR"`

	Debug        bool    `env:"STD_DAQ_DEBUG"`
	DebugAcqRate float64 `env:"STD_DAQ_DEBUG_RATE" envDefault:"10"`
}

// Load parses the environment, then args (without the program name).
func Load(args []string) (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse environment: %w", err)
	}

	fs := flag.NewFlagSet("std-udp-recv", flag.ContinueOnError)
	fs.StringVar(&cfg.DetectorConfig, "config", cfg.DetectorConfig, "Detector JSON config file")
	fs.StringVar(&cfg.BindHost, "host", cfg.BindHost, "Address the module sockets bind to")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP port for status and events (0 disables)")
	fs.StringVar(&cfg.NotifyMode, "notify", cfg.NotifyMode, "Notification mode: pub or push")
	fs.StringVar(&cfg.NotifyName, "notify-name", cfg.NotifyName, "IPC name under /tmp (defaults to detector_name)")
	fs.IntVar(&cfg.HighWaterMark, "hwm", cfg.HighWaterMark, "Notification socket high water mark")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Push mode: longest wait on a slow consumer")
	fs.BoolVar(&cfg.AckRequired, "ack", cfg.AckRequired, "Consumers acknowledge slots before reuse")
	fs.StringVar(&cfg.ClosePolicy, "close-policy", cfg.ClosePolicy, "Incomplete frame closing: reuse, lag or timeout")
	fs.Uint64Var(&cfg.CloseLag, "close-lag", cfg.CloseLag, "Lag policy: frames behind the newest before closing")
	fs.DurationVar(&cfg.CloseTimeout, "close-timeout", cfg.CloseTimeout, "Timeout policy: longest time a frame may fill")
	fs.IntVar(&cfg.RecvBuffer, "recv-buffer", cfg.RecvBuffer, "Kernel receive buffer per socket in bytes")
	fs.IntVar(&cfg.IngestLogEvery, "ingest-log-every", cfg.IngestLogEvery, "Log every Nth receive error")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Statistics reporting period")
	fs.StringVar(&cfg.CaptureDir, "capture-dir", cfg.CaptureDir, "Record raw datagrams to this directory")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Feed the receivers from the packet simulator")
	fs.Float64Var(&cfg.DebugAcqRate, "debug-rate", cfg.DebugAcqRate, "Simulated frames per second")
	if err := fs.Parse(args); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	if c.DetectorConfig == "" {
		return fmt.Errorf("detector config is required")
	}
	switch c.NotifyMode {
	case "pub", "push":
	default:
		return fmt.Errorf("unknown notify mode %q", c.NotifyMode)
	}
	if c.IngestLogEvery < 1 {
		return fmt.Errorf("ingest-log-every must be positive, got %d", c.IngestLogEvery)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats-interval must be positive, got %s", c.StatsInterval)
	}
	if c.Debug && c.DebugAcqRate <= 0 {
		return fmt.Errorf("debug-rate must be positive, got %v", c.DebugAcqRate)
	}
	return nil
}
