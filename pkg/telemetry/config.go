package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config selects what a sbkube process records and where it goes.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn or error
	Format string // console or json

	// Output is stdout, stderr or a file path opened for appending.
	Output string

	EnableCaller bool
	NoColor      bool

	// TimeFormat is rfc3339, unix, unixms or kitchen. kitchen only
	// affects console output.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. With none spans are sampled but
	// never leave the process.
	Exporter string
	Endpoint string
	Insecure bool

	SamplingRate  float64
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus collectors and the scrape endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path when set.
	ListenAddress string
	Path          string
	Namespace     string

	// DurationBuckets are used by the run, node and persist histograms.
	DurationBuckets []float64
}

// EventsConfig configures lifecycle event delivery.
type EventsConfig struct {
	Enabled bool

	// EnableAsync queues up to BufferSize events for a background
	// goroutine instead of calling subscribers inline.
	EnableAsync bool
	BufferSize  int
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error"}
	logFormats    = []string{"console", "json"}
	logTimes      = []string{"", "rfc3339", "unix", "unixms", "kitchen"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs info to stderr, keeps metrics in-process, leaves
// tracing off and delivers events synchronously.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sbkube",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			Insecure:      true,
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Path:            "/metrics",
			Namespace:       "sbkube",
			DurationBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName != "", "service name is required")

	check(slices.Contains(logLevels, c.Logging.Level), "invalid log level %q", c.Logging.Level)
	check(slices.Contains(logFormats, c.Logging.Format), "invalid log format %q (want console or json)", c.Logging.Format)
	check(slices.Contains(logTimes, c.Logging.TimeFormat), "invalid log time format %q", c.Logging.TimeFormat)

	if c.Tracing.Enabled {
		check(slices.Contains(spanExporters, c.Tracing.Exporter), "invalid trace exporter %q", c.Tracing.Exporter)
		check(c.Tracing.Exporter != "otlp" || c.Tracing.Endpoint != "", "otlp exporter requires an endpoint")
	}
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1,
		"trace sampling rate must be within [0, 1], got %g", c.Tracing.SamplingRate)

	check(!c.Events.Enabled || !c.Events.EnableAsync || c.Events.BufferSize > 0,
		"async event buffer size must be positive, got %d", c.Events.BufferSize)

	return errors.Join(errs...)
}
