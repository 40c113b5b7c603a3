// Package config loads the servicebusd configuration from TOML or YAML,
// applies SERVICEBUS_* environment overrides and converts the result into
// the options of the bus, the orchestration engine and the services.
package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/servicebus/bus"
	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/logging"
	"github.com/hupe1980/servicebus/orchestration"
	"github.com/hupe1980/servicebus/sensors"
	"github.com/hupe1980/servicebus/sensors/clearnet"
)

// Config is the complete daemon configuration.
type Config struct {
	Bus           BusConfig           `toml:"bus" yaml:"bus"`
	Orchestration OrchestrationConfig `toml:"orchestration" yaml:"orchestration"`
	Sensors       SensorsConfig       `toml:"sensors" yaml:"sensors"`
	HTTP          HTTPConfig          `toml:"http" yaml:"http"`
	Log           LogConfig           `toml:"log" yaml:"log"`
	// Properties are handed verbatim to every service on start.
	Properties map[string]string `toml:"properties" yaml:"properties"`
}

type BusConfig struct {
	ChannelCapacity    int      `toml:"channel_capacity" yaml:"channel_capacity"`
	DeadLetterCapacity int      `toml:"dead_letter_capacity" yaml:"dead_letter_capacity"`
	Workers            int      `toml:"workers" yaml:"workers"`
	MaxWorkers         int      `toml:"max_workers" yaml:"max_workers"`
	DispatchAttempts   int      `toml:"dispatch_attempts" yaml:"dispatch_attempts"`
	DispatchInterval   Duration `toml:"dispatch_interval" yaml:"dispatch_interval"`
	ShutdownTimeout    Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type OrchestrationConfig struct {
	DrainInterval      Duration `toml:"drain_interval" yaml:"drain_interval"`
	DrainWaits         int      `toml:"drain_waits" yaml:"drain_waits"`
	GracefulDrainWaits int      `toml:"graceful_drain_waits" yaml:"graceful_drain_waits"`
}

type SensorsConfig struct {
	// Registered lists the sensors to start, e.g. ["clearnet"].
	Registered []string       `toml:"registered" yaml:"registered"`
	Clearnet   ClearnetConfig `toml:"clearnet" yaml:"clearnet"`
}

type ClearnetConfig struct {
	Listen       string   `toml:"listen" yaml:"listen"`
	Timeout      Duration `toml:"timeout" yaml:"timeout"`
	ReplyTimeout Duration `toml:"reply_timeout" yaml:"reply_timeout"`
	CORSOrigins  []string `toml:"cors_origins" yaml:"cors_origins"`
	// Retries caps outbound attempts per envelope. Zero keeps the default.
	Retries int `toml:"retries" yaml:"retries"`
}

// HTTPConfig configures the admin API. An empty Listen disables it.
type HTTPConfig struct {
	Listen      string   `toml:"listen" yaml:"listen"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
}

type LogConfig struct {
	// Backend is "slog" or "zerolog".
	Backend string `toml:"backend" yaml:"backend"`
	Level   string `toml:"level" yaml:"level"`
	// Format is "json", "text" or, for zerolog, "console".
	Format string `toml:"format" yaml:"format"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	pool := bus.DefaultPoolConfig()
	return Config{
		Bus: BusConfig{
			ChannelCapacity:    1024,
			DeadLetterCapacity: 256,
			Workers:            pool.Workers,
			MaxWorkers:         pool.MaxWorkers,
			DispatchAttempts:   pool.Dispatch.Attempts,
			DispatchInterval:   Duration{pool.Dispatch.Interval},
			ShutdownTimeout:    Duration{pool.ShutdownTimeout},
		},
		Orchestration: OrchestrationConfig{
			DrainInterval:      Duration{3 * time.Second},
			DrainWaits:         1,
			GracefulDrainWaits: 10,
		},
		Sensors: SensorsConfig{
			Registered: []string{sensors.Clearnet},
			Clearnet: ClearnetConfig{
				Timeout:      Duration{30 * time.Second},
				ReplyTimeout: Duration{30 * time.Second},
			},
		},
		Log: LogConfig{
			Backend: "zerolog",
			Level:   "info",
			Format:  "console",
		},
		Properties: map[string]string{},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Bus.ChannelCapacity < 1:
		return invalid("bus.channel_capacity must be positive")
	case c.Bus.DeadLetterCapacity < 1:
		return invalid("bus.dead_letter_capacity must be positive")
	case c.Bus.Workers < 1:
		return invalid("bus.workers must be positive")
	case c.Bus.MaxWorkers != 0 && c.Bus.MaxWorkers < c.Bus.Workers:
		return invalid("bus.max_workers must not be below bus.workers")
	case c.Bus.DispatchAttempts < 1:
		return invalid("bus.dispatch_attempts must be positive")
	case c.Bus.DispatchInterval.Duration < 0:
		return invalid("bus.dispatch_interval must not be negative")
	case c.Orchestration.DrainWaits < 1 || c.Orchestration.GracefulDrainWaits < 1:
		return invalid("orchestration drain waits must be positive")
	}
	for _, id := range c.Sensors.Registered {
		if strings.TrimSpace(id) == "" || strings.Contains(id, ",") {
			return invalid(fmt.Sprintf("sensors.registered entry %q is not a sensor id", id))
		}
	}
	switch c.Log.Backend {
	case "slog", "zerolog":
	default:
		return invalid(fmt.Sprintf("log.backend %q must be slog or zerolog", c.Log.Backend))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return invalid(fmt.Sprintf("log.level %q is unknown", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text", "console":
	default:
		return invalid(fmt.Sprintf("log.format %q must be json, text or console", c.Log.Format))
	}
	return nil
}

// BusConfig converts the bus section.
func (c Config) BusConfig() bus.Config {
	cfg := bus.DefaultConfig()
	cfg.ChannelCapacity = c.Bus.ChannelCapacity
	cfg.DeadLetterCapacity = c.Bus.DeadLetterCapacity
	cfg.Pool.Workers = c.Bus.Workers
	cfg.Pool.MaxWorkers = c.Bus.MaxWorkers
	cfg.Pool.Dispatch = retry.Fixed(c.Bus.DispatchAttempts, c.Bus.DispatchInterval.Duration)
	if c.Bus.ShutdownTimeout.Duration > 0 {
		cfg.Pool.ShutdownTimeout = c.Bus.ShutdownTimeout.Duration
	}
	return cfg
}

// OrchestrationOptions returns an option applying the orchestration section.
func (c Config) OrchestrationOptions() func(o *orchestration.Options) {
	return func(o *orchestration.Options) {
		o.DrainInterval = c.Orchestration.DrainInterval.Duration
		o.DrainWaits = c.Orchestration.DrainWaits
		o.GracefulDrainWaits = c.Orchestration.GracefulDrainWaits
	}
}

// ServiceProperties flattens the sensors section over the free-form
// properties into the set handed to services on start.
func (c Config) ServiceProperties() core.Properties {
	props := core.Properties{}
	for k, v := range c.Properties {
		props[k] = v
	}
	props[sensors.PropertyRegistered] = strings.Join(c.Sensors.Registered, ",")
	if c.Sensors.Clearnet.Listen != "" {
		props[clearnet.PropertyListen] = c.Sensors.Clearnet.Listen
	}
	if d := c.Sensors.Clearnet.Timeout.Duration; d > 0 {
		props[clearnet.PropertyTimeout] = d.String()
	}
	if d := c.Sensors.Clearnet.ReplyTimeout.Duration; d > 0 {
		props[clearnet.PropertyReplyTimeout] = d.String()
	}
	if len(c.Sensors.Clearnet.CORSOrigins) > 0 {
		props[clearnet.PropertyCORSOrigins] = strings.Join(c.Sensors.Clearnet.CORSOrigins, ",")
	}
	if n := c.Sensors.Clearnet.Retries; n > 0 {
		props[clearnet.PropertyRetries] = strconv.Itoa(n)
	}
	return props
}

// Logger builds the configured logger writing to out.
func (c Config) Logger(out io.Writer, app string) logging.Logger {
	level, _ := logging.ParseLevel(c.Log.Level)
	if c.Log.Backend == "slog" {
		format := c.Log.Format
		if format == "console" {
			format = "text"
		}
		cfg := logging.DefaultLoggerConfig()
		cfg.Level = level
		cfg.Format = format
		cfg.Output = out
		cfg.AddSource = false
		cfg.Component = app
		return logging.NewLogger(cfg)
	}
	if c.Log.Format == "console" {
		return logging.NewConsoleLogger(out, app, level)
	}
	return logging.NewJSONLogger(out, app, level)
}

func parseInt(key, raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalid(fmt.Sprintf("%s: %q is not an integer", key, raw))
	}
	return v, nil
}
