package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SERVICEBUS_"

// ErrInvalid classifies configuration that decodes but does not validate.
var ErrInvalid = errors.New("invalid configuration")

// Error describes a failed configuration operation.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

// Load reads the file at path over Default(), applies environment overrides
// and validates the result. An empty path loads the defaults only. The format
// follows the extension: .toml, .yaml or .yml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, &Error{Op: "config.env", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, &Error{Op: "config.validate", Path: path, Err: err}
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return &Error{Op: "config.read", Path: path, Err: err}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(b), cfg); err != nil {
			return &Error{Op: "config.decode_toml", Path: path, Err: err}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return &Error{Op: "config.decode_yaml", Path: path, Err: err}
		}
	default:
		return &Error{Op: "config.load", Path: path, Err: fmt.Errorf("%w: unsupported file extension %q", ErrInvalid, filepath.Ext(path))}
	}
	return nil
}

// ApplyEnv overrides settings from SERVICEBUS_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := parseInt(EnvPrefix+key, v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}

	str("LOG_BACKEND", &c.Log.Backend)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("HTTP_LISTEN", &c.HTTP.Listen)
	str("CLEARNET_LISTEN", &c.Sensors.Clearnet.Listen)
	list("SENSORS_REGISTERED", &c.Sensors.Registered)
	if err := num("BUS_WORKERS", &c.Bus.Workers); err != nil {
		return err
	}
	if err := num("BUS_MAX_WORKERS", &c.Bus.MaxWorkers); err != nil {
		return err
	}
	return num("BUS_CHANNEL_CAPACITY", &c.Bus.ChannelCapacity)
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
