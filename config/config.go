// Package config loads bridge settings from YAML with environment overrides.
package config

import (
	"bytes"
	stderrors "errors"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/native"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvDataDir  = "CARRIER_DATA_DIR"
	EnvUDP      = "CARRIER_UDP"
	EnvLogLevel = "CARRIER_LOG_LEVEL"
)

// Config is the top-level settings document.
type Config struct {
	DataDir string       `yaml:"dataDir" validate:"required"`
	Log     LogConfig    `yaml:"log"`
	Bridge  BridgeConfig `yaml:"bridge"`

	// Node seeds every node's options. PersistentLocation is filled per
	// node from DataDir.
	Node native.Options `yaml:"node" validate:"-"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// BridgeConfig tunes the event router and correlation tables.
type BridgeConfig struct {
	Backlog            int           `yaml:"backlog" validate:"gte=0"`
	CorrelationTimeout time.Duration `yaml:"correlationTimeout" validate:"gte=0"`
	IterateInterval    time.Duration `yaml:"iterateInterval" validate:"gte=0"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		DataDir: "data/carrier",
		Log:     LogConfig{Level: "info"},
		Bridge: BridgeConfig{
			Backlog:         4096,
			IterateInterval: time.Second,
		},
		Node: native.Options{UDPEnabled: true},
	}
}

// Load reads path, applies environment overrides and validates the result.
// An empty path yields Default with overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.InvalidConfig("read "+path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return Config{}, errors.InvalidConfig("decode yaml", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvUDP); ok && v != "" {
		udp, err := strconv.ParseBool(v)
		if err != nil {
			return errors.InvalidConfig(EnvUDP+" must be a boolean", err)
		}
		c.Node.UDPEnabled = udp
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks the whole document, including node bootstraps.
func (c Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	for _, list := range [][]native.BootstrapNode{c.Node.Bootstraps, c.Node.ExpressNodes} {
		for _, b := range list {
			if err := validateStruct(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// Level returns the configured zap level.
func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel, errors.InvalidConfig("log level", err)
	}
	return lvl, nil
}
