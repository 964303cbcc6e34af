// Package config loads service settings from an optional TOML file and the
// environment. Settings are read once at startup.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Model      ModelConfig      `toml:"model"`
	Preprocess PreprocessConfig `toml:"preprocess"`
	Logging    LoggingConfig    `toml:"logging"`
	Tracing    TracingConfig    `toml:"tracing"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr" env:"LISTEN_ADDR"`
	// Port, when set, replaces the port of ListenAddr.
	Port string `toml:"-" env:"PORT"`
	// Workers bounds concurrent predictions; 0 picks min(2*cores+1, MaxWorkers).
	Workers         int    `toml:"workers" env:"WORKERS"`
	MaxWorkers      int    `toml:"max_workers" env:"MAX_WORKERS"`
	EnableCORS      bool   `toml:"enable_cors" env:"ENABLE_CORS"`
	ReadTimeout     string `toml:"read_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	IdleTimeout     string `toml:"idle_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`

	ReadTimeoutD     time.Duration `toml:"-"`
	WriteTimeoutD    time.Duration `toml:"-"`
	IdleTimeoutD     time.Duration `toml:"-"`
	ShutdownTimeoutD time.Duration `toml:"-"`
}

type ModelConfig struct {
	Architecture   string   `toml:"architecture" env:"MODEL_NAME"`
	WeightsPath    string   `toml:"weights_path" env:"MODEL_PATH"`
	Labels         []string `toml:"labels" env:"CLASS_NAMES"`
	Device         string   `toml:"device" env:"DEVICE"`
	IntraOpThreads int      `toml:"intra_op_threads" env:"INTRA_OP_THREADS"`
	RuntimeLibrary string   `toml:"runtime_library" env:"ONNXRUNTIME_LIB"`
}

type PreprocessConfig struct {
	ImageSize      int       `toml:"image_size" env:"IMAGE_SIZE"`
	Mean           []float32 `toml:"mean"`
	Std            []float32 `toml:"std"`
	MaxUploadBytes int64     `toml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	MaxPixels      int64     `toml:"max_pixels" env:"MAX_PIXELS"`
}

type LoggingConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"`
}

type TracingConfig struct {
	Enabled     bool   `toml:"enabled" env:"OTEL_ENABLED"`
	Endpoint    string `toml:"endpoint" env:"OTEL_ENDPOINT"`
	ServiceName string `toml:"service_name" env:"OTEL_SERVICE_NAME"`
}

func Default() *Config {
	opts := preprocess.DefaultOptions()

	return &Config{
		Server: ServerConfig{
			ListenAddr:      "0.0.0.0:7860",
			MaxWorkers:      4,
			EnableCORS:      true,
			ReadTimeout:     "120s",
			WriteTimeout:    "120s",
			IdleTimeout:     "5s",
			ShutdownTimeout: "30s",
		},
		Model: ModelConfig{
			Architecture: string(model.EfficientNetB0),
			WeightsPath:  "efficientnet_finetuned_final.onnx",
			Labels:       append([]string(nil), model.DefaultLabels...),
			Device:       string(model.DeviceCPU),
		},
		Preprocess: PreprocessConfig{
			ImageSize:      opts.Size,
			Mean:           opts.Mean[:],
			Std:            opts.Std[:],
			MaxUploadBytes: 5 * 1024 * 1024,
			MaxPixels:      opts.MaxPixels,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "mri-api",
		},
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// any), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if _, err := toml.Decode(string(data), c); err != nil {
		return fmt.Errorf("decode TOML: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the current values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) postProcess() error {
	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout, &c.Server.ReadTimeoutD},
		{"server.write_timeout", c.Server.WriteTimeout, &c.Server.WriteTimeoutD},
		{"server.idle_timeout", c.Server.IdleTimeout, &c.Server.IdleTimeoutD},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout, &c.Server.ShutdownTimeoutD},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.out = v
	}

	if c.Server.Port != "" {
		host := c.Server.ListenAddr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		c.Server.ListenAddr = host + ":" + c.Server.Port
	}

	var err error
	if c.Model.WeightsPath, err = expandPath(c.Model.WeightsPath); err != nil {
		return fmt.Errorf("expand model.weights_path: %w", err)
	}
	if c.Model.RuntimeLibrary, err = expandPath(c.Model.RuntimeLibrary); err != nil {
		return fmt.Errorf("expand model.runtime_library: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	arch, err := model.ParseArchitecture(c.Model.Architecture)
	if err != nil {
		return err
	}
	if _, err := model.ParseDevice(c.Model.Device); err != nil {
		return err
	}
	if c.Model.WeightsPath == "" {
		return fmt.Errorf("model.weights_path is required")
	}
	if len(c.Model.Labels) == 0 {
		return fmt.Errorf("model.labels must not be empty")
	}
	if len(c.Model.Labels) != arch.NumClasses() {
		return fmt.Errorf("model.labels has %d entries, %s has %d classes",
			len(c.Model.Labels), arch, arch.NumClasses())
	}
	if c.Model.IntraOpThreads < 0 {
		return fmt.Errorf("model.intra_op_threads cannot be negative, got %d", c.Model.IntraOpThreads)
	}

	if c.Preprocess.ImageSize != arch.InputSize() {
		return fmt.Errorf("preprocess.image_size %d does not match %s input size %d",
			c.Preprocess.ImageSize, arch, arch.InputSize())
	}
	if len(c.Preprocess.Mean) != 3 || len(c.Preprocess.Std) != 3 {
		return fmt.Errorf("preprocess.mean and preprocess.std need 3 values, got %d and %d",
			len(c.Preprocess.Mean), len(c.Preprocess.Std))
	}
	for i, s := range c.Preprocess.Std {
		if s == 0 || math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return fmt.Errorf("preprocess.std[%d] must be finite and non-zero, got %v", i, s)
		}
	}
	if c.Preprocess.MaxUploadBytes <= 0 {
		return fmt.Errorf("preprocess.max_upload_bytes must be positive, got %d", c.Preprocess.MaxUploadBytes)
	}

	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers cannot be negative, got %d", c.Server.Workers)
	}
	if c.Server.MaxWorkers < 1 {
		return fmt.Errorf("server.max_workers must be at least 1, got %d", c.Server.MaxWorkers)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

// WorkerCount is the number of predictions allowed in flight at once.
func (s ServerConfig) WorkerCount() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return min(2*runtime.NumCPU()+1, s.MaxWorkers)
}

// ModelSpec converts the model section. Call after Validate.
func (c *Config) ModelSpec() (model.Spec, error) {
	arch, err := model.ParseArchitecture(c.Model.Architecture)
	if err != nil {
		return model.Spec{}, err
	}
	device, err := model.ParseDevice(c.Model.Device)
	if err != nil {
		return model.Spec{}, err
	}
	return model.Spec{
		Architecture:   arch,
		WeightsPath:    c.Model.WeightsPath,
		Labels:         append([]string(nil), c.Model.Labels...),
		Device:         device,
		IntraOpThreads: c.Model.IntraOpThreads,
	}, nil
}

// PreprocessOptions converts the preprocess section. Call after Validate.
func (c *Config) PreprocessOptions() preprocess.Options {
	opts := preprocess.Options{
		Size:      c.Preprocess.ImageSize,
		MaxPixels: c.Preprocess.MaxPixels,
	}
	copy(opts.Mean[:], c.Preprocess.Mean)
	copy(opts.Std[:], c.Preprocess.Std)
	return opts
}

func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get user home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
