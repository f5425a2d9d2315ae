package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables consumed at startup.
const (
	EnvSharedDevices = "SERVING_SHARED_DEVICES"
	EnvModelStore    = "SERVING_MODEL_STORE"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by defaults downstream:
// main fills the address, device kind and default engine, and the
// workload manager's config fills the batching, queue and memory values.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// ModelStore is the filesystem root scanned for startup models.
	ModelStore string `json:"model_store" yaml:"model_store" toml:"model_store"`
	// LoadModels selects startup models: "ALL" scans the store, "NONE"
	// disables, otherwise a comma/space separated list of store URLs.
	LoadModels string `json:"load_models" yaml:"load_models" toml:"load_models"`

	// DeviceKind is the accelerator kind this process serves on
	// ("gpu", "accelerator" or "cpu"); DeviceCount the pool size.
	DeviceKind  string `json:"device_kind" yaml:"device_kind" toml:"device_kind"`
	DeviceCount int    `json:"device_count" yaml:"device_count" toml:"device_count"`
	// SharedDevices bounds shared use of high-index devices: an integer
	// count or a float ratio in (0,1]; empty admits all.
	SharedDevices string `json:"shared_devices" yaml:"shared_devices" toml:"shared_devices"`

	DefaultEngine   string `json:"default_engine" yaml:"default_engine" toml:"default_engine"`
	BatchSize       int    `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	MaxBatchDelayMS int    `json:"max_batch_delay_ms" yaml:"max_batch_delay_ms" toml:"max_batch_delay_ms"`
	MaxIdleTimeMS   int    `json:"max_idle_time_ms" yaml:"max_idle_time_ms" toml:"max_idle_time_ms"`
	QueueCapacity   int    `json:"job_queue_size" yaml:"job_queue_size" toml:"job_queue_size"`

	RequiredMemMB int `json:"required_memory_mb" yaml:"required_memory_mb" toml:"required_memory_mb"`
	ReservedMemMB int `json:"reserved_memory_mb" yaml:"reserved_memory_mb" toml:"reserved_memory_mb"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv(EnvSharedDevices); v != "" {
		cfg.SharedDevices = v
	}
	if v := os.Getenv(EnvModelStore); v != "" {
		cfg.ModelStore = v
	}
	return cfg
}
