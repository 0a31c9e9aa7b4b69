package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the PDM command core's process configuration: how to reach
// the radio link, where pod shadows are persisted, default pod identity
// and alert settings, and the observability surfaces (logs, status
// server).
type Config struct {
	Radio       RadioConfig       `yaml:"radio"`
	Store       StoreConfig       `yaml:"store"`
	Pod         PodConfig         `yaml:"pod"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Logs        LogsConfig        `yaml:"logs"`
	StatusServer StatusServerConfig `yaml:"status_server"`
}

// RadioConfig addresses the external RadioLink contract (spec.md §4.3).
type RadioConfig struct {
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
}

// StoreConfig addresses the external persistent key-value store backing
// PodShadow (spec.md §1).
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// PodConfig carries the identity used to create a fresh PodShadow before
// activation (spec.md §3).
type PodConfig struct {
	IDLot     uint32 `yaml:"id_lot"`
	IDT       uint32 `yaml:"id_t"`
	UTCOffset int    `yaml:"utc_offset_minutes"`
}

// AlertsConfig carries the default alert thresholds activate_pod
// configures (spec.md §4.6).
type AlertsConfig struct {
	LowReservoirUnits *float64 `yaml:"low_reservoir_units"`
	ReplacePodMinutes *int     `yaml:"replace_pod_minutes"`
}

// LogsConfig controls the audit-trail writer (auditlog package).
type LogsConfig struct {
	Path          string `yaml:"path"`
	Level         string `yaml:"level"`
	RetentionDays int    `yaml:"retention_days"`
}

// StatusServerConfig controls the read-only HTTP status surface.
type StatusServerConfig struct {
	Port int `yaml:"port"`
}

// Load reads YAML configuration from path, overriding these defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Radio: RadioConfig{
			Address:     "127.0.0.1:8472",
			DialTimeout: 5 * time.Second,
			IOTimeout:   30 * time.Second,
		},
		Store: StoreConfig{
			Dir: "/data/pdm",
		},
		Logs: LogsConfig{
			Path:          "/data/logs",
			Level:         "info",
			RetentionDays: 30,
		},
		StatusServer: StatusServerConfig{
			Port: 8088,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
