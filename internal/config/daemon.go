// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DaemonConfig representa a configuração completa do nchunkd.
type DaemonConfig struct {
	Logging    LoggingInfo           `yaml:"logging"`
	ScriptsDir string                `yaml:"scripts_dir"`
	WorkingDir string                `yaml:"working_dir"`
	Monitor    MonitorInfo           `yaml:"monitor"`
	Devices    map[string]DeviceInfo `yaml:"devices"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MonitorInfo configura o stats reporter periódico.
// Schedule é uma cron expression; vazio desabilita o reporter.
type MonitorInfo struct {
	Schedule string `yaml:"schedule"`
}

// DeviceInfo define um device nomeado: o backend e sua option string.
type DeviceInfo struct {
	Backend string `yaml:"backend"` // crud|s3
	Options string `yaml:"options"`
}

// LoadDaemonConfig lê e valida o arquivo YAML de configuração do daemon.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading daemon config: %w", err)
	}

	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating daemon config: %w", err)
	}

	return &cfg, nil
}

func (c *DaemonConfig) validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("devices must have at least one entry")
	}
	for name, dev := range c.Devices {
		switch dev.Backend {
		case "crud", "s3":
		case "":
			return fmt.Errorf("devices.%s.backend is required", name)
		default:
			return fmt.Errorf("devices.%s.backend must be crud or s3, got %q", name, dev.Backend)
		}
		if _, err := ParseDeviceOptions(dev.Options); err != nil {
			return fmt.Errorf("devices.%s.options: %w", name, err)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
