package config

import (
	"bytes"

	"github.com/jesseduffield/yaml"
)

// dump is the YAML-friendly projection of Config; durations are rendered
// in milliseconds since that's the unit the environment variables use.
type dump struct {
	CommandTimeoutMs  int64  `yaml:"commandTimeoutMs"`
	CleanupIntervalMs int64  `yaml:"cleanupIntervalMs"`
	TempFileMaxAgeMs  int64  `yaml:"tempFileMaxAgeMs"`
	TempDir           string `yaml:"tempDir"`
	Version           string `yaml:"version"`
	Debug             bool   `yaml:"debug"`
	StrictIsolation   bool   `yaml:"strictIsolation"`
}

// YAML renders the config the way `--print-config` displays it, mirroring
// main.go's `--config` flag in the teacher.
func (c Config) YAML() (string, error) {
	d := dump{
		CommandTimeoutMs:  c.CommandTimeout.Milliseconds(),
		CleanupIntervalMs: c.CleanupInterval.Milliseconds(),
		TempFileMaxAgeMs:  c.TempFileMaxAge.Milliseconds(),
		TempDir:           c.TempDir,
		Version:           c.Version,
		Debug:             c.Debug,
		StrictIsolation:   c.StrictIsolation,
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(d); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
