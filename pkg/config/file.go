package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// LoadFile overlays an optional warden.yaml onto cfg. Set fields in the
// file override cfg; ApplyEnv runs afterwards, so the precedence is
// env > file > defaults. A missing file is not an error.
func LoadFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	merged := cfg
	if err := mergo.Merge(&merged, overlay, mergo.WithOverride); err != nil {
		return cfg, fmt.Errorf("merge %s: %w", path, err)
	}
	return merged, nil
}
