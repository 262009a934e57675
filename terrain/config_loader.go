package terrain

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns a configuration with every tunable at its default.
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			PublishPrefix: "terrainmesh",
			ClientID:      "terrainmesh",
		},
		Adjuster: DefaultAdjusterConfig(),
		LineFit:  DefaultLineFitConfig(),
		Parallel: 1,

		MinRealignInterval: DefaultMinRealignInterval,
	}
}

// LoadConfig loads the configuration from a YAML file. Missing fields keep
// their defaults and relative patch paths resolve against the file's
// directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	dir := filepath.Dir(path)
	for i := range config.Patches {
		if f := config.Patches[i].File; f != "" && !filepath.IsAbs(f) {
			config.Patches[i].File = filepath.Join(dir, f)
		}
	}

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateConfig checks patch and pair references and the numeric settings.
func ValidateConfig(config *Config) error {
	if len(config.Patches) == 0 {
		return fmt.Errorf("at least one patch must be defined")
	}

	seen := make(map[string]bool, len(config.Patches))
	for i, ps := range config.Patches {
		if ps.ID == "" {
			return fmt.Errorf("patches[%d].id is required", i)
		}
		if ps.File == "" && ps.URL == "" {
			return fmt.Errorf("patches[%d].file or url is required for %s", i, ps.ID)
		}
		if seen[ps.ID] {
			return fmt.Errorf("patches[%d]: duplicate id %s", i, ps.ID)
		}
		seen[ps.ID] = true
	}

	for i, pc := range config.Pairs {
		if !seen[pc.Fixed] {
			return fmt.Errorf("pairs[%d].fixed: unknown patch %q", i, pc.Fixed)
		}
		if !seen[pc.Moving] {
			return fmt.Errorf("pairs[%d].moving: unknown patch %q", i, pc.Moving)
		}
		if pc.Fixed == pc.Moving {
			return fmt.Errorf("pairs[%d]: fixed and moving are both %s", i, pc.Fixed)
		}
	}

	adj := config.Adjuster
	if adj.BoundHalfWidth <= 0 {
		return fmt.Errorf("adjuster.boundHalfWidth must be positive")
	}
	switch adj.Residual {
	case "", ResidualNearestHeight, ResidualInterpolatedHeight:
	default:
		return fmt.Errorf("adjuster.residual: unknown mode %q", adj.Residual)
	}
	if adj.Solver.Fast.MaxIterations < 1 || adj.Solver.Precise.MaxIterations < 1 {
		return fmt.Errorf("adjuster.solver: maxIterations must be at least 1")
	}

	if config.MinRealignInterval < 0 {
		return fmt.Errorf("minRealignInterval must not be negative")
	}

	if config.LineFit.Threshold <= 0 {
		return fmt.Errorf("lineFit.threshold must be positive")
	}
	if p := config.LineFit.Probability; p <= 0 || p >= 1 {
		return fmt.Errorf("lineFit.probability must be in (0, 1)")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
