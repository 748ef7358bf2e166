// Package config handles configuration loading for the findviz server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Datasets []DatasetConfig `yaml:"datasets"`
	Cache    CacheConfig     `yaml:"cache"`
	Render   RenderConfig    `yaml:"render"`
	Analysis AnalysisConfig  `yaml:"analysis"`
	Title    string          `yaml:"title"`
	Default  string          `yaml:"default_dataset"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig declares one dataset's files. Functional is required;
// everything else is optional.
type DatasetConfig struct {
	ID         string `yaml:"id"`
	Functional string `yaml:"functional"` // .nii / .nii.gz, 3-D or 4-D
	Anatomical string `yaml:"anatomical"`
	Mask       string `yaml:"mask"`
	LeftGii    string `yaml:"left_gii"`  // .func.gii, left hemisphere
	RightGii   string `yaml:"right_gii"` // .func.gii, right hemisphere
	TileDBPath string `yaml:"tiledb_path"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	SliceSizeMB     int `yaml:"slice_size_mb"`
	SliceTTLMinutes int `yaml:"slice_ttl_minutes"`
	QueryEntries    int `yaml:"query_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Scale           int    `yaml:"scale"`
	DefaultColormap string `yaml:"default_colormap"`
}

// AnalysisConfig contains analysis job settings.
type AnalysisConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Datasets: []DatasetConfig{
			{
				ID:         "sub-01",
				Functional: "./data/sub-01_task-rest_bold.nii.gz",
				Anatomical: "./data/sub-01_T1w.nii.gz",
				Mask:       "./data/sub-01_brainmask.nii.gz",
			},
		},
		Cache: CacheConfig{
			SliceSizeMB:     256,
			SliceTTLMinutes: 10,
			QueryEntries:    4096,
		},
		Render: RenderConfig{
			Scale:           4,
			DefaultColormap: "viridis",
		},
		Analysis: AnalysisConfig{
			SQLitePath:    "./data/analysis.db",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
		Default: "sub-01",
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Datasets) == 0 {
		cfg.Datasets = defaults.Datasets
	}
	if cfg.Cache.SliceSizeMB == 0 {
		cfg.Cache.SliceSizeMB = defaults.Cache.SliceSizeMB
	}
	if cfg.Cache.SliceTTLMinutes == 0 {
		cfg.Cache.SliceTTLMinutes = defaults.Cache.SliceTTLMinutes
	}
	if cfg.Cache.QueryEntries == 0 {
		cfg.Cache.QueryEntries = defaults.Cache.QueryEntries
	}
	if cfg.Render.Scale == 0 {
		cfg.Render.Scale = defaults.Render.Scale
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Analysis.SQLitePath == "" {
		cfg.Analysis.SQLitePath = defaults.Analysis.SQLitePath
	}
	if cfg.Analysis.MaxConcurrent == 0 {
		cfg.Analysis.MaxConcurrent = defaults.Analysis.MaxConcurrent
	}
	if cfg.Analysis.RetentionDays == 0 {
		cfg.Analysis.RetentionDays = defaults.Analysis.RetentionDays
	}
	if cfg.Default == "" && len(cfg.Datasets) > 0 {
		cfg.Default = cfg.Datasets[0].ID
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Datasets))
	for i, ds := range cfg.Datasets {
		if ds.ID == "" {
			return fmt.Errorf("dataset %d: missing id", i)
		}
		if seen[ds.ID] {
			return fmt.Errorf("duplicate dataset id %q", ds.ID)
		}
		seen[ds.ID] = true
		if ds.Functional == "" {
			return fmt.Errorf("dataset %q: missing functional path", ds.ID)
		}
	}
	if cfg.Default != "" && !seen[cfg.Default] {
		return fmt.Errorf("default_dataset %q is not a configured dataset", cfg.Default)
	}
	return nil
}
