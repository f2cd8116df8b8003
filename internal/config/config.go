// Package config handles configuration loading for the analytics server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Compute ComputeConfig `yaml:"compute"`
	Query   QueryConfig   `yaml:"query"`
	Quota   QuotaConfig   `yaml:"quota"`
	Cache   CacheConfig   `yaml:"cache"`
}

// ServerConfig contains HTTP server settings. CORSOrigins is an explicit
// allow-list; there is no wildcard mode.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig contains database paths.
type StorageConfig struct {
	FieldsPath string `yaml:"fields_path"`
	AuditPath  string `yaml:"audit_path"`
}

// ComputeConfig contains NDVI compute settings.
type ComputeConfig struct {
	Workers       int    `yaml:"workers"`
	TileSize      int    `yaml:"tile_size"`
	MaxRetries    int    `yaml:"max_retries"`
	Colormap      string `yaml:"colormap"`
	MaxGridPixels int    `yaml:"max_grid_pixels"`
}

// QueryConfig caps list and proximity query parameters.
type QueryConfig struct {
	MaxPageSize    int     `yaml:"max_page_size"`
	MaxRadiusM     float64 `yaml:"max_radius_m"`
	MaxNearbyLimit int     `yaml:"max_nearby_limit"`
	ExportPageSize int     `yaml:"export_page_size"`
}

// QuotaConfig sets per-class request budgets per fixed window.
type QuotaConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	Standard      int `yaml:"standard"`
	Heavy         int `yaml:"heavy"`
	Export        int `yaml:"export"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageSizeMB     int `yaml:"image_size_mb"`
	ImageTTLMinutes int `yaml:"image_ttl_minutes"`
	QuerySize       int `yaml:"query_size"`
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

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Storage: StorageConfig{
			FieldsPath: "./data/fields.db",
			AuditPath:  "./data/audit.db",
		},
		Compute: ComputeConfig{
			Workers:       4,
			TileSize:      256,
			MaxRetries:    2,
			Colormap:      "vegetation",
			MaxGridPixels: 64 * 1024 * 1024,
		},
		Query: QueryConfig{
			MaxPageSize:    500,
			MaxRadiusM:     50000,
			MaxNearbyLimit: 100,
			ExportPageSize: 100,
		},
		Quota: QuotaConfig{
			WindowSeconds: 60,
			Standard:      60,
			Heavy:         10,
			Export:        5,
		},
		Cache: CacheConfig{
			ImageSizeMB:     256,
			ImageTTLMinutes: 10,
			QuerySize:       1000,
		},
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
	if cfg.Storage.FieldsPath == "" {
		cfg.Storage.FieldsPath = defaults.Storage.FieldsPath
	}
	if cfg.Storage.AuditPath == "" {
		cfg.Storage.AuditPath = defaults.Storage.AuditPath
	}
	if cfg.Compute.Workers == 0 {
		cfg.Compute.Workers = defaults.Compute.Workers
	}
	if cfg.Compute.TileSize == 0 {
		cfg.Compute.TileSize = defaults.Compute.TileSize
	}
	if cfg.Compute.MaxRetries == 0 {
		cfg.Compute.MaxRetries = defaults.Compute.MaxRetries
	}
	if cfg.Compute.Colormap == "" {
		cfg.Compute.Colormap = defaults.Compute.Colormap
	}
	if cfg.Compute.MaxGridPixels == 0 {
		cfg.Compute.MaxGridPixels = defaults.Compute.MaxGridPixels
	}
	if cfg.Query.MaxPageSize == 0 {
		cfg.Query.MaxPageSize = defaults.Query.MaxPageSize
	}
	if cfg.Query.MaxRadiusM == 0 {
		cfg.Query.MaxRadiusM = defaults.Query.MaxRadiusM
	}
	if cfg.Query.MaxNearbyLimit == 0 {
		cfg.Query.MaxNearbyLimit = defaults.Query.MaxNearbyLimit
	}
	if cfg.Query.ExportPageSize == 0 {
		cfg.Query.ExportPageSize = defaults.Query.ExportPageSize
	}
	if cfg.Quota.WindowSeconds == 0 {
		cfg.Quota.WindowSeconds = defaults.Quota.WindowSeconds
	}
	if cfg.Quota.Standard == 0 {
		cfg.Quota.Standard = defaults.Quota.Standard
	}
	if cfg.Quota.Heavy == 0 {
		cfg.Quota.Heavy = defaults.Quota.Heavy
	}
	if cfg.Quota.Export == 0 {
		cfg.Quota.Export = defaults.Quota.Export
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.QuerySize == 0 {
		cfg.Cache.QuerySize = defaults.Cache.QuerySize
	}
}
