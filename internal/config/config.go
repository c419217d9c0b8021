// Package config loads the server configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/kv"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

type Config struct {
	Listen         string   `yaml:"listen" validate:"required,hostname_port"`
	Storage        Storage  `yaml:"storage"`
	SaveDebounceMs int      `yaml:"save_debounce_ms" validate:"gte=0,lte=600000"`
	Limits         Limits   `yaml:"limits"`
	Defaults       Defaults `yaml:"defaults"`
	AreasFile      string   `yaml:"areas_file"`
	JournalDir     string   `yaml:"journal_dir"`
	Mirror         Mirror   `yaml:"mirror"`
	// AdminHTTP enables the loopback-only admin endpoints.
	AdminHTTP bool `yaml:"admin_http"`
}

type Storage struct {
	Driver     string `yaml:"driver" validate:"oneof=sqlite badger postgres memory"`
	Path       string `yaml:"path" validate:"required_if=Driver sqlite,required_if=Driver badger"`
	DSN        string `yaml:"dsn" validate:"required_if=Driver postgres"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type Limits struct {
	ZMin         float64 `yaml:"z_min"`
	ZMax         float64 `yaml:"z_max" validate:"gtfield=ZMin"`
	MaxGroupSize int     `yaml:"max_group_size" validate:"gte=1"`
}

type Defaults struct {
	EnableDuplicateDetection bool `yaml:"enable_duplicate_detection"`
	EnableLimitDetection     bool `yaml:"enable_limit_detection"`
	EnableAutoSave           bool `yaml:"enable_auto_save"`
}

type Mirror struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket" validate:"required_if=Enabled true"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default is the configuration used when no file is given.
func Default() Config {
	lim := validation.DefaultLimits()
	def := workspace.DefaultSettings()
	return Config{
		Listen: "127.0.0.1:8080",
		Storage: Storage{
			Driver: kv.DriverSQLite,
			Path:   "data/workspace.db",
		},
		SaveDebounceMs: 2000,
		Limits: Limits{
			ZMin:         lim.ZMin,
			ZMax:         lim.ZMax,
			MaxGroupSize: lim.MaxGroupSize,
		},
		Defaults: Defaults{
			EnableDuplicateDetection: def.EnableDuplicateDetection,
			EnableLimitDetection:     def.EnableLimitDetection,
			EnableAutoSave:           def.EnableAutoSave,
		},
		Mirror: Mirror{Prefix: "workspace"},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Listen = strings.TrimSpace(c.Listen)
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = kv.DriverSQLite
	}
	c.AreasFile = strings.TrimSpace(c.AreasFile)
	c.JournalDir = strings.TrimSpace(c.JournalDir)
	c.Mirror.Prefix = strings.Trim(strings.TrimSpace(c.Mirror.Prefix), "/")
	if c.Mirror.Prefix == "" {
		c.Mirror.Prefix = "workspace"
	}
	if c.Limits.MaxGroupSize == 0 {
		c.Limits.MaxGroupSize = validation.DefaultMaxGroupSize
	}
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) SaveWindow() time.Duration {
	return time.Duration(c.SaveDebounceMs) * time.Millisecond
}

func (c Config) ValidationLimits() validation.Limits {
	return validation.Limits{ZMin: c.Limits.ZMin, ZMax: c.Limits.ZMax, MaxGroupSize: c.Limits.MaxGroupSize}
}

func (c Config) Settings() workspace.Settings {
	return workspace.Settings{
		EnableDuplicateDetection: c.Defaults.EnableDuplicateDetection,
		EnableLimitDetection:     c.Defaults.EnableLimitDetection,
		EnableAutoSave:           c.Defaults.EnableAutoSave,
	}
}

func (c Config) KV() kv.Config {
	return kv.Config{
		Driver:     c.Storage.Driver,
		Path:       c.Storage.Path,
		DSN:        c.Storage.DSN,
		SyncWrites: c.Storage.SyncWrites,
	}
}
