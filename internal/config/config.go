// Package config loads the library's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Backends and remote kinds accepted in a config file.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"

	RemoteMemory = "memory"
	RemoteGDrive = "gdrive"
	RemoteGCS    = "gcs"
)

// Config is the full configuration of one library instance.
type Config struct {
	// DataDir holds one database per account.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Backend selects the local key-value substrate.
	Backend string `yaml:"backend" validate:"oneof=sqlite badger"`

	// Pruning deletes event records superseded in a temporal index.
	Pruning bool `yaml:"pruning"`

	Sync   SyncConfig   `yaml:"sync"`
	Remote RemoteConfig `yaml:"remote"`
	Log    LogConfig    `yaml:"log"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	FragmentLimit       int     `yaml:"fragment_limit" validate:"gte=1"`
	DownloadConcurrency int     `yaml:"download_concurrency" validate:"gte=1,lte=64"`
	RequestsPerSecond   float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst               int     `yaml:"burst" validate:"gte=1"`
	RootFolder          string  `yaml:"root_folder"`
}

// RemoteConfig selects and configures the remote drive.
type RemoteConfig struct {
	Kind string `yaml:"kind" validate:"oneof=memory gdrive gcs"`

	// CredentialsFile is a service account or OAuth client JSON file.
	// Empty uses application default credentials.
	CredentialsFile string `yaml:"credentials_file"`

	// AppDataFolder keeps Google Drive files in the hidden app folder.
	AppDataFolder bool `yaml:"app_data_folder"`

	Bucket string `yaml:"bucket" validate:"required_if=Kind gcs"`
	Prefix string `yaml:"prefix"`
}

// LogConfig configures logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=text json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

var validate = validator.New()

// Default returns the configuration used for fields a file leaves out.
func Default() Config {
	return Config{
		DataDir: "data",
		Backend: BackendSQLite,
		Sync: SyncConfig{
			FragmentLimit:       32,
			DownloadConcurrency: 6,
			RequestsPerSecond:   10,
			Burst:               6,
		},
		Remote: RemoteConfig{Kind: RemoteMemory},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
// Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
