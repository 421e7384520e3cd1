// Package config provides configuration loading and validation for the service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration. It can be loaded from a YAML (or JSON)
// file and overlaid by environment variables.
type Config struct {
	// Storage
	DatabaseURL string `yaml:"database_url,omitempty" validate:"required_without=InMemory"` // PostgreSQL connection URL
	InMemory    bool   `yaml:"in_memory,omitempty"`                                        // Keep everything in process memory
	DataDir     string `yaml:"data_dir,omitempty"`                                         // Working areas and archives

	// HTTP
	Port          int   `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	MaxUploadSize int64 `yaml:"max_upload_size,omitempty" validate:"omitempty,min=1"` // Per-file limit in bytes

	// Validator
	Docker        string   `yaml:"docker,omitempty"`                            // docker binary
	Image         string   `yaml:"image,omitempty"`                             // validator image, tagged per distro
	Distros       []string `yaml:"distros,omitempty" validate:"dive,required"`  // image tags every group runs under
	CloudHost     string   `yaml:"cloud_host,omitempty" validate:"omitempty,url"`
	MirrorHost    string   `yaml:"mirror_host,omitempty" validate:"omitempty,url"`
	QueueCapacity int      `yaml:"queue_capacity,omitempty" validate:"omitempty,min=1"`

	// Recording decoder command line, run as `<command> header|replay|ghost|map`
	DecoderCommand string `yaml:"decoder_command,omitempty"`

	Catalog CatalogConfig `yaml:"catalog,omitempty"`

	Verbose bool `yaml:"verbose,omitempty"`
}

// CatalogConfig holds the map catalog credentials.
type CatalogConfig struct {
	CoreURL   string `yaml:"core_url,omitempty" validate:"omitempty,url"`
	LiveURL   string `yaml:"live_url,omitempty" validate:"omitempty,url"`
	Login     string `yaml:"login,omitempty" validate:"required_with=Password"`
	Password  string `yaml:"password,omitempty" validate:"required_with=Login"`
	UserAgent string `yaml:"user_agent,omitempty"`
}

// Defaults returns the configuration used for unset fields.
func Defaults() Config {
	return Config{
		DataDir:       "data",
		Port:          8080,
		MaxUploadSize: 8 << 20,
		Docker:        "docker",
		Image:         "bigbang1112/mania-server-manager",
		Distros:       []string{"noble", "plucky", "bookworm-slim", "alpine", "fedora"},
		QueueCapacity: 10,
		Catalog: CatalogConfig{
			CoreURL: "https://prod.trackmania.core.nadeo.online",
			LiveURL: "https://live-services.trackmania.nadeo.live",
		},
	}
}

// LoadConfig loads configuration from a YAML or JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("'%s' failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config error: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config error: %w", err)
	}

	seen := make(map[string]bool, len(c.Distros))
	for _, d := range c.Distros {
		if seen[d] {
			return fmt.Errorf("config error: distro %q is listed twice", d)
		}
		seen[d] = true
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.DataDir == "" {
		result.DataDir = defaults.DataDir
	}
	if result.Docker == "" {
		result.Docker = defaults.Docker
	}
	if result.Image == "" {
		result.Image = defaults.Image
	}
	if result.CloudHost == "" {
		result.CloudHost = defaults.CloudHost
	}
	if result.MirrorHost == "" {
		result.MirrorHost = defaults.MirrorHost
	}
	if result.DecoderCommand == "" {
		result.DecoderCommand = defaults.DecoderCommand
	}
	if len(result.Distros) == 0 {
		result.Distros = append([]string(nil), defaults.Distros...)
	}

	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.MaxUploadSize == 0 {
		result.MaxUploadSize = defaults.MaxUploadSize
	}
	if result.QueueCapacity == 0 {
		result.QueueCapacity = defaults.QueueCapacity
	}

	if result.Catalog.CoreURL == "" {
		result.Catalog.CoreURL = defaults.Catalog.CoreURL
	}
	if result.Catalog.LiveURL == "" {
		result.Catalog.LiveURL = defaults.Catalog.LiveURL
	}
	if result.Catalog.UserAgent == "" {
		result.Catalog.UserAgent = defaults.Catalog.UserAgent
	}

	// Bool fields cannot distinguish unset from false and are not merged.
	return result
}
