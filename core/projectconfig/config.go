package projectconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

const DefaultPath = ".tapcheck/config.yaml"

const (
	DefaultMaxDepth       = 8
	DefaultMaxMemberBytes = int64(100 * 1024 * 1024)
	DefaultMaxTotalBytes  = int64(512 * 1024 * 1024)
	DefaultCellMeters     = 50.0
	DefaultLogLevel       = "info"
)

type Config struct {
	Rules       RulesDefaults       `yaml:"rules"`
	SwitchStore SwitchStoreDefaults `yaml:"switch_store"`
	Unpack      UnpackDefaults      `yaml:"unpack"`
	Geo         GeoDefaults         `yaml:"geo"`
	Verify      VerifyDefaults      `yaml:"verify"`
	Log         LogDefaults         `yaml:"log"`
}

type RulesDefaults struct {
	Path string `yaml:"path"`
}

type SwitchStoreDefaults struct {
	Path string `yaml:"path"`
}

type UnpackDefaults struct {
	MaxDepth       int   `yaml:"max_depth"`
	MaxMemberBytes int64 `yaml:"max_member_bytes"`
	MaxTotalBytes  int64 `yaml:"max_total_bytes"`
}

type GeoDefaults struct {
	CellMeters      float64 `yaml:"cell_meters"`
	RequireLocation *bool   `yaml:"require_location"`
}

type VerifyDefaults struct {
	ExtractContainers *bool              `yaml:"extract_containers"`
	Expected          []ExpectedOverride `yaml:"expected"`
}

type ExpectedOverride struct {
	AssetClass string `yaml:"asset_class"`
	Context    string `yaml:"context"`
	Docsis     int    `yaml:"docsis"`
	Channel    int    `yaml:"channel"`
}

type LogDefaults struct {
	Level string `yaml:"level"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Default(), nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	if err := configuration.validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	var configuration Config
	configuration.normalize()
	return configuration
}

// RequireLocation reports whether a run without any valid geolocation is an observation.
func (configuration Config) RequireLocation() bool {
	if configuration.Geo.RequireLocation == nil {
		return true
	}
	return *configuration.Geo.RequireLocation
}

// ExtractContainers reports whether accepted archive members are written back as loose files.
func (configuration Config) ExtractContainers() bool {
	if configuration.Verify.ExtractContainers == nil {
		return true
	}
	return *configuration.Verify.ExtractContainers
}

func (configuration *Config) normalize() {
	configuration.Rules.Path = strings.TrimSpace(configuration.Rules.Path)
	configuration.SwitchStore.Path = strings.TrimSpace(configuration.SwitchStore.Path)
	if configuration.Unpack.MaxDepth <= 0 {
		configuration.Unpack.MaxDepth = DefaultMaxDepth
	}
	if configuration.Unpack.MaxMemberBytes <= 0 {
		configuration.Unpack.MaxMemberBytes = DefaultMaxMemberBytes
	}
	if configuration.Unpack.MaxTotalBytes <= 0 {
		configuration.Unpack.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if configuration.Geo.CellMeters <= 0 {
		configuration.Geo.CellMeters = DefaultCellMeters
	}
	for index := range configuration.Verify.Expected {
		override := &configuration.Verify.Expected[index]
		override.AssetClass = strings.ToLower(strings.TrimSpace(override.AssetClass))
		override.Context = strings.ToLower(strings.TrimSpace(override.Context))
	}
	configuration.Log.Level = strings.ToLower(strings.TrimSpace(configuration.Log.Level))
	if configuration.Log.Level == "" {
		configuration.Log.Level = DefaultLogLevel
	}
}

func (configuration Config) validate() error {
	for index, override := range configuration.Verify.Expected {
		if override.AssetClass == "" || override.Context == "" {
			return fmt.Errorf("verify.expected[%d]: asset_class and context are required", index)
		}
		if override.Docsis < 0 || override.Channel < 0 {
			return fmt.Errorf("verify.expected[%d]: counts must not be negative", index)
		}
	}
	switch configuration.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error")
	}
	return nil
}
