// Package config resolves installer settings from flags, BAKERST_*
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for settings read from the environment.
const EnvPrefix = "BAKERST"

// Settings is the resolved installer configuration.
type Settings struct {
	Release        string   `mapstructure:"release"`
	Manifest       string   `mapstructure:"manifest"`
	Namespace      string   `mapstructure:"namespace" validate:"required,dns_rfc1035_label"`
	Kubeconfig     string   `mapstructure:"kubeconfig"`
	Context        string   `mapstructure:"context"`
	NonInteractive bool     `mapstructure:"non-interactive"`
	Status         bool     `mapstructure:"status"`
	Uninstall      bool     `mapstructure:"uninstall"`
	SkipExtensions bool     `mapstructure:"skip-extensions"`
	DataDir        string   `mapstructure:"data-dir" validate:"omitempty,startswith=/"`
	Verbose        bool     `mapstructure:"verbose"`
	LogFile        string   `mapstructure:"log-file"`
	MetricsFile    string   `mapstructure:"metrics-file"`
	Features       []string `mapstructure:"features"`
	ConfigFile     string   `mapstructure:"config"`
}

// ValidationError reports settings that cannot be used together or are malformed.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid settings: %s", e.Reason)
}

var validate = validator.New()

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("namespace", "bakerst")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfigDir is ~/.bakerst.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".bakerst"
	}
	return filepath.Join(home, ".bakerst")
}

// Load reads the optional config file and decodes settings. Flags must
// already be bound to v.
func Load(v *viper.Viper) (Settings, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("installer")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || v.GetString("config") != "" {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	s.Features = normalizeList(s.Features)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks field formats and mutually exclusive modes.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return ValidationError{Reason: err.Error()}
	}
	modes := 0
	for _, on := range []bool{s.NonInteractive, s.Status, s.Uninstall} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return ValidationError{Reason: "--non-interactive, --status and --uninstall are mutually exclusive"}
	}
	if s.Release != "" && s.Manifest != "" {
		return ValidationError{Reason: "--release and --manifest are mutually exclusive"}
	}
	return nil
}

// EnvLookup resolves secrets by their plain environment variable names.
func EnvLookup() func(key string) string {
	env := viper.New()
	env.AutomaticEnv()
	return func(key string) string {
		return strings.TrimSpace(env.GetString(key))
	}
}

func normalizeList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
