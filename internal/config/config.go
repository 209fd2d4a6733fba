package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/bnema/turnguard/internal/adapters/atomicfile"
	diskcache "github.com/bnema/turnguard/internal/adapters/cache/disk"
	"github.com/bnema/turnguard/internal/adapters/repo/jsonfile"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = ".config/turnguard"
	fileMode   = 0o600

	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	SecretBackendKeyring = "keyring"
	SecretBackendFile    = "file"
)

type Config struct {
	SessionRecovery bool              `mapstructure:"session_recovery"`
	AutoResume      bool              `mapstructure:"auto_resume"`
	ResumeText      string            `mapstructure:"resume_text"`
	Cache           CacheConfig       `mapstructure:"cache"`
	Credentials     CredentialsConfig `mapstructure:"credentials"`
	Log             LogConfig         `mapstructure:"log"`

	// Warnings lists adjustments made while normalizing the loaded values.
	Warnings []string `mapstructure:"-"`
	// File is the config file that was read, empty when none exists.
	File string `mapstructure:"-"`
}

type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MemoryTTL       time.Duration `mapstructure:"memory_ttl"`
	DiskTTL         time.Duration `mapstructure:"disk_ttl"`
	WriteInterval   time.Duration `mapstructure:"write_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Path            string        `mapstructure:"path"`
}

type CredentialsConfig struct {
	Path            string        `mapstructure:"path"`
	RefreshWindow   time.Duration `mapstructure:"refresh_window"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	SecretsDir      string        `mapstructure:"secrets_dir"`
	// SecretBackend is "keyring", which falls back to files, or "file".
	SecretBackend   string        `mapstructure:"secret_backend"`
	OAuth           OAuthConfig   `mapstructure:"oauth"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// envOverrides are applied after the config file. Unset variables leave the
// field nil.
type envOverrides struct {
	SessionRecovery   *bool          `env:"TURNGUARD_SESSION_RECOVERY"`
	AutoResume        *bool          `env:"TURNGUARD_AUTO_RESUME"`
	ResumeText        *string        `env:"TURNGUARD_RESUME_TEXT"`
	CacheEnabled      *bool          `env:"TURNGUARD_CACHE_ENABLED"`
	CacheMemoryTTL    *time.Duration `env:"TURNGUARD_CACHE_MEMORY_TTL"`
	CacheDiskTTL      *time.Duration `env:"TURNGUARD_CACHE_DISK_TTL"`
	CachePath         *string        `env:"TURNGUARD_CACHE_PATH"`
	CredentialsPath   *string        `env:"TURNGUARD_CREDENTIALS_PATH"`
	SecretsDir        *string        `env:"TURNGUARD_SECRETS_DIR"`
	SecretBackend     *string        `env:"TURNGUARD_SECRET_BACKEND"`
	OAuthClientID     *string        `env:"TURNGUARD_OAUTH_CLIENT_ID"`
	OAuthClientSecret *string        `env:"TURNGUARD_OAUTH_CLIENT_SECRET"`
	OAuthTokenURL     *string        `env:"TURNGUARD_OAUTH_TOKEN_URL"`
	LogLevel          *string        `env:"TURNGUARD_LOG_LEVEL"`
}

// Dir is $HOME/.config/turnguard.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, configDir), nil
}

// DefaultFile is where config init writes and Load looks.
func DefaultFile() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configName+"."+configType), nil
}

// Default returns the built-in configuration.
func Default() (Config, error) {
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}
	credentialsPath, err := jsonfile.DefaultPath()
	if err != nil {
		return Config{}, err
	}
	cachePath, err := diskcache.DefaultPath()
	if err != nil {
		return Config{}, err
	}

	return Config{
		SessionRecovery: true,
		AutoResume:      true,
		ResumeText:      "continue",
		Cache: CacheConfig{
			Enabled:         true,
			MemoryTTL:       time.Hour,
			DiskTTL:         48 * time.Hour,
			WriteInterval:   60 * time.Second,
			CleanupInterval: 5 * time.Minute,
			Path:            cachePath,
		},
		Credentials: CredentialsConfig{
			Path:            credentialsPath,
			RefreshWindow:   30 * time.Minute,
			RefreshInterval: 5 * time.Minute,
			SecretsDir:      filepath.Join(dir, "secrets"),
			SecretBackend:   SecretBackendKeyring,
			OAuth:           OAuthConfig{TokenURL: DefaultTokenURL},
		},
		Log: LogConfig{Level: "info"},
	}, nil
}

// Load layers defaults, the config file and TURNGUARD_* environment
// variables, in that order.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	defaults, err := Default()
	if err != nil {
		return Config{}, err
	}
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}

	setDefaults(v, defaults)
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	overrides.apply(&cfg)

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("session_recovery", d.SessionRecovery)
	v.SetDefault("auto_resume", d.AutoResume)
	v.SetDefault("resume_text", d.ResumeText)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.memory_ttl", d.Cache.MemoryTTL)
	v.SetDefault("cache.disk_ttl", d.Cache.DiskTTL)
	v.SetDefault("cache.write_interval", d.Cache.WriteInterval)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("credentials.path", d.Credentials.Path)
	v.SetDefault("credentials.refresh_window", d.Credentials.RefreshWindow)
	v.SetDefault("credentials.refresh_interval", d.Credentials.RefreshInterval)
	v.SetDefault("credentials.secrets_dir", d.Credentials.SecretsDir)
	v.SetDefault("credentials.secret_backend", d.Credentials.SecretBackend)
	v.SetDefault("credentials.oauth.client_id", d.Credentials.OAuth.ClientID)
	v.SetDefault("credentials.oauth.client_secret", d.Credentials.OAuth.ClientSecret)
	v.SetDefault("credentials.oauth.token_url", d.Credentials.OAuth.TokenURL)
	v.SetDefault("log.level", d.Log.Level)
}

func (o envOverrides) apply(cfg *Config) {
	setIf(&cfg.SessionRecovery, o.SessionRecovery)
	setIf(&cfg.AutoResume, o.AutoResume)
	setIf(&cfg.ResumeText, o.ResumeText)
	setIf(&cfg.Cache.Enabled, o.CacheEnabled)
	setIf(&cfg.Cache.MemoryTTL, o.CacheMemoryTTL)
	setIf(&cfg.Cache.DiskTTL, o.CacheDiskTTL)
	setIf(&cfg.Cache.Path, o.CachePath)
	setIf(&cfg.Credentials.Path, o.CredentialsPath)
	setIf(&cfg.Credentials.SecretsDir, o.SecretsDir)
	setIf(&cfg.Credentials.SecretBackend, o.SecretBackend)
	setIf(&cfg.Credentials.OAuth.ClientID, o.OAuthClientID)
	setIf(&cfg.Credentials.OAuth.ClientSecret, o.OAuthClientSecret)
	setIf(&cfg.Credentials.OAuth.TokenURL, o.OAuthTokenURL)
	setIf(&cfg.Log.Level, o.LogLevel)
}

func setIf[T any](dst *T, value *T) {
	if value != nil {
		*dst = *value
	}
}

func (c *Config) normalize() error {
	positive := []struct {
		key   string
		value time.Duration
	}{
		{"cache.memory_ttl", c.Cache.MemoryTTL},
		{"cache.disk_ttl", c.Cache.DiskTTL},
		{"cache.write_interval", c.Cache.WriteInterval},
		{"cache.cleanup_interval", c.Cache.CleanupInterval},
		{"credentials.refresh_window", c.Credentials.RefreshWindow},
		{"credentials.refresh_interval", c.Credentials.RefreshInterval},
	}
	for _, item := range positive {
		if item.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", item.key, item.value)
		}
	}

	if c.Cache.DiskTTL < c.Cache.MemoryTTL {
		c.Warnings = append(c.Warnings, fmt.Sprintf("cache.disk_ttl %s is shorter than cache.memory_ttl %s; using %s", c.Cache.DiskTTL, c.Cache.MemoryTTL, c.Cache.MemoryTTL))
		c.Cache.DiskTTL = c.Cache.MemoryTTL
	}
	switch backend := strings.ToLower(strings.TrimSpace(c.Credentials.SecretBackend)); backend {
	case SecretBackendKeyring, SecretBackendFile:
		c.Credentials.SecretBackend = backend
	default:
		return fmt.Errorf("credentials.secret_backend must be %q or %q, got %q", SecretBackendKeyring, SecretBackendFile, c.Credentials.SecretBackend)
	}
	if strings.TrimSpace(c.ResumeText) == "" {
		c.ResumeText = "continue"
	}

	for _, path := range []*string{&c.Cache.Path, &c.Credentials.Path, &c.Credentials.SecretsDir} {
		if strings.TrimSpace(*path) == "" {
			return errors.New("configured paths must not be empty")
		}
		abs, err := filepath.Abs(*path)
		if err != nil {
			return fmt.Errorf("resolve path %q: %w", *path, err)
		}
		*path = filepath.Clean(abs)
	}
	return nil
}

// fileSchema is the on-disk shape of config.toml. Durations are written in
// time.ParseDuration syntax.
type fileSchema struct {
	SessionRecovery bool   `toml:"session_recovery"`
	AutoResume      bool   `toml:"auto_resume"`
	ResumeText      string `toml:"resume_text"`
	Cache           struct {
		Enabled         bool   `toml:"enabled"`
		MemoryTTL       string `toml:"memory_ttl"`
		DiskTTL         string `toml:"disk_ttl"`
		WriteInterval   string `toml:"write_interval"`
		CleanupInterval string `toml:"cleanup_interval"`
		Path            string `toml:"path"`
	} `toml:"cache"`
	Credentials struct {
		Path            string `toml:"path"`
		RefreshWindow   string `toml:"refresh_window"`
		RefreshInterval string `toml:"refresh_interval"`
		SecretsDir      string `toml:"secrets_dir"`
		SecretBackend   string `toml:"secret_backend"`
		OAuth           struct {
			ClientID     string `toml:"client_id"`
			ClientSecret string `toml:"client_secret,omitempty"`
			TokenURL     string `toml:"token_url"`
		} `toml:"oauth"`
	} `toml:"credentials"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

func toFileSchema(c Config) fileSchema {
	var f fileSchema
	f.SessionRecovery = c.SessionRecovery
	f.AutoResume = c.AutoResume
	f.ResumeText = c.ResumeText
	f.Cache.Enabled = c.Cache.Enabled
	f.Cache.MemoryTTL = c.Cache.MemoryTTL.String()
	f.Cache.DiskTTL = c.Cache.DiskTTL.String()
	f.Cache.WriteInterval = c.Cache.WriteInterval.String()
	f.Cache.CleanupInterval = c.Cache.CleanupInterval.String()
	f.Cache.Path = c.Cache.Path
	f.Credentials.Path = c.Credentials.Path
	f.Credentials.RefreshWindow = c.Credentials.RefreshWindow.String()
	f.Credentials.RefreshInterval = c.Credentials.RefreshInterval.String()
	f.Credentials.SecretsDir = c.Credentials.SecretsDir
	f.Credentials.SecretBackend = c.Credentials.SecretBackend
	f.Credentials.OAuth.ClientID = c.Credentials.OAuth.ClientID
	f.Credentials.OAuth.ClientSecret = c.Credentials.OAuth.ClientSecret
	f.Credentials.OAuth.TokenURL = c.Credentials.OAuth.TokenURL
	f.Log.Level = c.Log.Level
	return f
}

// Marshal renders c as config.toml.
func Marshal(c Config) ([]byte, error) {
	data, err := toml.Marshal(toFileSchema(c))
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// WriteDefault writes the built-in configuration to path. An existing file is
// kept unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat config file: %w", err)
		}
	}

	defaults, err := Default()
	if err != nil {
		return err
	}
	data, err := Marshal(defaults)
	if err != nil {
		return err
	}

	if err := atomicfile.Write(path, data, atomicfile.Options{Prefix: ".config-", Mode: fileMode}); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
