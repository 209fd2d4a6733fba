package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bnema/turnguard/internal/adapters/auth"
	diskcache "github.com/bnema/turnguard/internal/adapters/cache/disk"
	statusadapter "github.com/bnema/turnguard/internal/adapters/render/status"
	"github.com/bnema/turnguard/internal/adapters/repo/jsonfile"
	chainstore "github.com/bnema/turnguard/internal/adapters/secrets/chain"
	filestore "github.com/bnema/turnguard/internal/adapters/secrets/file"
	"github.com/bnema/turnguard/internal/application"
	"github.com/bnema/turnguard/internal/config"
	"github.com/bnema/turnguard/internal/ports"
)

type app struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      ports.Clock
	repo       *jsonfile.Repository
	rotator    *application.Rotator
	secrets    ports.SecretStore
	tokens     *application.RefreshQueue
	authorizer *application.Authorizer
	cacheStore *diskcache.Store
	cache      *application.SignatureCache

	statusRenderer func([]application.CredentialStatus, statusadapter.RenderOptions) (string, error)
	cacheRenderer  func(statusadapter.CacheSummary, statusadapter.RenderOptions) (string, error)
	now            func() time.Time
}

func wireApp() (*app, error) {
	cfg, err := config.Load(viper.New())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	for _, warning := range cfg.Warnings {
		logger.Warn("config adjusted", zap.String("warning", warning))
	}

	clock := ports.SystemClock{}

	repo, err := jsonfile.NewRepository(cfg.Credentials.Path, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("wire credential repository: %w", err)
	}

	secrets, err := newSecretStore(cfg.Credentials, logger)
	if err != nil {
		return nil, fmt.Errorf("wire secret store: %w", err)
	}

	rotator := application.NewRotator(repo, clock, logger)
	refresher := auth.OAuthRefresher{
		Config: auth.OAuthConfig{
			ClientID:     cfg.Credentials.OAuth.ClientID,
			ClientSecret: cfg.Credentials.OAuth.ClientSecret,
			TokenURL:     cfg.Credentials.OAuth.TokenURL,
		},
		Clock:  clock,
		Logger: logger,
	}
	tokens := application.NewRefreshQueue(application.RefreshQueueConfig{
		Window:   cfg.Credentials.RefreshWindow,
		Interval: cfg.Credentials.RefreshInterval,
	}, rotator, refresher, secrets, clock, logger)

	cacheStore := diskcache.NewStore(cfg.Cache.Path, diskcache.Options{}, clock, logger)
	cache := application.NewSignatureCache(application.SignatureCacheConfig{
		Enabled:         cfg.Cache.Enabled,
		MemoryTTL:       cfg.Cache.MemoryTTL,
		DiskTTL:         cfg.Cache.DiskTTL,
		WriteInterval:   cfg.Cache.WriteInterval,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}, cacheStore, clock, logger)

	return &app{
		cfg:            cfg,
		logger:         logger,
		clock:          clock,
		repo:           repo,
		rotator:        rotator,
		secrets:        secrets,
		tokens:         tokens,
		authorizer:     application.NewAuthorizer(rotator, tokens, clock, logger),
		cacheStore:     cacheStore,
		cache:          cache,
		statusRenderer: statusadapter.Render,
		cacheRenderer:  statusadapter.RenderCache,
		now:            time.Now,
	}, nil
}

// newLogger writes JSON logs to stderr; stdout carries command output and
// the serve protocol.
func newLogger(level string) (*zap.Logger, error) {
	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func newSecretStore(cfg config.CredentialsConfig, logger *zap.Logger) (ports.SecretStore, error) {
	if cfg.SecretBackend == config.SecretBackendFile {
		return filestore.NewStore(cfg.SecretsDir), nil
	}
	return chainstore.NewKeyringFirstWithFileFallback(cfg.SecretsDir, logger)
}
