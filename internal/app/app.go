package app

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/audit"
	"github.com/mysticmarks/llm-runner-router/internal/breaker"
	"github.com/mysticmarks/llm-runner-router/internal/cache"
	"github.com/mysticmarks/llm-runner-router/internal/config"
	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/ledger"
	"github.com/mysticmarks/llm-runner-router/internal/metrics"
	"github.com/mysticmarks/llm-runner-router/internal/providers"
	"github.com/mysticmarks/llm-runner-router/internal/providers/anthropic"
	"github.com/mysticmarks/llm-runner-router/internal/providers/base"
	"github.com/mysticmarks/llm-runner-router/internal/providers/generic"
	"github.com/mysticmarks/llm-runner-router/internal/providers/groq"
	"github.com/mysticmarks/llm-runner-router/internal/providers/ollama"
	"github.com/mysticmarks/llm-runner-router/internal/providers/openai"
	"github.com/mysticmarks/llm-runner-router/internal/providers/openrouter"
	"github.com/mysticmarks/llm-runner-router/internal/ratelimit"
	"github.com/mysticmarks/llm-runner-router/internal/registry"
	"github.com/mysticmarks/llm-runner-router/internal/routing"
	"github.com/mysticmarks/llm-runner-router/internal/server"
)

// App wires one complete router kernel plus its gateway from configuration.
// Everything is instance state; multiple Apps can coexist in one process.
type App struct {
	Config      *config.Config
	Logger      *logrus.Logger
	Credentials *credentials.Store
	Registry    *registry.Registry
	Router      *routing.Router
	Server      *server.Server
	Metrics     *metrics.Metrics
	Audit       *audit.Logger
}

// New assembles the kernel.
func New(cfg *config.Config) (*App, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.NewLogger(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.Limits, logger)
	brk := breaker.NewBreaker(breaker.DefaultConfig(), logger)
	runner := base.NewRunner(base.RunnerConfig{
		MaxConcurrentPerBackend: cfg.Router.MaxConcurrency,
		MaxQueue:                cfg.Router.MaxQueue,
	}, limiter, brk, auditLog, logger)

	creds := credentials.NewStore(logger)
	reg := registry.New(brk, logger)

	adapters := buildAdapters(cfg, runner, logger)
	for _, adapter := range adapters {
		reg.RegisterAdapter(adapter)
	}

	// Credentials come from {TAG}_API_KEY; each adapter's format check runs
	// as a warning-only pass.
	creds.LoadFromEnv(cfg.ProviderTags()...)
	for _, adapter := range adapters {
		if rec, credErr := creds.Get(adapter.ID()); credErr == nil {
			if warn := adapter.Validate(rec); warn != nil {
				logger.WithFields(logrus.Fields{
					"provider": adapter.ID(),
					"key":      rec.Masked(),
				}).Warn(warn.Error())
			}
		}
	}

	// Register each adapter's catalog; a models file can extend or replace.
	for _, adapter := range adapters {
		for _, desc := range adapter.ListModels() {
			if regErr := reg.Register(desc); regErr != nil {
				logger.WithError(regErr).WithField("model", desc.ID).Warn("Skipping model")
			}
		}
	}
	if cfg.Router.ModelsFile != "" {
		if _, statErr := os.Stat(cfg.Router.ModelsFile); statErr == nil {
			loaded, loadErr := reg.LoadFile(cfg.Router.ModelsFile)
			if loadErr != nil {
				return nil, fmt.Errorf("failed to load models file: %w", loadErr)
			}
			logger.WithFields(logrus.Fields{
				"file":  cfg.Router.ModelsFile,
				"count": loaded,
			}).Info("Models loaded from file")
		}
	}

	m := metrics.New()
	respCache := cache.New(cfg.ToCacheConfig(), logger)
	costLedger := ledger.New()

	router := routing.New(reg, creds, respCache, costLedger, m, logger)
	if err := router.SetStrategy(cfg.Router.DefaultStrategy, nil); err != nil {
		return nil, err
	}

	srv := server.NewServer(router, m, &cfg.Server, logger)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Credentials: creds,
		Registry:    reg,
		Router:      router,
		Server:      srv,
		Metrics:     m,
		Audit:       auditLog,
	}, nil
}

// Close releases the kernel's resources.
func (a *App) Close() error {
	if err := a.Router.Close(); err != nil {
		a.Logger.WithError(err).Warn("Error closing router")
	}
	return a.Audit.Close()
}

func buildAdapters(cfg *config.Config, runner *base.Runner, logger *logrus.Logger) []providers.Provider {
	var adapters []providers.Provider
	if cfg.Providers.OpenAI != nil {
		adapters = append(adapters, openai.New(*cfg.Providers.OpenAI, runner, logger))
	}
	if cfg.Providers.Anthropic != nil {
		adapters = append(adapters, anthropic.New(*cfg.Providers.Anthropic, runner, logger))
	}
	if cfg.Providers.OpenRouter != nil {
		adapters = append(adapters, openrouter.New(*cfg.Providers.OpenRouter, runner, logger))
	}
	if cfg.Providers.Groq != nil {
		adapters = append(adapters, groq.New(*cfg.Providers.Groq, runner, logger))
	}
	if cfg.Providers.Ollama != nil {
		adapters = append(adapters, ollama.New(*cfg.Providers.Ollama, runner, logger))
	}
	for _, genericCfg := range cfg.Providers.Generic {
		adapter, err := generic.New(genericCfg, runner, logger)
		if err != nil {
			logger.WithError(err).WithField("tag", genericCfg.Tag).Warn("Skipping generic provider")
			continue
		}
		adapters = append(adapters, adapter)
	}
	return adapters
}

func buildLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}
	return logger, nil
}
