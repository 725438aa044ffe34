package main

import (
	"fmt"

	"replydesk/internal/config"
	"replydesk/internal/contactsync"
	"replydesk/internal/crypto"
	"replydesk/internal/deadletter"
	"replydesk/internal/graphapi"
	"replydesk/internal/hrn"
	"replydesk/internal/llm"
	"replydesk/internal/notify"
	"replydesk/internal/reply"
	"replydesk/internal/repository"
	"replydesk/internal/scheduler"
	"replydesk/internal/token"
	"replydesk/internal/webhook"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds every wired component. Commands use the parts they need.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sqlx.DB
	llm    *llm.MultiProviderClient

	contacts repository.ContactRepository

	processor *webhook.Processor
	pipeline  *contactsync.Pipeline
	tokens    *token.Manager
	drainer   *deadletter.Worker
	scheduler *scheduler.Scheduler
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Log.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

// openDB connects and brings the schema up to date.
func openDB(cfg *config.Config, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := repository.NewDB(cfg.Database.Driver, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	if err := repository.MigrateDB(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	cipher, err := crypto.NewTokenCipher(cfg.Security.MasterKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	integrations := repository.NewIntegrationRepository(db, cipher, logger)
	contacts := repository.NewContactRepository(db, logger)
	actionLogs := repository.NewActionLogRepository(db, logger)
	deadLetters := repository.NewDeadLetterRepository(db, logger)
	automations := repository.NewAutomationRepository(db, logger)
	profiles := repository.NewProfileRepository(db, logger)

	api := graphapi.NewClient(graphapi.Config{
		BaseURL:      cfg.Platform.BaseURL,
		Timeout:      cfg.Platform.Timeout,
		MaxRetries:   cfg.Platform.MaxRetries,
		BackoffBase:  cfg.Platform.BackoffBase,
		MaxWait:      cfg.Platform.MaxWait,
		RequestDelay: cfg.Platform.RequestDelay,
	}, logger)

	// Without a provider, classification and replies fall back to their
	// safe defaults.
	var (
		generator llm.Generator
		llmClient *llm.MultiProviderClient
	)
	if len(cfg.Providers) == 0 {
		logger.Warn("No generation providers configured, running without LLM")
	} else {
		client, err := llm.NewMultiProviderClient(llm.MultiProviderConfig{
			Providers:   cfg.Providers,
			MaxFailures: cfg.MaxFailuresBeforeSwitch,
		}, logger)
		if err != nil {
			logger.Warn("Failed to initialize generation providers, running without LLM", zap.Error(err))
		} else {
			generator, llmClient = client, client
		}
	}

	notifier, err := notify.NewTelegramNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID, logger)
	if err != nil {
		logger.Warn("Failed to initialize Telegram notifier, continuing without it", zap.Error(err))
		notifier = nil
	}

	processor := webhook.NewProcessor(webhook.Deps{
		Integrations: integrations,
		Contacts:     contacts,
		ActionLogs:   actionLogs,
		Automations:  automations,
		Profiles:     profiles,
		Messenger:    api,
		Classifier:   hrn.NewClassifier(generator, logger),
		Replies:      reply.NewGenerator(generator, logger),
		Notifier:     notifier,
	}, webhook.Config{
		DedupWindow:    cfg.Webhook.DedupWindow,
		ProcessTimeout: cfg.Webhook.ProcessTimeout,
	}, logger)

	pipeline := contactsync.NewPipeline(integrations, contacts, api, generator, contactsync.Config{
		BatchSize:    cfg.Sync.BatchSize,
		ItemDelay:    cfg.Sync.ItemDelay,
		BatchDelay:   cfg.Sync.BatchDelay,
		MessageLimit: cfg.Sync.MessageLimit,
		MinMessages:  cfg.Sync.MinMessages,
		Concurrency:  cfg.Sync.Concurrency,
	}, logger)

	tokens := token.NewManager(integrations, api, cfg.Scheduler.TokenRefreshWindow, logger)
	drainer := deadletter.NewWorker(deadLetters, actionLogs, integrations, contacts, api,
		cfg.DeadLetter.MaxAttempts, cfg.DeadLetter.BatchSize, logger)

	jobs := scheduler.New(integrations, pipeline, tokens, drainer, scheduler.Config{
		SyncCheckInterval:    cfg.Scheduler.SyncCheckInterval,
		TokenRefreshInterval: cfg.Scheduler.TokenRefreshInterval,
		DeadLetterInterval:   cfg.Scheduler.DeadLetterInterval,
		Workers:              cfg.Sync.Workers,
	}, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		llm:       llmClient,
		contacts:  contacts,
		processor: processor,
		pipeline:  pipeline,
		tokens:    tokens,
		drainer:   drainer,
		scheduler: jobs,
	}, nil
}

func (a *app) Close() {
	if a.llm != nil {
		if err := a.llm.Close(); err != nil {
			a.logger.Warn("Failed to close generation providers", zap.Error(err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
}
