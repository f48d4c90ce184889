package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/lunabot/luna/internal/assistant"
	"github.com/lunabot/luna/internal/config"
	"github.com/lunabot/luna/internal/contact"
	"github.com/lunabot/luna/internal/db"
	"github.com/lunabot/luna/internal/funnel"
	"github.com/lunabot/luna/internal/gateway"
	"github.com/lunabot/luna/internal/gateway/uazapi"
	"github.com/lunabot/luna/internal/logger"
	"github.com/lunabot/luna/internal/pipeline"
	"github.com/lunabot/luna/internal/prune"
	"github.com/lunabot/luna/internal/server"
	"github.com/lunabot/luna/internal/webhook"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			provideContactService,
			provideGateway,
			provideAssistantClient,
			provideTools,
			provideOrchestrator,
			provideDispatcher,
			provideWorker,
			pipeline.NewKeyedMutex,
			provideWebhookHandler,
			providePruneService,
			provideServer,
		),
		fx.Invoke(
			startWorker,
			startPrune,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	if cfg.Webhook.VerifyToken == "" {
		logger.L.Warn("webhook verify token is not set; the webhook accepts any request")
	}
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideContactService(log *slog.Logger, pool *pgxpool.Pool) *contact.Service {
	return contact.NewService(log, pool)
}

func provideGateway(log *slog.Logger, cfg config.Config) gateway.Sender {
	return uazapi.New(log, cfg.Uazapi)
}

func provideAssistantClient(log *slog.Logger, cfg config.Config) *assistant.Client {
	return assistant.NewClient(log, cfg.OpenAI)
}

func provideTools(log *slog.Logger, contacts *contact.Service, sender gateway.Sender, cfg config.Config) *assistant.Tools {
	return assistant.NewTools(log, contacts, sender, assistant.ToolOptions{
		ActionWindow:       time.Duration(cfg.Funnel.ActionWindowSeconds) * time.Second,
		DemoVideoURL:       cfg.Funnel.DemoVideoURL,
		HandoffNotifyPhone: cfg.Funnel.HandoffNotifyPhone,
	})
}

func provideOrchestrator(log *slog.Logger, client *assistant.Client, contacts *contact.Service, tools *assistant.Tools, cfg config.Config) *assistant.Orchestrator {
	return assistant.NewOrchestrator(log, client, contacts, tools, cfg.OpenAI)
}

func provideDispatcher(log *slog.Logger, contacts *contact.Service, orchestrator *assistant.Orchestrator, sender gateway.Sender, cfg config.Config) *funnel.Dispatcher {
	return funnel.NewDispatcher(log, contacts, orchestrator, sender, funnel.NewPortuguese(), funnel.Options{
		MenuWindow:         time.Duration(cfg.Funnel.MenuWindowMinutes) * time.Minute,
		ActionWindow:       time.Duration(cfg.Funnel.ActionWindowSeconds) * time.Second,
		NameAskLimit:       cfg.Funnel.NameAskLimit,
		DemoVideoURL:       cfg.Funnel.DemoVideoURL,
		HandoffNotifyPhone: cfg.Funnel.HandoffNotifyPhone,
	})
}

func provideWorker(log *slog.Logger, cfg config.Config) *pipeline.Worker {
	return pipeline.NewWorker(log, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
}

func provideWebhookHandler(log *slog.Logger, contacts *contact.Service, dispatcher *funnel.Dispatcher, sender gateway.Sender, worker *pipeline.Worker, locks *pipeline.KeyedMutex, cfg config.Config) *webhook.Handler {
	return webhook.NewHandler(log, contacts, dispatcher, sender, worker, locks, cfg.Webhook, cfg.Funnel)
}

func providePruneService(log *slog.Logger, contacts *contact.Service, cfg config.Config) *prune.Service {
	return prune.NewService(log, contacts, cfg.Retention)
}

func provideServer(log *slog.Logger, cfg config.Config, webhookHandler *webhook.Handler) *server.Server {
	return server.NewServer(log, cfg.Server.Addr, webhookHandler, server.NewPingHandler(log))
}

func startWorker(lc fx.Lifecycle, worker *pipeline.Worker) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { worker.Start(); return nil },
		OnStop:  func(ctx context.Context) error { return worker.Stop(ctx) },
	})
}

func startPrune(lc fx.Lifecycle, pruneService *prune.Service) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return pruneService.Start() },
		OnStop:  func(ctx context.Context) error { return pruneService.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
