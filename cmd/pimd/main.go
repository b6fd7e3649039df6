package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/pimhq/pim/internal/config"
	"github.com/pimhq/pim/internal/db"
	"github.com/pimhq/pim/internal/devices"
	"github.com/pimhq/pim/internal/handlers"
	"github.com/pimhq/pim/internal/history"
	"github.com/pimhq/pim/internal/keypool"
	"github.com/pimhq/pim/internal/llm"
	"github.com/pimhq/pim/internal/logger"
	"github.com/pimhq/pim/internal/persona"
	"github.com/pimhq/pim/internal/reply"
	"github.com/pimhq/pim/internal/schedule"
	"github.com/pimhq/pim/internal/server"
	"github.com/pimhq/pim/internal/version"
)

func main() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,

			provideKeyPool,
			provideLLMClient,
			provideGenerator,
			providePersonaBuilder,
			provideHistoryService,
			devices.NewService,
			provideReplyService,
			provideSweeper,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideReplyHandler),
			provideServerHandler(provideHistoryHandler),
			provideServerHandler(provideKeysHandler),

			provideServer,
		),
		fx.Invoke(
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideKeyPool(log *slog.Logger, cfg config.Config) (*keypool.Pool, error) {
	keys := make([]keypool.KeyConfig, 0, len(cfg.LLM.Keys))
	for _, key := range cfg.LLM.Keys {
		keys = append(keys, keypool.KeyConfig{Label: key.Label, Secret: key.Secret})
	}
	rateLimited, srv, network, timeout := cfg.LLM.Cooldowns.Durations()
	return keypool.New(log, keys,
		keypool.Limits{
			RequestsPerMinute: cfg.LLM.Limits.RequestsPerMinute,
			RequestsPerDay:    cfg.LLM.Limits.RequestsPerDay,
			MinGap:            cfg.LLM.Limits.MinGapDuration(),
		},
		keypool.Cooldowns{
			RateLimited: rateLimited,
			Server:      srv,
			Network:     network,
			Timeout:     timeout,
		},
	)
}

func provideLLMClient(log *slog.Logger, cfg config.Config) (*llm.Client, error) {
	return llm.NewClient(log, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout())
}

func provideGenerator(log *slog.Logger, pool *keypool.Pool, client *llm.Client, cfg config.Config) *llm.Generator {
	return llm.NewGenerator(log, pool, client, cfg.LLM.MaxAttempts)
}

func providePersonaBuilder(cfg config.Config) (*persona.Builder, error) {
	return persona.NewBuilder(cfg.Persona, cfg.History.MaxTurns)
}

func provideHistoryService(log *slog.Logger, conn *pgxpool.Pool, cfg config.Config) *history.Service {
	return history.NewService(log, conn, cfg.History.MaxTurns)
}

func provideReplyService(log *slog.Logger, builder *persona.Builder, gen *llm.Generator, store *history.Service, cfg config.Config) *reply.Service {
	return reply.NewService(log, builder, gen, store, cfg.History.MaxTurns)
}

func provideSweeper(log *slog.Logger, cfg config.Config, historyService *history.Service, pool *keypool.Pool, conn *pgxpool.Pool) *schedule.Sweeper {
	return schedule.NewSweeper(log, cfg.Sweep, historyService, pool, conn, cfg.History.RetentionDays)
}

func provideAuthHandler(log *slog.Logger, deviceService *devices.Service, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, deviceService, cfg.Auth)
}

func provideReplyHandler(log *slog.Logger, replyService *reply.Service, deviceService *devices.Service) *handlers.ReplyHandler {
	return handlers.NewReplyHandler(log, replyService, deviceService)
}

func provideHistoryHandler(log *slog.Logger, historyService *history.Service, deviceService *devices.Service) *handlers.HistoryHandler {
	return handlers.NewHistoryHandler(log, historyService, deviceService)
}

func provideKeysHandler(log *slog.Logger, pool *keypool.Pool) *handlers.KeysHandler {
	return handlers.NewKeysHandler(log, pool)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startSweeper(lc fx.Lifecycle, sweeper *schedule.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sweeper.Start()
		},
		OnStop: func(ctx context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting pimd %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
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
