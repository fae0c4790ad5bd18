package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/sync/errgroup"

	"github.com/lumadesk/operator/internal/backend"
	"github.com/lumadesk/operator/internal/config"
	"github.com/lumadesk/operator/internal/handlers"
	"github.com/lumadesk/operator/internal/inbox"
	"github.com/lumadesk/operator/internal/logger"
	"github.com/lumadesk/operator/internal/realtime"
	"github.com/lumadesk/operator/internal/server"
	"github.com/lumadesk/operator/internal/session"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBackendClient,
			provideRouter,
			provideConn,
			provideSession,
			provideServerHandler(provideAuthHandler),
			provideServerHandler(providePingHandler),
			provideServerHandler(provideInboxHandler),
			provideServerHandler(provideRealtimeHandler),
			provideServer,
		),
		fx.Invoke(
			startSession,
			startRealtime,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideBackendClient(log *slog.Logger, cfg config.Config) *backend.Client {
	timeout := time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
	return backend.NewClient(log, cfg.Backend.BaseURL, cfg.Backend.Token, timeout)
}

func provideRouter(log *slog.Logger) *realtime.Router {
	return realtime.NewRouter(log)
}

func provideConn(log *slog.Logger, cfg config.Config, router *realtime.Router) *realtime.Conn {
	sub := realtime.Subscription{
		AgentID: cfg.Inbox.AgentID,
		Channel: cfg.Inbox.Channel,
		Token:   cfg.Backend.Token,
	}
	return realtime.NewConn(log, cfg.Realtime.URL, router, sub, realtime.Options{
		MaxAttempts: cfg.Realtime.MaxAttempts,
		Backoff:     time.Duration(cfg.Realtime.BackoffSeconds) * time.Second,
	})
}

func provideSession(log *slog.Logger, cfg config.Config, client *backend.Client) *session.Controller {
	return session.NewController(log, client, session.Options{
		AgentID:    cfg.Inbox.AgentID,
		Channel:    inbox.Channel(cfg.Inbox.Channel),
		OperatorID: cfg.Operator.ID,
		PageSize:   cfg.Inbox.PageSize,
	})
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) (*handlers.AuthHandler, error) {
	expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("parse auth.jwt_expires_in: %w", err)
	}
	return handlers.NewAuthHandler(log, cfg.Operator, cfg.Auth.JWTSecret, expiresIn), nil
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideInboxHandler(log *slog.Logger, controller *session.Controller) *handlers.InboxHandler {
	return handlers.NewInboxHandler(log, controller)
}

func provideRealtimeHandler(log *slog.Logger, conn *realtime.Conn, router *realtime.Router) *handlers.RealtimeHandler {
	return handlers.NewRealtimeHandler(log, conn, router)
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

func startSession(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, controller *session.Controller, client *backend.Client, router *realtime.Router) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go func() {
				if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("session loop stopped", slog.Any("error", err))
				}
			}()
			controller.Attach(router)

			// Cold start: the thread listing and the pairing code come from
			// independent endpoints, so fetch them in parallel.
			g, gctx := errgroup.WithContext(startCtx)
			g.Go(func() error {
				return controller.Refresh(gctx)
			})
			g.Go(func() error {
				code, err := client.PairingCode(gctx, cfg.Inbox.AgentID, inbox.Channel(cfg.Inbox.Channel))
				if err != nil {
					// Absent while the channel is already linked.
					log.Debug("pairing code fetch failed", slog.Any("error", err))
					return nil
				}
				router.SeedPairingCode(code)
				return nil
			})
			if err := g.Wait(); err != nil {
				// The console still starts; realtime events rebuild the
				// directory as they arrive.
				log.Warn("initial thread refresh failed", slog.Any("error", err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			controller.Detach(router)
			cancel()
			return nil
		},
	})
}

func startRealtime(lc fx.Lifecycle, log *slog.Logger, conn *realtime.Conn, shutdowner fx.Shutdowner) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := conn.Run(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error("realtime connection stopped", slog.Any("error", err))
					if errors.Is(err, realtime.ErrAttemptsExhausted) {
						_ = shutdowner.Shutdown()
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
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
