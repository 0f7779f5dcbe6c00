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

	"github.com/larkgate/larkgate/internal/attachment"
	"github.com/larkgate/larkgate/internal/bridge"
	"github.com/larkgate/larkgate/internal/config"
	"github.com/larkgate/larkgate/internal/dedup"
	"github.com/larkgate/larkgate/internal/feishu"
	"github.com/larkgate/larkgate/internal/gateway"
	"github.com/larkgate/larkgate/internal/handlers"
	"github.com/larkgate/larkgate/internal/logger"
	"github.com/larkgate/larkgate/internal/relevance"
	"github.com/larkgate/larkgate/internal/server"
	"github.com/larkgate/larkgate/internal/session"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideFeishuClient,
			provideGatewayEndpoint,
			provideGatewayClient,
			provideDeduplicator,
			session.NewResolver,
			provideAttachmentPipeline,
			provideRouter,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideWebhookHandler),
			provideServer,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
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
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideFeishuClient(log *slog.Logger, cfg config.Config) (*feishu.Client, error) {
	secret, err := cfg.App.SecretValue()
	if err != nil {
		return nil, err
	}
	return feishu.NewClient(log, cfg.App.ID, secret, cfg.App.Region), nil
}

func provideGatewayEndpoint(cfg config.Config) (gateway.Endpoint, error) {
	endpoint, err := gateway.LoadEndpoint(cfg.Gateway.ConfigPath, cfg.Gateway.Token)
	if err != nil {
		return gateway.Endpoint{}, fmt.Errorf("gateway endpoint: %w", err)
	}
	return endpoint, nil
}

func provideGatewayClient(log *slog.Logger, endpoint gateway.Endpoint, cfg config.Config) *gateway.Client {
	return gateway.NewClient(log, endpoint, cfg.Gateway.AgentID)
}

func provideDeduplicator() *dedup.Deduplicator {
	return dedup.New(dedup.DefaultTTL)
}

func provideAttachmentPipeline(log *slog.Logger, cfg config.Config, client *feishu.Client) *attachment.Pipeline {
	return attachment.NewPipeline(log, cfg.Media.Dir, client, client, client)
}

func provideRouter(
	log *slog.Logger,
	cfg config.Config,
	deduplicator *dedup.Deduplicator,
	sessions *session.Resolver,
	pipeline *attachment.Pipeline,
	client *feishu.Client,
	gatewayClient *gateway.Client,
) *bridge.Router {
	return bridge.NewRouter(
		log,
		deduplicator,
		sessions,
		relevance.ShouldRespond,
		pipeline,
		client,
		gatewayClient,
		time.Duration(cfg.Bridge.PlaceholderDelayMS)*time.Millisecond,
	)
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, router *bridge.Router) *feishu.WebhookHandler {
	return feishu.NewWebhookHandler(log, cfg.Webhook.VerificationToken, cfg.Webhook.EncryptKey, router)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	addr := fmt.Sprintf(":%d", params.Config.Webhook.Port)
	return server.NewServer(params.Logger, addr, params.ServerHandlers)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
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
