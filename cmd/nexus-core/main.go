// Package main is the nexus-core CLI: a multi-tenant runtime for LLM
// conversational agents.
//
// Start the server:
//
//	nexus-core serve --config nexus.yaml
//
// Validate a configuration file without starting anything:
//
//	nexus-core validate-config --config nexus.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-core/internal/agent/providers"
	"github.com/haasonsaas/nexus-core/internal/approval"
	"github.com/haasonsaas/nexus-core/internal/channels/chatwoot"
	slackchannel "github.com/haasonsaas/nexus-core/internal/channels/slack"
	"github.com/haasonsaas/nexus-core/internal/channels/telegram"
	"github.com/haasonsaas/nexus-core/internal/channels/whatsapp"
	"github.com/haasonsaas/nexus-core/internal/config"
	"github.com/haasonsaas/nexus-core/internal/costguard"
	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/prompt"
	"github.com/haasonsaas/nexus-core/internal/runner"
	"github.com/haasonsaas/nexus-core/internal/scheduler"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/internal/tools/builtin"
	"github.com/haasonsaas/nexus-core/internal/web"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "nexus-core",
		Short:        "Multi-tenant runtime for LLM conversational agents",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "nexus.yaml", "Path to configuration file")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildValidateConfigCmd(&configPath),
	)
	return rootCmd
}

func buildValidateConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Parse and validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
			return nil
		},
	}
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	stores, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	registry := tools.NewRegistry()
	if err := builtin.RegisterAll(registry, logger); err != nil {
		return err
	}

	gate := approval.NewGate(stores.Approvals,
		approval.WithPollInterval(cfg.Approvals.PollInterval),
		approval.WithLogger(logger))
	go gate.RunSweeper(ctx, cfg.Approvals.SweepInterval)

	resolver := tools.NewResolver(registry, gate, tools.ResolverConfig{
		ToolTimeout: cfg.Runtime.ToolTimeout,
		ApprovalTTL: cfg.Approvals.TTL,
	}, tools.WithResolverLogger(logger))

	guard := costguard.NewGuard(stores.Usage, costguard.WithLogger(logger))

	run := runner.New(runner.Config{
		Stores:      stores,
		Registry:    registry,
		Resolver:    resolver,
		Guard:       guard,
		Memory:      memory.NewManager(logger),
		Retriever:   memory.NewKeywordRetriever(),
		Assembler:   prompt.NewAssembler(stores.Prompts),
		NewProvider: providers.New,
		Logger:      logger,
	})

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return err
	}
	pipeline := inbound.New(stores.Sessions, run, adapters.replyFunc(),
		inbound.WithLogger(logger),
		inbound.WithJobTimeout(cfg.Runtime.TurnTimeout))
	defer pipeline.Close()

	if cfg.Channels.Telegram.Enabled() {
		tg, err := telegram.NewAdapter(telegram.Config{
			Token:     cfg.Channels.Telegram.Token,
			ProjectID: cfg.Channels.Telegram.ProjectID,
			Logger:    logger,
		}, pipeline)
		if err != nil {
			return err
		}
		adapters.telegram = tg
		go tg.Start(ctx)
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(stores, run,
			scheduler.WithTick(cfg.Scheduler.Tick),
			scheduler.WithLogger(logger))
		go sched.Run(ctx)
	}

	server := web.NewServer(web.Config{
		Stores:       stores,
		Registry:     registry,
		Executor:     run,
		Gate:         gate,
		Pipeline:     pipeline,
		Telegram:     adapters.telegram,
		Slack:        adapters.slack,
		WhatsApp:     adapters.whatsapp,
		Chatwoot:     adapters.chatwoot,
		ListenAddr:   cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStores(cfg *config.Config, logger *slog.Logger) (storage.StoreSet, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, state is in-memory only")
		return storage.NewMemoryStores(), nil
	}
	pg := storage.DefaultPostgresConfig()
	pg.MaxOpenConns = cfg.Database.MaxOpenConns
	pg.MaxIdleConns = cfg.Database.MaxIdleConns
	pg.ConnMaxLifetime = cfg.Database.ConnLifetime
	return storage.NewPostgresStores(cfg.Database.DSN, pg)
}

// channelAdapters groups the configured outbound senders.
type channelAdapters struct {
	telegram *telegram.Adapter
	slack    *slackchannel.Adapter
	whatsapp *whatsapp.Adapter
	chatwoot *chatwoot.Adapter
	logger   *slog.Logger
}

func buildAdapters(cfg *config.Config, logger *slog.Logger) (*channelAdapters, error) {
	a := &channelAdapters{logger: logger}

	// The telegram adapter consumes the pipeline for long polling, so
	// serve() constructs it after the pipeline exists.
	if cfg.Channels.Slack.Enabled() {
		adapter, err := slackchannel.NewAdapter(slackchannel.Config{
			BotToken:  cfg.Channels.Slack.BotToken,
			ProjectID: cfg.Channels.Slack.ProjectID,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		a.slack = adapter
	}
	if cfg.Channels.WhatsApp.Enabled() {
		adapter, err := whatsapp.NewAdapter(whatsapp.Config{
			AccessToken:   cfg.Channels.WhatsApp.AccessToken,
			PhoneNumberID: cfg.Channels.WhatsApp.PhoneNumberID,
			VerifyToken:   cfg.Channels.WhatsApp.VerifyToken,
			ProjectID:     cfg.Channels.WhatsApp.ProjectID,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		a.whatsapp = adapter
	}
	if cfg.Channels.Chatwoot.Enabled() {
		secret := cfg.Channels.Chatwoot.WebhookSecret
		if secret == "" {
			secret = os.Getenv("CHATWOOT_WEBHOOK_SECRET")
		}
		adapter, err := chatwoot.NewAdapter(chatwoot.Config{
			BaseURL:       cfg.Channels.Chatwoot.BaseURL,
			AccountID:     cfg.Channels.Chatwoot.AccountID,
			APIToken:      cfg.Channels.Chatwoot.APIToken,
			WebhookSecret: secret,
			ProjectID:     cfg.Channels.Chatwoot.ProjectID,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		a.chatwoot = adapter
	}
	return a, nil
}

// replyFunc routes agent replies back to the channel each session lives on.
func (a *channelAdapters) replyFunc() inbound.ReplyFunc {
	return func(ctx context.Context, session *models.Session, msg inbound.Message, reply string) {
		switch session.Channel {
		case models.ChannelTelegram:
			if a.telegram != nil {
				a.telegram.SendReply(ctx, session, msg, reply)
			}
		case models.ChannelSlack:
			if a.slack != nil {
				a.slack.SendReply(ctx, session, msg, reply)
			}
		case models.ChannelWhatsApp:
			if a.whatsapp != nil {
				a.whatsapp.SendReply(ctx, session, msg, reply)
			}
		case models.ChannelChatwoot:
			if a.chatwoot != nil {
				a.chatwoot.SendReply(ctx, session, msg, reply)
			}
		default:
			a.logger.Debug("no outbound channel for reply", "channel", session.Channel)
		}
	}
}
