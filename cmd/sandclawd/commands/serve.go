package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/discord"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/telegram"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/whatsapp"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/gateway"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/ipc"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/orchestrator"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/query"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/sandbox"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/scheduler"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// shutdownGrace is how long shutdown waits for running sandboxes.
const shutdownGrace = 30 * time.Second

// newServeCmd creates the `sandclawd serve` command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator daemon",
		Long: `Start sandclawd: connects the enabled chat channels, runs the message
and scheduler loops, the IPC watcher, and the HTTP bridge surface.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Store ──
	st, err := store.Open(cfg.Store.Backend, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store connected", "backend", cfg.Store.Backend)

	state, err := orchestrator.LoadState(ctx, st, logger)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	// ── Sandbox runner ──
	if err := sandbox.EnsureRuntimeAvailable(); err != nil {
		return err
	}

	images := make(map[string]string, len(cfg.Runtimes.Profiles))
	for id, profile := range cfg.Runtimes.Profiles {
		images[id] = profile.Image
	}
	allowlist := sandbox.LoadAllowlist(cfg.Mounts.AllowlistPath, cfg.Mounts.BlockedPrefixes, logger)
	runner := sandbox.NewRunner(sandbox.RunConfig{
		ProjectRoot:    mustGetwd(),
		GroupsDir:      cfg.Store.GroupsDir,
		DataRoot:       cfg.Store.DataRoot,
		Timezone:       cfg.Scheduler.Timezone,
		IdleTimeout:    cfg.Orchestrator.IdleTimeout(),
		HardDeadline:   cfg.Orchestrator.HardDeadline(),
		Images:         images,
		DefaultRuntime: cfg.Runtimes.Default,
		Allowlist:      allowlist,
		Logger:         logger,
	})
	runner.CleanupOrphans()

	// ── Channels ──
	manager := channels.NewManager()
	if cfg.Channels.Telegram.Enabled {
		tg := telegram.New(telegram.Config{
			Token:         channelToken(cfg.Channels.Telegram.Token, "TELEGRAM_BOT_TOKEN"),
			AssistantName: cfg.AssistantName,
		}, logger)
		if err := tg.Connect(ctx); err != nil {
			return fmt.Errorf("connect telegram: %w", err)
		}
		manager.Register(tg)
	}
	if cfg.Channels.WhatsApp.Enabled {
		wa := whatsapp.New(whatsapp.Config{
			SessionPath:   cfg.Channels.WhatsApp.SessionPath,
			AssistantName: cfg.AssistantName,
		}, logger)
		if err := wa.Connect(ctx); err != nil {
			return fmt.Errorf("connect whatsapp: %w", err)
		}
		manager.Register(wa)
	}
	if cfg.Channels.Discord.Enabled {
		dc := discord.New(discord.Config{
			Token:         channelToken(cfg.Channels.Discord.Token, "DISCORD_BOT_TOKEN"),
			AssistantName: cfg.AssistantName,
		}, logger)
		if err := dc.Connect(ctx); err != nil {
			return fmt.Errorf("connect discord: %w", err)
		}
		manager.Register(dc)
	}

	// ── Queue + dispatcher ──
	queue := orchestrator.NewQueue(ctx, cfg.Orchestrator.MaxConcurrentSandboxes, cfg.Store.DataRoot, logger)
	dispatcher := orchestrator.NewDispatcher(cfg, st, state, queue, runner, manager, logger)

	// ── Inbound persistence: channel adapters → store ──
	go persistInbound(ctx, manager, st, logger)

	// ── IPC watcher ──
	queryAdapter := query.New(query.Config{
		Enabled:                   cfg.QueryAdapter.Enabled,
		ReadAllowlist:             cfg.QueryAdapter.ReadAllowlist,
		WriteAllowlist:            cfg.QueryAdapter.WriteAllowlist,
		RequireMainGroupForWrites: cfg.QueryAdapter.RequireMainGroupForWrites,
		Timeout:                   cfg.QueryAdapter.Timeout(),
	}, logger)
	watcher := ipc.NewWatcher(cfg.Store.DataRoot, cfg.IPC.PollInterval(), cfg.Orchestrator.MainGroupFolder, ipc.Handlers{
		SendMessage:     dispatcher.SendIPCMessage,
		HandleTask:      dispatcher.HandleIPCTask,
		HandleQuery:     dispatcher.QueryHandler(queryAdapter),
		AuthorizeTarget: dispatcher.AuthorizeIPCTarget,
	}, logger)
	go watcher.Run(ctx)

	// ── Message loop ──
	loop := orchestrator.NewMessageLoop(st, state, queue,
		cfg.Orchestrator.PollInterval(), cfg.AssistantName,
		cfg.Orchestrator.MainGroupFolder, logger)
	go loop.Run(ctx)

	// ── Scheduler ──
	sched := scheduler.New(st, cfg.Scheduler.PollInterval(), cfg.Scheduler.Timezone,
		dispatcher.EnqueueScheduledTask, logger)
	go sched.Run(ctx)

	// ── HTTP bridge ──
	gw := gateway.New(cfg, st, state, queue, dispatcher, manager, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	logger.Info("sandclawd running",
		"groups", state.GroupCount(),
		"bind", cfg.Server.BindAddress)

	// ── Wait for shutdown signal ──
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	queue.Shutdown(shutdownGrace)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = gw.Stop(stopCtx)
	for _, ch := range manager.Channels() {
		_ = ch.Disconnect()
	}

	logger.Info("sandclawd stopped")
	return nil
}

// persistInbound stores messages from directly connected channel adapters
// so the message loop sees them on its next tick.
func persistInbound(ctx context.Context, manager *channels.Manager, st store.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-manager.Inbound():
			if msg == nil {
				continue
			}
			record := &store.Message{
				ID:         msg.ID,
				ChatJID:    msg.ChatJID,
				Sender:     msg.Sender,
				SenderName: msg.SenderName,
				Content:    msg.Content,
				Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
			}
			if err := st.StoreMessage(ctx, record); err != nil {
				logger.Warn("failed to store inbound message",
					"chat_jid", msg.ChatJID, "error", err)
				continue
			}
			name := msg.ChatName
			if name == "" {
				name = msg.SenderName
			}
			_ = st.StoreChatMetadata(ctx, msg.ChatJID, name, record.Timestamp, "", msg.IsGroup)
		}
	}
}

// channelToken resolves a channel token: config value first, then .env,
// OS keyring, and environment via the shared secret reader.
func channelToken(configured, key string) string {
	if configured != "" {
		return configured
	}
	return sandbox.ReadSecrets(".", []string{key})[key]
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
