package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/LordLuceus/letta-bot/internal/agent"
	"github.com/LordLuceus/letta-bot/internal/bus"
	"github.com/LordLuceus/letta-bot/internal/config"
	"github.com/LordLuceus/letta-bot/internal/describe"
	"github.com/LordLuceus/letta-bot/internal/discord"
	"github.com/LordLuceus/letta-bot/internal/heartbeat"
	"github.com/LordLuceus/letta-bot/internal/letta"
	"github.com/LordLuceus/letta-bot/internal/queue"
	"github.com/LordLuceus/letta-bot/internal/store"
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func runBridge() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Discord.Token == "" {
		slog.Error("no discord token configured, set LETTA_BOT_DISCORD_TOKEN")
		os.Exit(1)
	}
	if cfg.Letta.AgentID == "" {
		// Not fatal: the bridge runs, the dispatcher short-circuits
		// every call to "no reply" until an agent is configured.
		slog.Warn("no letta agent id configured, set LETTA_AGENT_ID")
	}

	statusStore, err := store.OpenStatusStore(config.ExpandHome(cfg.Store.Path))
	if err != nil {
		slog.Error("failed to open status store", "error", err)
		os.Exit(1)
	}
	defer statusStore.Close()

	client := letta.New(cfg.Letta.BaseURL, cfg.Letta.Token)
	describers := describe.NewService(cfg.Describe.TranscribeProxyURL, cfg.Describe.MaxLinks)

	// The bot and the queue manager reference each other (bot enqueues,
	// dispatcher fetches reply context through the bot), so wire the
	// dispatcher through late-bound holders.
	var bot *discord.Bot

	replies := replyFetcherFunc(func() *discord.Bot { return bot })
	presence := &presenceSink{store: statusStore, bot: func() *discord.Bot { return bot }}

	formatter := agent.NewFormatter(describers, replies)
	interp := agent.NewInterpreter(presence)
	dispatcher := agent.NewDispatcher(cfg.Letta.AgentID, client, formatter, interp)

	mgr := queue.NewManager(cfg.Queue.Options(), dispatcher)
	defer mgr.Close()

	bot, err = discord.New(cfg.Discord, mgr)
	if err != nil {
		slog.Error("failed to create discord bot", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Start(ctx); err != nil {
		slog.Error("failed to start discord bot", "error", err)
		os.Exit(1)
	}
	defer bot.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Heartbeat.Enabled {
		sched, err := heartbeat.New(cfg.Heartbeat.Cron, mgr, func(ctx context.Context, text string) {
			if cfg.Discord.HeartbeatChannelID == "" {
				slog.Info("heartbeat reply dropped, no heartbeat channel configured")
				return
			}
			if err := bot.SendTo(ctx, cfg.Discord.HeartbeatChannelID, text); err != nil {
				slog.Warn("heartbeat reply send failed", "error", err)
			}
		})
		if err != nil {
			slog.Error("failed to create heartbeat scheduler", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return sched.Run(ctx) })
	}

	// Hot reload of the queue tuning knobs.
	g.Go(func() error {
		return config.Watch(ctx, cfgPath, func(next *config.Config) {
			mgr.Retune(next.Queue.Options())
		})
	})

	slog.Info("letta-bot running", "config", cfgPath, "letta", cfg.Letta.BaseURL)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("bridge component failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// replyFetcherFunc defers reply-context lookups to the bot created
// after the dispatcher.
type replyFetcherFunc func() *discord.Bot

func (f replyFetcherFunc) FetchOriginal(ctx context.Context, ref bus.ReplyRef) (string, string, error) {
	return f().FetchOriginal(ctx, ref)
}

// presenceSink fans the set_status side effect out to the Discord
// presence API and the status store. Both legs are fire-and-forget.
type presenceSink struct {
	store *store.StatusStore
	bot   func() *discord.Bot
}

func (p *presenceSink) SetPresence(ctx context.Context, status string) {
	if b := p.bot(); b != nil {
		b.SetPresence(ctx, status)
	}
}

func (p *presenceSink) PersistPresence(ctx context.Context, status string) {
	if err := p.store.SaveStatus(ctx, status); err != nil {
		slog.Warn("failed to persist status", "error", err)
	}
}
