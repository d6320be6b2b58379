// Command streamsync keeps a local picture of one Twitch channel in sync with
// the platform. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the poll tasks (channel id, stream, channel info, followers, views,
//     hosts, subscribers, single-user follow checks) sharing one rate budget.
//   - Joins chat to count lines, detect chatters and send replies.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /calls, /metrics
//     and POST /channel.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/onnwee/streamsync/chat"
	"github.com/onnwee/streamsync/config"
	"github.com/onnwee/streamsync/db"
	"github.com/onnwee/streamsync/events"
	"github.com/onnwee/streamsync/followers"
	"github.com/onnwee/streamsync/games"
	"github.com/onnwee/streamsync/poller"
	"github.com/onnwee/streamsync/ratelimit"
	"github.com/onnwee/streamsync/scheduler"
	"github.com/onnwee/streamsync/server"
	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/stream"
	"github.com/onnwee/streamsync/telemetry"
	"github.com/onnwee/streamsync/title"
	"github.com/onnwee/streamsync/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("streamsync", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database.DB); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}
	store := db.NewStore(database)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	tokens, err := twitchapi.NewTokenSource(ctx, twitchapi.TokenConfig{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		UserToken:    cfg.TwitchOAuthToken,
		HTTPClient:   httpClient,
	})
	if err != nil {
		slog.Error("twitch token source", slog.Any("err", err))
		os.Exit(1)
	}

	budget := ratelimit.NewBudget()
	helix := &twitchapi.HelixClient{
		ClientID:   cfg.TwitchClientID,
		Tokens:     tokens,
		HTTPClient: httpClient,
		BaseURL:    cfg.APIBase,
		Budget:     budget,
		Log:        store,
	}
	tmi := &twitchapi.TMIClient{HTTPClient: httpClient, BaseURL: cfg.TMIBase, Log: store}

	current := state.New(store)
	if err := restoreCurrent(ctx, store, current); err != nil {
		slog.Warn("restore cached title and game", slog.Any("err", err))
	}

	bus := events.NewBus()
	defer bus.Close()
	go logEvents(ctx, bus)

	channelID := scheduler.NewReady[string]()
	manual := &state.Flag{}
	gameCache := games.NewCache(helix, store, func() string { return current.Snapshot().Game })
	engine := &title.Engine{Vars: store, T: title.NewCatalog(cfg.Locale), Cache: store}
	titles := &stream.TitleSync{Current: current, Titles: store, Render: engine, Games: gameCache, Manual: manual}

	reconciler := &followers.Reconciler{
		API:       helix,
		Dir:       store,
		Events:    bus,
		Current:   current,
		ChannelID: channelID,
		Budget:    budget,
		Queue:     followers.NewQueue(),
		Owner:     cfg.TwitchChannel,
		Bot:       cfg.TwitchBotUsername,
	}

	bridge := &chat.Bridge{
		Channel:  cfg.TwitchChannel,
		Username: cfg.TwitchBotUsername,
		OAuth:    cfg.TwitchOAuthToken,
		Users:    store,
		Follows:  reconciler,
		Current:  current,
	}

	machine := &stream.Machine{
		Current:   current,
		Events:    bus,
		Cache:     store,
		Titles:    titles,
		Stats:     store,
		Hosts:     store,
		ChatLines: bridge.Lines,
		Webhooks:  cfg.WebhooksStreams,
	}
	if err := machine.Restore(ctx); err != nil {
		slog.Warn("restore stream state", slog.Any("err", err))
	}

	mutator := &title.Mutator{
		ChannelID: channelID,
		API:       helix,
		Games:     gameCache,
		Engine:    engine,
		Current:   current,
		Messenger: bridge,
		Events:    bus,
		Manual:    manual,
	}

	pollers := &poller.Engine{
		Channel:         cfg.TwitchChannel,
		API:             helix,
		TMI:             tmi,
		Budget:          budget,
		Current:         current,
		ChannelID:       channelID,
		Stream:          machine,
		Titles:          titles,
		Followers:       reconciler,
		Hosts:           store,
		Subscribers:     store,
		PollSubscribers: cfg.PollSubscribers,
		Owner:           cfg.TwitchChannel,
		Bot:             cfg.TwitchBotUsername,
	}
	sched := scheduler.New()
	pollers.Start(ctx, sched)

	if cfg.ChatReady() {
		go bridge.Run(ctx)
	} else {
		slog.Info("chat bridge disabled (missing twitch creds or CHAT_ENABLED=false)")
	}

	go func() {
		deps := server.Deps{
			Current:    current,
			Budget:     budget,
			Stream:     machine,
			ChannelID:  channelID,
			DB:         database,
			Calls:      store,
			Channel:    mutator,
			AdminToken: cfg.AdminToken,
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	waitWithTimeout(sched, 10*time.Second)
}

// setupLogging configures level and format; LOG_FILE adds a rotating file next to stdout.
func setupLogging(cfg *config.Config) {
	lvl := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", cfg.LogLevel))
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   cfg.LogCompress,
		})
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", cfg.LogFormat), slog.String("file", cfg.LogFile))
}

func restoreCurrent(ctx context.Context, store *db.Store, current *state.Current) error {
	raw, err := store.RawStatus(ctx)
	if err != nil {
		return err
	}
	game, err := store.Game(ctx)
	if err != nil {
		return err
	}
	current.Restore(raw, game)
	return nil
}

// logEvents is the default subscriber; integrations subscribe to the same bus.
func logEvents(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(events.All)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			slog.Info("event", slog.String("event", ev.Name), slog.Any("payload", ev.Payload), slog.String("component", "events"))
		}
	}
}

func waitWithTimeout(s *scheduler.Scheduler, d time.Duration) {
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		slog.Warn("poll tasks did not stop in time", slog.Duration("timeout", d))
	}
}
