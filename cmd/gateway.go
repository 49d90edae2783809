package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/channels"
	"github.com/adjutant-ai/adjutant/internal/channels/discord"
	"github.com/adjutant-ai/adjutant/internal/channels/slack"
	"github.com/adjutant-ai/adjutant/internal/channels/telegram"
	"github.com/adjutant-ai/adjutant/internal/clock"
	"github.com/adjutant-ai/adjutant/internal/config"
	"github.com/adjutant-ai/adjutant/internal/cron"
	"github.com/adjutant-ai/adjutant/internal/delivery"
	"github.com/adjutant-ai/adjutant/internal/executor"
	"github.com/adjutant-ai/adjutant/internal/gateway"
	"github.com/adjutant-ai/adjutant/internal/gateway/methods"
	"github.com/adjutant-ai/adjutant/internal/heartbeat"
	"github.com/adjutant-ai/adjutant/internal/providers"
	"github.com/adjutant-ai/adjutant/internal/scheduler"
	"github.com/adjutant-ai/adjutant/internal/store/pg"
	"github.com/adjutant-ai/adjutant/internal/tracing"
)

// channelDriver is the lifecycle every channel implementation shares on top
// of its delivery.Driver half.
type channelDriver interface {
	delivery.Driver
	Start(ctx context.Context) error
	Stop()
}

func gatewayCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel)
			return runGateway()
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runGateway() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	slog.Info("gateway: starting", "version", Version, "config", cfgPath,
		"state", cfg.StateDir, "storage", cfg.Storage.Mode)

	// Hot reload swaps the pointer; per-tick consumers such as the cron
	// kill-switch read through it.
	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)

	clk := clock.NewSystem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Job store: flat files in standalone mode, Postgres in managed mode.
	var store cron.Store
	switch cfg.Storage.Mode {
	case config.StorageManaged:
		db, err := pg.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		store = pg.NewCronStore(db, pg.CronStoreOptions{
			LeaseTTLMS: cfg.Cron.LeaseTTLMS,
			RetainRuns: cfg.Cron.RetainRuns,
			Limits:     cronLimits(cfg),
		}, clk)
	default:
		fileStore, err := cron.NewFileStore(cron.FileStoreOptions{
			Path:       cfg.JobsPath(),
			RunsDir:    cfg.RunsDir(),
			LeaseTTLMS: cfg.Cron.LeaseTTLMS,
			RetainRuns: cfg.Cron.RetainRuns,
			Limits:     cronLimits(cfg),
		}, clk)
		if err != nil {
			return err
		}
		store = fileStore
	}
	defer store.Close()

	// Shared plumbing.
	b := bus.New()
	disp := scheduler.NewDispatcher(lanesFor(cfg), cfg.Cron.QueueCap)
	defer disp.Stop()

	events, err := bus.NewSystemEventQueue(cfg.EventsPath(), clk)
	if err != nil {
		return err
	}

	routes, err := delivery.NewLastRoutes(cfg.LastRoutePath(), clk)
	if err != nil {
		return err
	}
	registry := delivery.NewRegistry()
	router := delivery.NewRouter(registry, routes)

	// Agent runtime.
	runner := buildRunner(cfg)

	// Heartbeat drains the system-event queue between beats; the executor's
	// wake hook preempts the interval for wake_mode=now jobs.
	hb := heartbeat.NewService(heartbeatConfig(cfg), runner, events, router, clk)

	exec := executor.New(store, runner, router, events, disp, clk, executor.Defaults{
		Model:        cfg.Agents.Defaults.Model,
		Thinking:     cfg.Agents.Defaults.Thinking,
		AgentTimeout: time.Duration(cfg.Agents.Defaults.AgentTimeoutSeconds) * time.Second,
		RunTimeout:   time.Duration(cfg.Agents.Defaults.RunTimeoutSeconds) * time.Second,
	}, hb.Wake)

	// Run-span tracing; the OTLP exporter attaches only with -tags otel.
	collector := tracing.NewCollector()
	initOTelExporter(ctx, cfg, collector)
	collector.Start()
	defer collector.Stop()
	exec.SetTracer(collector)

	engineOpts := cron.EngineOptions{
		TickFloor: time.Duration(cfg.Cron.TickFloorMS) * time.Millisecond,
		MaxBatch:  cfg.Cron.MaxBatch,
		Disabled:  func() bool { return liveCfg.Load().CronDisabled() },
	}
	if cfg.Cron.WatchJobsFile && cfg.Storage.Mode != config.StorageManaged {
		engineOpts.WatchJobsFile = cfg.JobsPath()
	}
	engine := cron.NewEngine(store, clk, exec.Dispatch, engineOpts)
	engine.Start(ctx)
	defer engine.Stop()

	if heartbeatEnabled(cfg) {
		hb.Start()
		defer hb.Stop()
	}

	// Channel drivers and the inbound chat pipeline.
	drivers := buildChannels(cfg, b)
	for _, d := range drivers {
		registry.Register(d)
		if err := d.Start(ctx); err != nil {
			slog.Error("gateway: channel start failed", "channel", d.Name(), "error", err)
		}
	}
	defer func() {
		for _, d := range drivers {
			d.Stop()
		}
	}()

	inbound := channels.NewInboundRouter(b, disp, runner, router, channels.InboundOptions{
		AgentID: cfg.Agents.DefaultID,
	})
	inbound.Start()
	defer inbound.Stop()

	// Control surface.
	srv := gateway.NewServer(gateway.Options{
		Addr:      cfg.Gateway.Addr(),
		Token:     cfg.Gateway.Token,
		RateRPM:   cfg.Gateway.RateRPM,
		RateBurst: cfg.Gateway.RateBurst,
	}, b)
	methods.NewCronMethods(engine, store, b, events, hb.Wake, cfg.Agents.DefaultID).Register(srv.Router())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()

	// Config hot reload; a missing file is fine, the defaults stand.
	if watcher, err := config.NewWatcher(cfgPath); err == nil {
		watcher.OnChange(func(next *config.Config) {
			liveCfg.Store(next)
			slog.Info("gateway: config reloaded", "hash", next.Hash())
			engine.Wake()
		})
		if err := watcher.Start(); err != nil {
			slog.Debug("gateway: config watch unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		slog.Info("gateway: shutting down", "signal", s.String())
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func cronLimits(cfg *config.Config) cron.Limits {
	limits := cron.DefaultLimits()
	if cfg.Cron.MinIntervalMS > 0 {
		limits.MinIntervalMS = cfg.Cron.MinIntervalMS
	}
	return limits
}

// lanesFor sizes the cron lane from config; the main lane always serialises.
func lanesFor(cfg *config.Config) []scheduler.LaneConfig {
	lanes := scheduler.DefaultLanes()
	if cfg.Cron.MaxConcurrent > 0 {
		for i := range lanes {
			if lanes[i].Name == scheduler.LaneCron {
				lanes[i].Concurrency = cfg.Cron.MaxConcurrent
			}
		}
	}
	return lanes
}

func buildRunner(cfg *config.Config) *providers.SessionRunner {
	var provider *providers.OpenAIProvider
	switch cfg.Provider.Name {
	case "dashscope":
		provider = providers.NewDashScopeProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Agents.Defaults.Model)
	default:
		provider = providers.NewOpenAIProvider("openai", cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Agents.Defaults.Model)
	}

	opts := providers.RunnerOptions{}
	if cfg.Agents.Defaults.AgentTimeoutSeconds > 0 {
		opts.CallTimeout = time.Duration(cfg.Agents.Defaults.AgentTimeoutSeconds) * time.Second
	}
	return providers.NewSessionRunner(provider, opts)
}

func heartbeatConfig(cfg *config.Config) heartbeat.Config {
	hc := heartbeat.Config{
		AgentID:     cfg.Agents.DefaultID,
		Interval:    cfg.Heartbeat.IntervalDuration(),
		Model:       cfg.Heartbeat.Model,
		Prompt:      cfg.Heartbeat.Prompt,
		AckMaxChars: cfg.Heartbeat.AckMaxChars,
	}
	if ah := cfg.Heartbeat.ActiveHours; ah != nil {
		hc.ActiveHours = &heartbeat.ActiveHours{
			Start:    ah.Start,
			End:      ah.End,
			Timezone: ah.Timezone,
		}
	}
	return hc
}

func heartbeatEnabled(cfg *config.Config) bool {
	return cfg.Heartbeat.Enabled == nil || *cfg.Heartbeat.Enabled
}

func buildChannels(cfg *config.Config, b *bus.MessageBus) []channelDriver {
	debounce := time.Duration(cfg.Channels.DebounceMS) * time.Millisecond
	var drivers []channelDriver

	if tg := cfg.Channels.Telegram; tg.Enabled && tg.BotToken != "" {
		c, err := telegram.New(telegram.Options{Token: tg.BotToken, Debounce: debounce}, b)
		if err != nil {
			slog.Error("gateway: telegram init failed", "error", err)
		} else {
			drivers = append(drivers, c)
		}
	}
	if sl := cfg.Channels.Slack; sl.Enabled && sl.BotToken != "" {
		c, err := slack.New(slack.Options{BotToken: sl.BotToken, AppToken: sl.AppToken, Debounce: debounce}, b)
		if err != nil {
			slog.Error("gateway: slack init failed", "error", err)
		} else {
			drivers = append(drivers, c)
		}
	}
	if dc := cfg.Channels.Discord; dc.Enabled && dc.BotToken != "" {
		c, err := discord.New(discord.Options{BotToken: dc.BotToken, Debounce: debounce}, b)
		if err != nil {
			slog.Error("gateway: discord init failed", "error", err)
		} else {
			drivers = append(drivers, c)
		}
	}
	return drivers
}
