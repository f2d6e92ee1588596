package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-alerts/internal/alerting"
	"market-alerts/internal/chart"
	"market-alerts/internal/config"
	"market-alerts/internal/fetcher"
	"market-alerts/internal/halts"
	"market-alerts/internal/logging"
	"market-alerts/internal/pricealerts"
	"market-alerts/internal/scheduler"
	"market-alerts/internal/service"
	"market-alerts/internal/storage"
	"market-alerts/internal/telemetry"
	"market-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// runtime is the wired worker for one process lifetime.
type runtime struct {
	backend  storage.Backend
	service  *service.Service
	shutdown func(context.Context) error
}

func (r *runtime) close() {
	if r.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.shutdown(ctx)
	}
	if r.backend != nil {
		r.backend.Close()
	}
}

func (a *App) userAgent() string {
	if ua := strings.TrimSpace(a.Config.MarketData.UserAgent); ua != "" {
		return ua
	}
	return version.UserAgent()
}

func (a *App) newCandles() *fetcher.Candles {
	return fetcher.NewCandles(fetcher.CandleOptions{
		BaseURL:   a.Config.MarketData.BaseURL,
		PoolSize:  a.Config.MarketData.PoolSize,
		Timeout:   a.Config.MarketData.RequestTimeout,
		UserAgent: a.userAgent(),
	}, a.Logger)
}

func (a *App) newChartRenderer(candles fetcher.CandleFetcher) *chart.Renderer {
	cfg := a.Config.Chart
	return chart.NewRenderer(candles, chart.Options{
		Platform:          cfg.Platform,
		IntradayTimeframe: cfg.IntradayTimeframe,
		DailyTimeframe:    cfg.DailyTimeframe,
		Width:             cfg.Width,
		Height:            cfg.Height,
	}, a.Logger)
}

// sinkFactory builds the message sink for a halt subscription.
func (a *App) sinkFactory() halts.SinkFactory {
	discord := a.Config.Discord
	telegram := a.Config.Telegram
	return func(sub storage.HaltSubscription) (alerting.MessageSink, error) {
		switch sub.Kind {
		case storage.SubscriptionDiscord:
			return alerting.NewDiscordWebhook(sub.Endpoint, alerting.DiscordOptions{
				Username:      discord.Username,
				AvatarURL:     discord.AvatarURL,
				Timeout:       discord.RequestTimeout,
				RatePerSecond: discord.RatePerSecond,
				MaxRetries:    discord.MaxRetries,
			}, a.Logger), nil
		case storage.SubscriptionTelegram:
			if telegram.BotToken == "" {
				return nil, errors.New("telegram.bot_token not configured")
			}
			return alerting.NewTelegramSink(sub.Endpoint, alerting.TelegramOptions{
				BotToken:      telegram.BotToken,
				BaseURL:       telegram.APIBase,
				Timeout:       telegram.RequestTimeout,
				RatePerSecond: telegram.RatePerSecond,
			}, a.Logger), nil
		default:
			return nil, fmt.Errorf("unsupported subscription kind %q", sub.Kind)
		}
	}
}

func (a *App) newHaltJob(backend storage.Backend, candles fetcher.CandleFetcher, reporter *telemetry.Reporter) (*halts.Job, error) {
	cfg := a.Config.Halts
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load halts timezone: %w", err)
	}
	codes, err := halts.LoadReasonCodes(cfg.ReasonCodesFile)
	if err != nil {
		return nil, err
	}

	var charts halts.ChartRenderer
	if a.Config.Chart.Enabled {
		charts = a.newChartRenderer(candles)
	}

	feed := fetcher.NewHaltFeed(fetcher.HaltFeedOptions{
		URL:       cfg.FeedURL,
		Timeout:   cfg.RequestTimeout,
		UserAgent: a.userAgent(),
	}, a.Logger)

	notifier := halts.NewNotifier(codes, charts, backend, backend, halts.NewHandleCache(), halts.NotifierOptions{
		Exchange: cfg.Exchange,
		Color:    cfg.Color,
		Workers:  cfg.Workers,
	}, a.Logger, reporter)

	return halts.NewJob(feed, halts.NewParser(loc, codes), backend, notifier, a.sinkFactory(), a.Config.DryRun(), a.Logger), nil
}

func (a *App) build(ctx context.Context) (*runtime, error) {
	backend, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	rt := &runtime{backend: backend}

	provider, shutdown, err := telemetry.Init(ctx, a.Config.Telemetry)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.shutdown = shutdown
	reporter, err := telemetry.NewReporter(provider, a.Logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	candles := a.newCandles()
	var jobs []service.Job
	if a.Config.Alerts.Enabled {
		jobs = append(jobs, pricealerts.NewJob(backend, candles, pricealerts.JobOptions{
			Evaluator: pricealerts.EvaluatorOptions{
				Expiry:             a.Config.Alerts.Expiry,
				DefaultDestination: a.Config.Alerts.DefaultDestination,
				Color:              a.Config.Alerts.Color,
				DryRun:             a.Config.DryRun(),
			},
			AccountAllowlist: a.Config.Alerts.AccountAllowlist,
		}, a.Logger, reporter))
	}
	if a.Config.Halts.Enabled {
		job, err := a.newHaltJob(backend, candles, reporter)
		if err != nil {
			rt.close()
			return nil, err
		}
		jobs = append(jobs, job)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	rt.service = service.New(sched, backend, jobs, service.Options{
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger, reporter)
	return rt, nil
}

// Run executes the long-running worker until SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	a.Logger.Info().
		Str("environment", a.Config.App.Environment).
		Bool("dry_run", a.Config.DryRun()).
		Str("database", a.Config.Database.Driver).
		Msg("starting alerts worker")
	err = rt.service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("worker terminated with error")
		return err
	}

	a.Logger.Info().Msg("alerts worker stopped")
	return nil
}

// RunOnce executes a single cycle for the current minute and returns.
func (a *App) RunOnce(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	at := time.Now().UTC().Truncate(time.Minute)
	rt.service.RunCycle(ctx, at, scheduler.Timeframes(at))
	return nil
}
