package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/config"
	"pricewatch/internal/detector"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/logging"
	"pricewatch/internal/metrics"
	"pricewatch/internal/offer"
	"pricewatch/internal/publication"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/service"
	"pricewatch/internal/storage"
	"pricewatch/internal/version"
)

var errNoDatabase = errors.New("database.dsn not configured; this command needs persistent storage")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newFetcher() fetcher.ProductFetcher {
	src := a.Config.Source
	userAgent := src.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent(a.Config.App.Name)
	}
	api := fetcher.NewProductAPI(fetcher.ProductOptions{
		BaseURL:     src.BaseURL,
		APIKey:      src.APIKey,
		Marketplace: src.Marketplace,
		Timeout:     src.RequestTimeout,
		UserAgent:   userAgent,
	}, a.Logger)
	return fetcher.NewRateLimited(api, src.RateLimitRPS, src.RateLimitBurst)
}

func (a *App) newRenderer() *alerting.Renderer {
	return alerting.NewRenderer(alerting.LinkBuilder{
		BaseURL:      a.Config.Links.BaseURL,
		AffiliateTag: a.Config.Links.AffiliateTag,
	})
}

func (a *App) newTelegram() *alerting.TelegramClient {
	cfg := a.Config.Alerting.Telegram
	if !cfg.Enabled {
		return nil
	}
	return alerting.NewTelegramClient(cfg.BotToken, cfg.APIBase, cfg.Timeout, a.Logger)
}

func (a *App) newRouter(renderer *alerting.Renderer, tg *alerting.TelegramClient, recipients storage.RecipientStore, m *metrics.Collectors) *alerting.Router {
	var direct alerting.DirectSender
	if tg != nil {
		direct = tg
	}
	var email alerting.EmailSender
	if cfg := a.Config.Alerting.Email; cfg.Enabled {
		email = alerting.NewEmailClient(cfg.APIBase, cfg.APIKey, cfg.From, cfg.Timeout, a.Logger)
	}
	return alerting.NewRouter(renderer, direct, email, recipients, m, alerting.RouterOptions{
		MaxEmailBounces: a.Config.Alerting.MaxEmailBounces,
		OnEmailResult: func(recipientID string, _ error, disabled bool) {
			if disabled {
				a.Logger.Warn().Str("recipient", recipientID).
					Msgf("email alerts stopped; re-enable with: pricewatch email --recipient %s --enable", recipientID)
			}
		},
	}, a.Logger)
}

func (a *App) newGuard(renderer *alerting.Renderer, tg *alerting.TelegramClient, store storage.PublicationStore, m *metrics.Collectors) (*publication.Guard, error) {
	if !a.Config.Broadcast.Enabled {
		return nil, nil
	}
	if tg == nil {
		return nil, errors.New("broadcast.enabled requires alerting.telegram to be enabled")
	}
	loc, err := a.Config.Broadcast.Location()
	if err != nil {
		return nil, err
	}
	return publication.NewGuard(tg, store, renderer, m, publication.Options{
		MinDropPct: decimal.NewFromFloat(a.Config.Broadcast.MinDropPct),
		Location:   loc,
		Channels:   a.Config.Broadcast.Channels,
		ThreadID:   a.Config.Broadcast.ThreadID,
	}, a.Logger), nil
}

// openRepo returns the Postgres store when a DSN is configured, otherwise an
// in-memory store unless requireDB is set.
func (a *App) openRepo(ctx context.Context, requireDB bool) (storage.Repository, func(), error) {
	if a.Config.Database.DSN == "" {
		if requireDB {
			return nil, nil, errNoDatabase
		}
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage")
		return storage.NewMemoryStore(), func() {}, nil
	}

	store, closer, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			closer()
			return nil, nil, err
		}
	}
	return store, closer, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// pipeline is everything a polling cycle needs.
type pipeline struct {
	service *service.Service
	router  *alerting.Router
}

func (a *App) newPipeline(repo storage.Repository, sched *scheduler.Scheduler, m *metrics.Collectors) (*pipeline, error) {
	renderer := a.newRenderer()
	tg := a.newTelegram()
	router := a.newRouter(renderer, tg, repo, m)
	guard, err := a.newGuard(renderer, tg, repo, m)
	if err != nil {
		return nil, err
	}

	deps := service.Deps{
		Scheduler:  sched,
		Fetcher:    a.newFetcher(),
		Normalizer: offer.NewNormalizer(a.Config.Source.DefaultCurrency, a.Logger),
		Detector:   detector.New(0),
		Repo:       repo,
		Dispatcher: router,
		Metrics:    m,
	}
	if guard != nil {
		deps.Publisher = guard
	}
	return &pipeline{service: service.New(a.Config, deps, a.Logger), router: router}, nil
}

// Run executes the long-running polling service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepo(ctx, false)
	if err != nil {
		return err
	}
	defer closeRepo()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, registry, a.Logger); err != nil {
				a.Logger.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		Immediate:     true,
	}, a.Logger)

	p, err := a.newPipeline(repo, sched, m)
	if err != nil {
		return err
	}

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting polling service")
	err = p.service.Run(ctx)
	p.router.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("polling service stopped")
	return nil
}

// ExportOptions hold parameters for exporting a SKU's price history.
type ExportOptions struct {
	SKU       string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	SKU       string
	Recipient string
	Limit     int
}

// TrackOptions describe a new tracked item.
type TrackOptions struct {
	SKU         string
	Recipient   string
	PolicyKind  string
	PolicyValue string
	Email       string
}

// UntrackOptions identify tracked items to remove.
type UntrackOptions struct {
	SKU       string
	Recipient string
}

// SimulateOptions describe a synthetic change event.
type SimulateOptions struct {
	SKU       string
	Title     string
	Recipient string
	Kind      string
	OldPrice  decimal.Decimal
	NewPrice  decimal.Decimal
	Currency  string
	Broadcast bool
	DryRun    bool
}
