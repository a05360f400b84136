package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-redis/redis/v8"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"github.com/tradedesk/offers-api/internal/handlers"
	"github.com/tradedesk/offers-api/internal/platform/cache"
	"github.com/tradedesk/offers-api/internal/platform/config"
	"github.com/tradedesk/offers-api/internal/platform/events"
	pfirestore "github.com/tradedesk/offers-api/internal/platform/firestore"
	"github.com/tradedesk/offers-api/internal/platform/observability"
	"github.com/tradedesk/offers-api/internal/repositories"
	firestoreRepo "github.com/tradedesk/offers-api/internal/repositories/firestore"
	"github.com/tradedesk/offers-api/internal/services"
)

const (
	firestoreProbeTimeout = 1500 * time.Millisecond
	pubsubProbeTimeout    = time.Second
	redisProbeTimeout     = 500 * time.Millisecond
	maxLoadBackoff        = 2 * time.Second
)

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config     config.Config
	Logger     *zap.Logger
	Firestore  *pfirestore.Provider
	PubSub     *pubsub.Client
	Redis      *redis.Client
	Sessions   *services.OfferSessions
	Pricing    *services.PriceTierResolver
	Subscriber *events.OfferChangeSubscriber
	Health     *repositories.DependencyHealth

	topic     *pubsub.Topic
	tierCache *cache.RedisScheduleCache
}

// NewContainer constructs the runtime dependencies. Pub/Sub and Redis are optional: an empty topic
// disables lifecycle events, an empty subscription disables remote change handling and an empty
// Redis URL keeps the price schedule cache in process.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, Logger: logger}
	built := false
	defer func() {
		if !built {
			_ = c.Close()
		}
	}()

	c.Firestore = pfirestore.NewProvider(cfg.Firestore)
	if _, err := c.Firestore.Client(ctx); err != nil {
		return nil, fmt.Errorf("initialise firestore client: %w", err)
	}

	metrics, err := observability.NewEngineMetrics()
	if err != nil {
		return nil, fmt.Errorf("initialise engine metrics: %w", err)
	}

	offerRepo, err := firestoreRepo.NewOfferRepository(c.Firestore, cfg.Offers.PurchaseWindow, time.Now)
	if err != nil {
		return nil, fmt.Errorf("initialise offer repository: %w", err)
	}
	cartRepo, err := firestoreRepo.NewCartRepository(c.Firestore, time.Now)
	if err != nil {
		return nil, fmt.Errorf("initialise cart repository: %w", err)
	}
	tierRepo, err := firestoreRepo.NewPriceTierRepository(c.Firestore, time.Now)
	if err != nil {
		return nil, fmt.Errorf("initialise price tier repository: %w", err)
	}

	var publisher services.OfferEventPublisher
	if cfg.PubSub.OfferEventsTopic != "" || cfg.PubSub.OfferChangesSub != "" {
		c.PubSub, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialise pubsub client: %w", err)
		}
	}
	if cfg.PubSub.OfferEventsTopic != "" {
		c.topic = c.PubSub.Topic(cfg.PubSub.OfferEventsTopic)
		c.topic.EnableMessageOrdering = true
		eventPublisher, err := events.NewPubSubOfferPublisher(c.topic)
		if err != nil {
			return nil, fmt.Errorf("initialise offer event publisher: %w", err)
		}
		publisher = eventPublisher
	}

	var scheduleCache services.ScheduleCache
	if cfg.Redis.URL != "" {
		c.Redis, err = cache.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("initialise redis client: %w", err)
		}
		c.tierCache, err = cache.NewRedisScheduleCache(c.Redis, cfg.Redis.KeyPrefix, cfg.Pricing.TierCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("initialise redis schedule cache: %w", err)
		}
		scheduleCache = c.tierCache
	}

	c.Sessions, err = services.NewOfferSessions(services.OfferSessionsDeps{
		Store: services.OfferStoreDeps{
			Gateway:        offerRepo,
			Publisher:      publisher,
			Metrics:        metrics,
			Logger:         observability.EventLogger(logger, "offers"),
			CacheTTL:       cfg.Offers.CacheTTL,
			CallTimeout:    cfg.Offers.CallTimeout,
			LoadAttempts:   cfg.Offers.LoadAttempts,
			LoadBackoff:    gax.Backoff{Initial: cfg.Offers.LoadBackoff, Max: maxLoadBackoff, Multiplier: 2},
			ResponseWindow: cfg.Offers.ResponseWindow,
			ProductLimit:   cfg.Offers.ProductLimit,
			SupplierLimit:  cfg.Offers.SupplierLimit,
		},
		Carts:      cartRepo,
		SessionTTL: cfg.Offers.SessionTTL,
		Logger:     observability.EventLogger(logger, "sessions"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialise offer sessions: %w", err)
	}

	c.Pricing, err = services.NewPriceTierResolver(services.PriceTierResolverDeps{
		Source:   tierRepo,
		Cache:    scheduleCache,
		CacheTTL: cfg.Pricing.TierCacheTTL,
		Metrics:  metrics,
		Logger:   observability.EventLogger(logger, "pricing"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialise price tier resolver: %w", err)
	}

	if cfg.PubSub.OfferChangesSub != "" {
		c.Subscriber, err = events.NewOfferChangeSubscriber(
			c.PubSub.Subscription(cfg.PubSub.OfferChangesSub),
			c.Sessions,
			cfg.PubSub.ChangeReceiveWorker,
			logger.Named("changes"),
		)
		if err != nil {
			return nil, fmt.Errorf("initialise offer change subscriber: %w", err)
		}
	}

	c.Health, err = repositories.NewDependencyHealth(c.dependencyChecks(), time.Now)
	if err != nil {
		return nil, fmt.Errorf("initialise dependency health: %w", err)
	}
	built = true
	return c, nil
}

func (c *Container) dependencyChecks() []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: firestoreProbeTimeout,
		Check: func(ctx context.Context) error {
			client, err := c.Firestore.Client(ctx)
			if err != nil {
				return err
			}
			_, err = client.Collections(ctx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}}
	if c.topic != nil {
		topic := c.topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: pubsubProbeTimeout,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if c.tierCache != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: redisProbeTimeout,
			Check:   c.tierCache.Ping,
		})
	}
	return checks
}

// Router assembles the HTTP surface with the shared middleware chain.
func (c *Container) Router(build handlers.BuildInfo) http.Handler {
	httpLogger := c.Logger.Named("http")
	projectID := c.Config.Observability.TraceProjectID

	offerHandlers := handlers.NewOfferHandlers(c.Sessions,
		handlers.WithTransitionTimeout(c.Config.Offers.TransitionTimeout),
		handlers.WithCreateRateLimit(c.Config.Offers.CreateRateLimit, c.Config.Offers.CreateRateWindow),
	)
	pricingHandlers := handlers.NewPricingHandlers(c.Pricing)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthProbe(c.Health),
	)

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.IdentityMiddleware,
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOfferRoutes(offerHandlers.Routes),
		handlers.WithPricingRoutes(pricingHandlers.Routes),
	)
}

// RunBackground runs the session sweeper and, when configured, the offer change subscriber until
// ctx is cancelled or one of them fails.
func (c *Container) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Sessions.RunSweeper(ctx, c.Config.Offers.SessionSweep)
		return nil
	})
	if c.Subscriber != nil {
		g.Go(func() error {
			return c.Subscriber.Run(ctx)
		})
	}
	return g.Wait()
}

// Close releases clients. It is safe to call on a partially built container.
func (c *Container) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.topic != nil {
		c.topic.Stop()
	}
	if c.PubSub != nil {
		errs = append(errs, c.PubSub.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.Firestore != nil {
		errs = append(errs, c.Firestore.Close())
	}
	return errors.Join(errs...)
}
